package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame encodes msg and writes it to w as a 4-byte big-endian length
// prefix followed by the encoded body.
func WriteFrame(w io.Writer, msg encodable) error {
	body, err := msg.encode()
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("wire: encoded frame %d bytes exceeds max %d", len(body), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

type encodable interface {
	encode() ([]byte, error)
}

// ReadRequest reads one length-prefixed Request frame from r.
func ReadRequest(r *bufio.Reader) (Request, error) {
	body, err := readFrame(r)
	if err != nil {
		return Request{}, err
	}
	return decodeRequest(body)
}

// ReadResponse reads one length-prefixed Response frame from r.
func ReadResponse(r *bufio.Reader) (Response, error) {
	body, err := readFrame(r)
	if err != nil {
		return Response{}, err
	}
	return decodeResponse(body)
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}
	return body, nil
}

// --- Request encoding ---

func (req Request) encode() ([]byte, error) {
	e := newEncoder()
	e.byte(byte(req.Kind))
	switch req.Kind {
	case ReqExec:
		e.strings(req.Exec.Argv)
		e.strings(req.Exec.Env)
		e.string(req.Exec.Cwd)
		e.uint32(req.Exec.UID)
		e.uint32(req.Exec.GID)
		e.bool(req.Exec.Stdin)
	case ReqPing:
	case ReqSignal:
		e.uint32(req.PID)
		e.uint32(req.Signal)
	case ReqReadFile:
		e.string(req.Path)
	case ReqWriteFile:
		e.string(req.Path)
		e.bytes(req.Data)
	case ReqStdin:
		e.uint32(req.StreamID)
		e.bytes(req.Data)
	case ReqStdinClose:
		e.uint32(req.StreamID)
	case ReqShutdown:
	case ReqCopyIn:
		e.string(req.Path)
		e.bytes(req.Data)
	case ReqCopyOut:
		e.string(req.Path)
	default:
		return nil, fmt.Errorf("wire: unknown request kind %d", req.Kind)
	}
	return e.bytes_(), e.err
}

func decodeRequest(body []byte) (Request, error) {
	d := newDecoder(body)
	kind := RequestKind(d.byte())
	req := Request{Kind: kind}
	switch kind {
	case ReqExec:
		req.Exec.Argv = d.strings()
		req.Exec.Env = d.strings()
		req.Exec.Cwd = d.string()
		req.Exec.UID = d.uint32()
		req.Exec.GID = d.uint32()
		req.Exec.Stdin = d.bool()
	case ReqPing:
	case ReqSignal:
		req.PID = d.uint32()
		req.Signal = d.uint32()
	case ReqReadFile:
		req.Path = d.string()
	case ReqWriteFile:
		req.Path = d.string()
		req.Data = d.bytesVal()
	case ReqStdin:
		req.StreamID = d.uint32()
		req.Data = d.bytesVal()
	case ReqStdinClose:
		req.StreamID = d.uint32()
	case ReqShutdown:
	case ReqCopyIn:
		req.Path = d.string()
		req.Data = d.bytesVal()
	case ReqCopyOut:
		req.Path = d.string()
	default:
		return Request{}, fmt.Errorf("wire: unknown request tag %d", kind)
	}
	if d.err != nil {
		return Request{}, d.err
	}
	return req, nil
}

// --- Response encoding ---

func (resp Response) encode() ([]byte, error) {
	e := newEncoder()
	e.byte(byte(resp.Kind))
	switch resp.Kind {
	case RespStarted:
		e.uint32(resp.StreamID)
		e.uint32(resp.PID)
	case RespStdout, RespStderr:
		e.uint32(resp.StreamID)
		e.bytes(resp.Data)
	case RespExit:
		e.uint32(resp.StreamID)
		e.int32(resp.Code)
	case RespPong:
	case RespFileData:
		e.bytes(resp.Data)
	case RespChunk:
		e.bytes(resp.Data)
	case RespEndOfStream:
	case RespAck:
		e.string(resp.Message)
	case RespError:
		e.string(resp.Path)
		e.string(resp.Message)
	case RespTarData:
		e.bytes(resp.Data)
	default:
		return nil, fmt.Errorf("wire: unknown response kind %d", resp.Kind)
	}
	return e.bytes_(), e.err
}

func decodeResponse(body []byte) (Response, error) {
	d := newDecoder(body)
	kind := ResponseKind(d.byte())
	resp := Response{Kind: kind}
	switch kind {
	case RespStarted:
		resp.StreamID = d.uint32()
		resp.PID = d.uint32()
	case RespStdout, RespStderr:
		resp.StreamID = d.uint32()
		resp.Data = d.bytesVal()
	case RespExit:
		resp.StreamID = d.uint32()
		resp.Code = d.int32()
	case RespPong:
	case RespFileData:
		resp.Data = d.bytesVal()
	case RespChunk:
		resp.Data = d.bytesVal()
	case RespEndOfStream:
	case RespAck:
		resp.Message = d.string()
	case RespError:
		resp.Path = d.string()
		resp.Message = d.string()
	case RespTarData:
		resp.Data = d.bytesVal()
	default:
		return Response{}, fmt.Errorf("wire: unknown response tag %d", kind)
	}
	if d.err != nil {
		return Response{}, d.err
	}
	return resp, nil
}

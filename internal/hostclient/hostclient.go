// Package hostclient is the host side of the vsock wire protocol: a single
// connection to one guest agent, serializing requests behind a mutex so one
// call is in flight at a time. An Exec call holds the connection until its
// stream's Exit frame arrives.
package hostclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mdlayher/vsock"

	"github.com/banksean/bux/internal/wire"
)

// Client owns one connection to a guest agent. The zero value is not
// valid; use Dial.
type Client struct {
	conn   io.ReadWriteCloser
	r      *bufio.Reader
	mu     sync.Mutex // serializes writes and correlates one in-flight request to its replies

	closeOnce sync.Once
}

// Dial opens a vsock connection to cid's guest agent.
func Dial(cid uint32) (*Client, error) {
	conn, err := vsock.Dial(cid, wire.AgentPort, nil)
	if err != nil {
		return nil, fmt.Errorf("hostclient.dial: %w", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Ping round-trips a liveness check to the guest.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqPing}); err != nil {
		return fmt.Errorf("hostclient.ping: %w", err)
	}
	resp, err := wire.ReadResponse(c.r)
	if err != nil {
		return fmt.Errorf("hostclient.ping: %w", err)
	}
	if resp.Kind != wire.RespPong {
		return fmt.Errorf("hostclient.ping: unexpected response kind %d", resp.Kind)
	}
	return nil
}

// ExecResult is the terminal outcome of an Exec call.
type ExecResult struct {
	PID      uint32
	ExitCode int32
}

// Stream receives stdout/stderr as they arrive during Exec.
type Stream interface {
	Stdout(p []byte)
	Stderr(p []byte)
}

// Exec runs req in the guest, streaming stdout/stderr to out as frames
// arrive and returning once the guest reports the process has exited. When
// stdin is non-nil, req.Stdin must be true; Exec pumps bytes read from it
// to the guest as Stdin frames on the same connection, followed by a
// single StdinClose frame on EOF.
// Exec holds the client's lock for its entire duration: bux runs one
// foreground command per VM at a time, so a single in-flight session never
// contends with another Exec, only with Stop/Kill/ReadFile calls that must
// wait their turn. The stdin pump writes on this same connection while
// holding no separate lock — safe because it only starts after the
// request+Started round trip below, so it never races the initial write.
func (c *Client) Exec(ctx context.Context, req wire.ExecReq, stdin io.Reader, out Stream) (ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqExec, Exec: req}); err != nil {
		return ExecResult{}, fmt.Errorf("hostclient.exec: %w", err)
	}

	started, err := wire.ReadResponse(c.r)
	if err != nil {
		return ExecResult{}, fmt.Errorf("hostclient.exec: %w", err)
	}
	if started.Kind == wire.RespError {
		return ExecResult{}, fmt.Errorf("hostclient.exec: guest error: %s", started.Message)
	}
	if started.Kind != wire.RespStarted {
		return ExecResult{}, fmt.Errorf("hostclient.exec: unexpected response kind %d", started.Kind)
	}
	streamID := started.StreamID

	if stdin != nil {
		go c.pumpStdin(stdin, streamID)
	}

	for {
		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		default:
		}

		resp, err := wire.ReadResponse(c.r)
		if err != nil {
			return ExecResult{}, fmt.Errorf("hostclient.exec: %w", err)
		}
		switch resp.Kind {
		case wire.RespStdout:
			if resp.StreamID == streamID && out != nil {
				out.Stdout(resp.Data)
			}
		case wire.RespStderr:
			if resp.StreamID == streamID && out != nil {
				out.Stderr(resp.Data)
			}
		case wire.RespExit:
			if resp.StreamID == streamID {
				return ExecResult{PID: started.PID, ExitCode: resp.Code}, nil
			}
		case wire.RespError:
			return ExecResult{}, fmt.Errorf("hostclient.exec: guest error: %s", resp.Message)
		}
	}
}

// pumpStdin reads from r until EOF or error, forwarding each chunk as a
// Stdin frame on streamID, then sends one StdinClose frame. It writes
// directly on c.conn without acquiring c.mu: Exec only starts this
// goroutine after its own request+Started round trip, so writes never
// interleave with another caller's request frame.
func (c *Client) pumpStdin(r io.Reader, streamID uint32) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqStdin, StreamID: streamID, Data: chunk}); werr != nil {
				return
			}
		}
		if err != nil {
			_ = wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqStdinClose, StreamID: streamID})
			return
		}
	}
}

// Signal asks the guest to deliver sig to pid.
func (c *Client) Signal(ctx context.Context, pid uint32, sig uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqSignal, PID: pid, Signal: sig}); err != nil {
		return fmt.Errorf("hostclient.signal: %w", err)
	}
	resp, err := wire.ReadResponse(c.r)
	if err != nil {
		return fmt.Errorf("hostclient.signal: %w", err)
	}
	if resp.Kind == wire.RespError {
		return fmt.Errorf("hostclient.signal: guest error: %s", resp.Message)
	}
	return nil
}

// ReadFile retrieves a file's content from the guest. Large files arrive as
// a Chunk/EndOfStream sequence; small ones as a single FileData frame.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqReadFile, Path: path}); err != nil {
		return nil, fmt.Errorf("hostclient.read_file: %w", err)
	}

	var buf []byte
	for {
		resp, err := wire.ReadResponse(c.r)
		if err != nil {
			return nil, fmt.Errorf("hostclient.read_file: %w", err)
		}
		switch resp.Kind {
		case wire.RespFileData:
			return resp.Data, nil
		case wire.RespChunk:
			buf = append(buf, resp.Data...)
		case wire.RespEndOfStream:
			return buf, nil
		case wire.RespError:
			return nil, fmt.Errorf("hostclient.read_file: guest error: %s", resp.Message)
		default:
			return nil, fmt.Errorf("hostclient.read_file: unexpected response kind %d", resp.Kind)
		}
	}
}

// WriteFile writes data to path inside the guest in a single frame, so
// data must stay under wire.MaxFrameSize.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqWriteFile, Path: path, Data: data}); err != nil {
		return fmt.Errorf("hostclient.write_file: %w", err)
	}
	return c.expectAck("hostclient.write_file")
}

func (c *Client) expectAck(op string) error {
	resp, err := wire.ReadResponse(c.r)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.Kind == wire.RespError {
		return fmt.Errorf("%s: guest error: %s", op, resp.Message)
	}
	if resp.Kind != wire.RespAck {
		return fmt.Errorf("%s: unexpected response kind %d", op, resp.Kind)
	}
	return nil
}

// CopyIn sends a tar stream to be unpacked under dest inside the guest.
func (c *Client) CopyIn(ctx context.Context, dest string, tarData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqCopyIn, Path: dest, Data: tarData}); err != nil {
		return fmt.Errorf("hostclient.copy_in: %w", err)
	}
	return c.expectAck("hostclient.copy_in")
}

// CopyOut retrieves path (file or directory) from the guest as a tar
// stream.
func (c *Client) CopyOut(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqCopyOut, Path: path}); err != nil {
		return nil, fmt.Errorf("hostclient.copy_out: %w", err)
	}
	resp, err := wire.ReadResponse(c.r)
	if err != nil {
		return nil, fmt.Errorf("hostclient.copy_out: %w", err)
	}
	if resp.Kind == wire.RespError {
		return nil, fmt.Errorf("hostclient.copy_out: guest error: %s", resp.Message)
	}
	if resp.Kind != wire.RespTarData {
		return nil, fmt.Errorf("hostclient.copy_out: unexpected response kind %d", resp.Kind)
	}
	return resp.Data, nil
}

// Shutdown asks the guest agent to exit cleanly, normally issued right
// before the host tears down the VM.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, wire.Request{Kind: wire.ReqShutdown}); err != nil {
		return fmt.Errorf("hostclient.shutdown: %w", err)
	}
	return nil
}

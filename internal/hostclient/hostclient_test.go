package hostclient

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/banksean/bux/internal/wire"
)

// newTestClient wires a Client to one end of an in-memory pipe and hands
// the caller the other end to play the guest agent.
func newTestClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return &Client{conn: client, r: bufio.NewReader(client)}, server
}

type recordingStream struct {
	stdout, stderr []byte
}

func (s *recordingStream) Stdout(p []byte) { s.stdout = append(s.stdout, p...) }
func (s *recordingStream) Stderr(p []byte) { s.stderr = append(s.stderr, p...) }

func TestPing(t *testing.T) {
	c, server := newTestClient(t)
	sr := bufio.NewReader(server)

	done := make(chan error, 1)
	go func() { done <- c.Ping(context.Background()) }()

	req, err := wire.ReadRequest(sr)
	if err != nil {
		t.Fatalf("server ReadRequest: %v", err)
	}
	if req.Kind != wire.ReqPing {
		t.Fatalf("got request kind %d, want ReqPing", req.Kind)
	}
	if err := wire.WriteFrame(server, wire.Response{Kind: wire.RespPong}); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestExecStreamsOutputInOrder(t *testing.T) {
	c, server := newTestClient(t)
	sr := bufio.NewReader(server)

	type result struct {
		res ExecResult
		err error
	}
	done := make(chan result, 1)
	out := &recordingStream{}
	go func() {
		res, err := c.Exec(context.Background(), wire.ExecReq{Argv: []string{"/bin/true"}}, nil, out)
		done <- result{res, err}
	}()

	req, err := wire.ReadRequest(sr)
	if err != nil {
		t.Fatalf("server ReadRequest: %v", err)
	}
	if req.Kind != wire.ReqExec {
		t.Fatalf("got request kind %d, want ReqExec", req.Kind)
	}

	const streamID = 5
	frames := []wire.Response{
		{Kind: wire.RespStarted, StreamID: streamID, PID: 1234},
		{Kind: wire.RespStdout, StreamID: streamID, Data: []byte("hello ")},
		{Kind: wire.RespStdout, StreamID: streamID, Data: []byte("world\n")},
		{Kind: wire.RespStderr, StreamID: streamID, Data: []byte("warn\n")},
		{Kind: wire.RespExit, StreamID: streamID, Code: 0},
	}
	for _, f := range frames {
		if err := wire.WriteFrame(server, f); err != nil {
			t.Fatalf("server WriteFrame: %v", err)
		}
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("Exec: %v", r.err)
	}
	if r.res.PID != 1234 || r.res.ExitCode != 0 {
		t.Fatalf("got %+v, want PID=1234 ExitCode=0", r.res)
	}
	if string(out.stdout) != "hello world\n" {
		t.Fatalf("stdout = %q, want %q", out.stdout, "hello world\n")
	}
	if string(out.stderr) != "warn\n" {
		t.Fatalf("stderr = %q, want %q", out.stderr, "warn\n")
	}
}

func TestExecSurfacesGuestError(t *testing.T) {
	c, server := newTestClient(t)
	sr := bufio.NewReader(server)

	done := make(chan error, 1)
	go func() {
		_, err := c.Exec(context.Background(), wire.ExecReq{Argv: []string{"/bin/nope"}}, nil, nil)
		done <- err
	}()

	if _, err := wire.ReadRequest(sr); err != nil {
		t.Fatalf("server ReadRequest: %v", err)
	}
	if err := wire.WriteFrame(server, wire.Response{Kind: wire.RespError, Message: "exec: no such file"}); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}

	err := <-done
	if err == nil {
		t.Fatal("Exec succeeded, want the guest error surfaced")
	}
}

func TestReadFileSingleFrame(t *testing.T) {
	c, server := newTestClient(t)
	sr := bufio.NewReader(server)

	done := make(chan struct {
		data []byte
		err  error
	}, 1)
	go func() {
		data, err := c.ReadFile(context.Background(), "/etc/hostname")
		done <- struct {
			data []byte
			err  error
		}{data, err}
	}()

	req, err := wire.ReadRequest(sr)
	if err != nil {
		t.Fatalf("server ReadRequest: %v", err)
	}
	if req.Kind != wire.ReqReadFile || req.Path != "/etc/hostname" {
		t.Fatalf("got %+v, want ReqReadFile for /etc/hostname", req)
	}
	if err := wire.WriteFrame(server, wire.Response{Kind: wire.RespFileData, Data: []byte("sandbox\n")}); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("ReadFile: %v", r.err)
	}
	if string(r.data) != "sandbox\n" {
		t.Fatalf("data = %q, want %q", r.data, "sandbox\n")
	}
}

func TestReadFileChunkedSequence(t *testing.T) {
	c, server := newTestClient(t)
	sr := bufio.NewReader(server)

	done := make(chan struct {
		data []byte
		err  error
	}, 1)
	go func() {
		data, err := c.ReadFile(context.Background(), "/big")
		done <- struct {
			data []byte
			err  error
		}{data, err}
	}()

	if _, err := wire.ReadRequest(sr); err != nil {
		t.Fatalf("server ReadRequest: %v", err)
	}
	for _, part := range []string{"chunk-1-", "chunk-2-", "chunk-3"} {
		if err := wire.WriteFrame(server, wire.Response{Kind: wire.RespChunk, Data: []byte(part)}); err != nil {
			t.Fatalf("server WriteFrame: %v", err)
		}
	}
	if err := wire.WriteFrame(server, wire.Response{Kind: wire.RespEndOfStream}); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("ReadFile: %v", r.err)
	}
	if string(r.data) != "chunk-1-chunk-2-chunk-3" {
		t.Fatalf("data = %q, want reassembled chunks", r.data)
	}
}

func TestWriteFileSendsOneFrame(t *testing.T) {
	c, server := newTestClient(t)
	sr := bufio.NewReader(server)

	done := make(chan error, 1)
	go func() { done <- c.WriteFile(context.Background(), "/tmp/out", []byte("payload")) }()

	req, err := wire.ReadRequest(sr)
	if err != nil {
		t.Fatalf("server ReadRequest: %v", err)
	}
	if req.Kind != wire.ReqWriteFile || req.Path != "/tmp/out" || string(req.Data) != "payload" {
		t.Fatalf("got %+v, want a single ReqWriteFile with the full payload", req)
	}
	if err := wire.WriteFrame(server, wire.Response{Kind: wire.RespAck}); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestSignalSendsPIDAndSignal(t *testing.T) {
	c, server := newTestClient(t)
	sr := bufio.NewReader(server)

	done := make(chan error, 1)
	go func() { done <- c.Signal(context.Background(), 99, 15) }()

	req, err := wire.ReadRequest(sr)
	if err != nil {
		t.Fatalf("server ReadRequest: %v", err)
	}
	if req.Kind != wire.ReqSignal || req.PID != 99 || req.Signal != 15 {
		t.Fatalf("got %+v, want ReqSignal{PID:99, Signal:15}", req)
	}
	if err := wire.WriteFrame(server, wire.Response{Kind: wire.RespAck}); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Signal: %v", err)
	}
}

func TestShutdownDoesNotWaitForAReply(t *testing.T) {
	c, server := newTestClient(t)
	sr := bufio.NewReader(server)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Shutdown(context.Background()) }()

	req, err := wire.ReadRequest(sr)
	if err != nil {
		t.Fatalf("server ReadRequest: %v", err)
	}
	if req.Kind != wire.ReqShutdown {
		t.Fatalf("got request kind %d, want ReqShutdown", req.Kind)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked waiting for a response it never expects")
	}
}

//go:build linux

package guestagent

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/banksean/bux/internal/wire"
)

func newTestSession(t *testing.T) (net.Conn, *bufio.Reader, func()) {
	t.Helper()
	client, server := net.Pipe()
	a := New(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.serve(ctx, server)
		close(done)
	}()

	return client, bufio.NewReader(client), func() {
		cancel()
		client.Close()
		<-done
	}
}

func TestServePing(t *testing.T) {
	client, r, stop := newTestSession(t)
	defer stop()

	if err := wire.WriteFrame(client, wire.Request{Kind: wire.ReqPing}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	resp, err := wire.ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Kind != wire.RespPong {
		t.Fatalf("got %+v, want RespPong", resp)
	}
}

func TestServeExecOrdersStartedBeforeExit(t *testing.T) {
	client, r, stop := newTestSession(t)
	defer stop()

	req := wire.Request{Kind: wire.ReqExec, Exec: wire.ExecReq{Argv: []string{"/bin/echo", "hi"}}}
	if err := wire.WriteFrame(client, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	started, err := wire.ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse (started): %v", err)
	}
	if started.Kind != wire.RespStarted {
		t.Fatalf("got %+v, want RespStarted first", started)
	}

	var sawStdout bool
	for {
		resp, err := wire.ReadResponse(r)
		if err != nil {
			t.Fatalf("ReadResponse: %v", err)
		}
		switch resp.Kind {
		case wire.RespStdout:
			sawStdout = true
		case wire.RespExit:
			if resp.StreamID != started.StreamID {
				t.Fatalf("exit stream id %d != started stream id %d", resp.StreamID, started.StreamID)
			}
			if resp.Code != 0 {
				t.Fatalf("exit code = %d, want 0", resp.Code)
			}
			if !sawStdout {
				t.Fatal("never saw a stdout frame before exit")
			}
			return
		default:
			t.Fatalf("unexpected response kind %d", resp.Kind)
		}
	}
}

func TestServeExecEmptyArgvErrors(t *testing.T) {
	client, r, stop := newTestSession(t)
	defer stop()

	if err := wire.WriteFrame(client, wire.Request{Kind: wire.ReqExec, Exec: wire.ExecReq{}}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	resp, err := wire.ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Kind != wire.RespError {
		t.Fatalf("got %+v, want RespError for empty argv", resp)
	}
}

func TestServeReadFileSmall(t *testing.T) {
	client, r, stop := newTestSession(t)
	defer stop()

	path := filepath.Join(t.TempDir(), "small.txt")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := wire.WriteFrame(client, wire.Request{Kind: wire.ReqReadFile, Path: path}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	resp, err := wire.ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Kind != wire.RespFileData || string(resp.Data) != "hello\n" {
		t.Fatalf("got %+v, want RespFileData(\"hello\\n\")", resp)
	}
}

func TestServeReadFileMissing(t *testing.T) {
	client, r, stop := newTestSession(t)
	defer stop()

	path := filepath.Join(t.TempDir(), "missing.txt")
	if err := wire.WriteFrame(client, wire.Request{Kind: wire.ReqReadFile, Path: path}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	resp, err := wire.ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Kind != wire.RespError {
		t.Fatalf("got %+v, want RespError for a missing file", resp)
	}
}

func TestServeWriteFile(t *testing.T) {
	client, r, stop := newTestSession(t)
	defer stop()

	path := filepath.Join(t.TempDir(), "out.txt")
	req := wire.Request{Kind: wire.ReqWriteFile, Path: path, Data: []byte("written")}
	if err := wire.WriteFrame(client, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	resp, err := wire.ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Kind != wire.RespAck {
		t.Fatalf("got %+v, want RespAck", resp)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "written" {
		t.Fatalf("file content = %q, want %q", data, "written")
	}
}

func TestServeShutdownEndsSession(t *testing.T) {
	client, _, stop := newTestSession(t)
	defer stop()

	if err := wire.WriteFrame(client, wire.Request{Kind: wire.ReqShutdown}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("connection still open after ReqShutdown, want the server to have closed it")
	}
}

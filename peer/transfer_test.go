package peer

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"meshshare/pkg/protocol"
)

func writeSharedFile(t *testing.T, a *Agent, username, filename string, data []byte) string {
	t.Helper()
	dir := filepath.Join(a.cfg.SharedRoot, username)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func transferPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestFetch_EndToEnd(t *testing.T) {
	c := startCoordinator(t, "alice s1\nbob s2\n", 3*time.Second)

	bob := startAgent(t, testPeerConfig(t, c.Addr()))
	if err := bob.Login("bob", "s2"); err != nil {
		t.Fatal(err)
	}
	// 2500 bytes spans two full chunks and a partial third.
	payload := transferPayload(2500)
	writeSharedFile(t, bob, "bob", "data.bin", payload)
	if reply, err := bob.Share("data.bin"); err != nil || reply != "File shared successfully" {
		t.Fatalf("Share = %q, %v", reply, err)
	}

	alice := startAgent(t, testPeerConfig(t, c.Addr()))
	if err := alice.Login("alice", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Fetch("data.bin"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(alice.cfg.SharedRoot, "alice", "data.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("fetched file differs from the original: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestFetch_NotFound(t *testing.T) {
	c := startCoordinator(t, "alice s1\n", 3*time.Second)
	a := startAgent(t, testPeerConfig(t, c.Addr()))
	if err := a.Login("alice", "s1"); err != nil {
		t.Fatal(err)
	}

	err := a.Fetch("nobody-shares-this.bin")
	if err == nil {
		t.Fatal("expected fetch of an unindexed file to fail")
	}
	if !strings.Contains(err.Error(), "file not found") {
		t.Errorf("error = %q, want a not-found failure", err)
	}
}

type countingWriter struct {
	writes int
	total  int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	w.total += int64(len(p))
	return len(p), nil
}

func TestCopyChunks(t *testing.T) {
	var sink countingWriter
	total, err := copyChunks(&sink, bytes.NewReader(transferPayload(2500)))
	if err != nil {
		t.Fatal(err)
	}
	if total != 2500 || sink.total != 2500 {
		t.Errorf("copied %d bytes (sink saw %d), want 2500", total, sink.total)
	}
	if sink.writes != 3 {
		t.Errorf("got %d writes, want 3 chunks of at most %d bytes", sink.writes, protocol.ChunkSize)
	}
}

func TestCopyChunks_Empty(t *testing.T) {
	var sink countingWriter
	total, err := copyChunks(&sink, bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || sink.writes != 0 {
		t.Errorf("empty source produced total=%d writes=%d", total, sink.writes)
	}
}

// fakeSharer runs one scripted transfer serving session and reports its
// listen port.
func fakeSharer(t *testing.T, serve func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func offlineAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := testPeerConfig(t, "127.0.0.1:9")
	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Stop)
	return a
}

func readRequest(conn net.Conn) (protocol.TransferRequest, error) {
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return protocol.TransferRequest{}, err
	}
	var req protocol.TransferRequest
	err = json.Unmarshal(buf[:n], &req)
	return req, err
}

func TestFetchFrom_TruncatedTransfer(t *testing.T) {
	a := offlineAgent(t)

	port := fakeSharer(t, func(conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		conn.Write([]byte("5000"))
		ack := make([]byte, len(protocol.AckToken))
		if _, err := io.ReadFull(conn, ack); err != nil {
			return
		}
		// Far fewer bytes than declared, then close.
		conn.Write(transferPayload(1000))
	})

	err := a.fetchFrom(protocol.FetchReply{
		Username: "fake",
		Address:  "127.0.0.1",
		Port:     port,
	}, "alice", "short.bin")
	if err == nil {
		t.Fatal("expected a truncation failure")
	}
	if !strings.Contains(err.Error(), "truncated") {
		t.Errorf("error = %q, want truncation to be named", err)
	}
}

func TestFetchFrom_BadSizeToken(t *testing.T) {
	a := offlineAgent(t)

	port := fakeSharer(t, func(conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		conn.Write([]byte("not-a-number"))
	})

	err := a.fetchFrom(protocol.FetchReply{
		Username: "fake",
		Address:  "127.0.0.1",
		Port:     port,
	}, "alice", "junk.bin")
	if err == nil {
		t.Fatal("expected a size token failure")
	}
	if !strings.Contains(err.Error(), "unparsable size token") {
		t.Errorf("error = %q", err)
	}
}

func TestFetchFrom_RefusedBeforeSize(t *testing.T) {
	a := offlineAgent(t)

	// The sharer reads the request and closes without a size token, the
	// way the handler refuses an unknown file.
	port := fakeSharer(t, func(conn net.Conn) {
		readRequest(conn)
	})

	err := a.fetchFrom(protocol.FetchReply{
		Username: "fake",
		Address:  "127.0.0.1",
		Port:     port,
	}, "alice", "refused.bin")
	if err == nil {
		t.Fatal("expected a refusal failure")
	}
	if !strings.Contains(err.Error(), "refused the transfer") {
		t.Errorf("error = %q", err)
	}
}

func dialTransfer(t *testing.T, a *Agent) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(a.TransferPort())))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectClosedWithoutPayload(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Fatalf("got %d unexpected payload bytes %q", n, buf[:n])
	}
	if err != io.EOF {
		t.Fatalf("read error = %v, want EOF from a closed connection", err)
	}
}

func TestHandleTransfer_MissingFile(t *testing.T) {
	c := startCoordinator(t, "alice s1\n", 3*time.Second)
	a := startAgent(t, testPeerConfig(t, c.Addr()))
	if err := a.Login("alice", "s1"); err != nil {
		t.Fatal(err)
	}

	conn := dialTransfer(t, a)
	req, _ := json.Marshal(protocol.TransferRequest{Username: "bob", Filename: "ghost.bin"})
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}
	expectClosedWithoutPayload(t, conn)
}

func TestHandleTransfer_Unauthenticated(t *testing.T) {
	a := offlineAgent(t)
	a.Start()

	conn := dialTransfer(t, a)
	req, _ := json.Marshal(protocol.TransferRequest{Username: "bob", Filename: "any.bin"})
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}
	expectClosedWithoutPayload(t, conn)
}

func TestHandleTransfer_StalledRequester(t *testing.T) {
	a := offlineAgent(t)
	a.Start()

	// Send nothing. The handler's initial read deadline must close
	// the connection rather than hold it open.
	conn := dialTransfer(t, a)
	expectClosedWithoutPayload(t, conn)
}

func TestHandleTransfer_BadAck(t *testing.T) {
	c := startCoordinator(t, "alice s1\n", 3*time.Second)
	a := startAgent(t, testPeerConfig(t, c.Addr()))
	if err := a.Login("alice", "s1"); err != nil {
		t.Fatal(err)
	}
	writeSharedFile(t, a, "alice", "real.bin", transferPayload(100))

	conn := dialTransfer(t, a)
	req, _ := json.Marshal(protocol.TransferRequest{Username: "bob", Filename: "real.bin"})
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "100" {
		t.Fatalf("size token = %q, want 100", buf[:n])
	}

	if _, err := conn.Write([]byte("NAK")); err != nil {
		t.Fatal(err)
	}
	expectClosedWithoutPayload(t, conn)
}

func TestRateLimitedWriter_ShapesThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("timing sensitive")
	}

	var sink bytes.Buffer
	w := newRateLimitedWriter(&sink, 4096)

	start := time.Now()
	chunk := make([]byte, protocol.ChunkSize)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	if sink.Len() != 3*protocol.ChunkSize {
		t.Errorf("sink got %d bytes, want %d", sink.Len(), 3*protocol.ChunkSize)
	}
	// Burst covers the first chunk; the next two each wait out a refill
	// at 4 KiB/s.
	if elapsed < 400*time.Millisecond {
		t.Errorf("three chunk writes finished in %v, limiter did not shape", elapsed)
	}
}

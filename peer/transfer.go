package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"meshshare/pkg/logger"
	"meshshare/pkg/monitor"
	"meshshare/pkg/protocol"
)

// acceptLoop accepts inbound transfer connections and hands each one to an
// independent handler goroutine. It never blocks on handler completion.
func (a *Agent) acceptLoop() {
	defer a.wg.Done()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[PeerAgent] accept error: %v", err)
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleTransfer(conn)
		}()
	}
}

// handleTransfer serves one inbound transfer request. The initial read is
// bounded so a stalled peer cannot pin the handler forever. The listener
// always serves the directory of whichever user is authenticated on this
// agent right now; if nobody is, or the file is absent, the connection is
// closed with no payload.
func (a *Agent) handleTransfer(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.HandlerReadTimeout)); err != nil {
		return
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		logger.Sugar.Warnf("[PeerAgent] transfer request read failed: remote=%s err=%v", conn.RemoteAddr(), err)
		return
	}

	var req protocol.TransferRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		logger.Sugar.Warnf("[PeerAgent] malformed transfer request: remote=%s err=%v", conn.RemoteAddr(), err)
		return
	}

	username, ok := a.state.current()
	if !ok {
		logger.Sugar.Warnf("[PeerAgent] transfer request while unauthenticated: remote=%s", conn.RemoteAddr())
		return
	}

	path := filepath.Join(a.sharedDir(username), filepath.Base(req.Filename))
	info, err := os.Stat(path)
	if err != nil {
		logger.Sugar.Warnf("[PeerAgent] requested file not found: file=%s requester=%s", req.Filename, req.Username)
		return
	}

	logger.Sugar.Infof("[PeerAgent] serving transfer: file=%s size=%d requester=%s", req.Filename, info.Size(), req.Username)

	// Size token, then wait for the requester's acknowledgment before any
	// file bytes go out.
	if _, err := conn.Write([]byte(strconv.FormatInt(info.Size(), 10))); err != nil {
		logger.Sugar.Errorf("[PeerAgent] size token write failed: %v", err)
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.HandlerReadTimeout)); err != nil {
		return
	}
	ack := make([]byte, len(protocol.AckToken))
	if _, err := io.ReadFull(conn, ack); err != nil {
		logger.Sugar.Warnf("[PeerAgent] ack read failed: requester=%s err=%v", req.Username, err)
		return
	}
	if !bytes.Equal(ack, protocol.AckToken) {
		logger.Sugar.Warnf("[PeerAgent] unexpected ack token %q from %s", ack, req.Username)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		logger.Sugar.Errorf("[PeerAgent] open failed: file=%s err=%v", path, err)
		return
	}
	defer file.Close()

	var dst io.Writer = conn
	if a.cfg.UploadRate > 0 {
		dst = newRateLimitedWriter(conn, a.cfg.UploadRate)
	}

	sent, err := copyChunks(dst, file)
	if err != nil {
		logger.Sugar.Errorf("[PeerAgent] transfer aborted: file=%s requester=%s sent=%d err=%v", req.Filename, req.Username, sent, err)
		return
	}

	monitor.RecordUpload(sent)
	logger.Sugar.Infof("[PeerAgent] transfer complete: file=%s bytes=%d requester=%s", req.Filename, sent, req.Username)
}

// fetchFrom downloads one file from the sharer the coordinator named.
func (a *Agent) fetchFrom(target protocol.FetchReply, username, filename string) error {
	addr := net.JoinHostPort(target.Address, strconv.Itoa(target.Port))
	conn, err := net.DialTimeout("tcp", addr, a.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect to peer %s: %w", addr, err)
	}
	defer conn.Close()

	request, err := json.Marshal(protocol.TransferRequest{
		Username: username,
		Filename: filename,
	})
	if err != nil {
		return err
	}
	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("send transfer request: %w", err)
	}

	// Size token. An immediate close means the sharer does not have the
	// file after all.
	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ConnectTimeout)); err != nil {
		return err
	}
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("peer %s refused the transfer: %w", target.Username, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(buf[:n])), 10, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("unparsable size token %q from peer %s", buf[:n], target.Username)
	}

	if _, err := conn.Write(protocol.AckToken); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}

	destPath := filepath.Join(a.sharedDir(username), filepath.Base(filename))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	file, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer file.Close()

	progress := NewProgress(filename, size)
	chunk := make([]byte, protocol.ChunkSize)
	var received int64
	for received < size {
		if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ConnectTimeout)); err != nil {
			return err
		}
		want := int64(len(chunk))
		if remaining := size - received; remaining < want {
			want = remaining
		}
		n, err := conn.Read(chunk[:want])
		if n > 0 {
			if _, werr := file.Write(chunk[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", destPath, werr)
			}
			received += int64(n)
			progress.Add(int64(n))
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read from peer %s: %w", target.Username, err)
		}
	}

	if received < size {
		return fmt.Errorf("truncated transfer of %s: got %d of %d bytes", filename, received, size)
	}

	monitor.RecordDownload(received)
	logger.Sugar.Infof("[PeerAgent] %s", progress.Summary())
	return nil
}

// copyChunks streams src to dst in fixed-size chunks until EOF, returning
// the byte count.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, protocol.ChunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// rateLimitedWriter shapes upload throughput with a token bucket, so one
// greedy transfer cannot saturate the uplink.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
}

func newRateLimitedWriter(w io.Writer, bytesPerSecond int64) io.Writer {
	// Burst of one chunk keeps the shaping granular without stalling
	// full-chunk writes.
	limiter := rate.NewLimiter(rate.Limit(bytesPerSecond), protocol.ChunkSize)
	return &rateLimitedWriter{w: w, limiter: limiter}
}

func (r *rateLimitedWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if n <= 0 {
		return n, err
	}
	if waitErr := r.limiter.WaitN(context.Background(), n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}

// Package peer implements the dual-role peer agent: client to the
// coordinator over the UDP control channel, and server to other peers over
// the TCP transfer channel. The heartbeat loop, the inbound acceptor and
// the per-connection transfer handlers all run concurrently under one
// supervised lifecycle.
package peer

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshshare/pkg/config"
	"meshshare/pkg/logger"
	"meshshare/pkg/protocol"
	"meshshare/pkg/transport/udp"
)

// authState is the synchronized view of who is authenticated on this
// agent. The command path writes it; the heartbeat loop and the transfer
// handlers read it. Keeping it behind a lock is what makes those reads
// race-free.
type authState struct {
	mu            sync.RWMutex
	username      string
	authenticated bool
}

func (a *authState) set(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.username = username
	a.authenticated = true
}

func (a *authState) clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.username = ""
	a.authenticated = false
}

func (a *authState) current() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.username, a.authenticated
}

// Agent is one peer process: a control client, a transfer listener, and the
// background units serving both. All goroutines are joined by Stop.
type Agent struct {
	cfg          config.PeerConfig
	control      *udp.Client
	state        authState
	listener     net.Listener
	transferPort int

	quitCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	hbMu   sync.Mutex
	hbStop chan struct{}
}

// NewAgent connects the control socket and binds the transfer listener on
// an ephemeral port; the port is advertised to the coordinator during
// Login.
func NewAgent(cfg config.PeerConfig) (*Agent, error) {
	control, err := udp.NewClient(cfg.Coordinator, cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("control channel: %w", err)
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("transfer listener: %w", err)
	}

	a := &Agent{
		cfg:          cfg,
		control:      control,
		listener:     listener,
		transferPort: listener.Addr().(*net.TCPAddr).Port,
		quitCh:       make(chan struct{}),
	}

	logger.Sugar.Infof("[PeerAgent] initialized: coordinator=%s transferPort=%d", cfg.Coordinator, a.transferPort)
	return a, nil
}

// Start launches the inbound acceptor. The heartbeat loop starts on
// successful Login.
func (a *Agent) Start() {
	a.wg.Add(1)
	go a.acceptLoop()
}

// TransferPort returns the TCP port the agent serves transfers on.
func (a *Agent) TransferPort() int {
	return a.transferPort
}

// Username returns the currently authenticated username, if any.
func (a *Agent) Username() (string, bool) {
	return a.state.current()
}

// Login authenticates against the coordinator. On success it marks the
// agent authenticated, creates the user's shared directory lazily, and
// starts the heartbeat loop.
func (a *Agent) Login(username, password string) error {
	if current, ok := a.state.current(); ok {
		return fmt.Errorf("already authenticated as %s", current)
	}

	reply, err := a.roundTrip(protocol.ControlMessage{
		Type:         protocol.TypeAuth,
		Username:     username,
		Password:     password,
		TransferPort: a.transferPort,
	})
	if err != nil {
		return fmt.Errorf("authentication: %w", err)
	}
	if reply != protocol.ReplyAuthOK {
		return fmt.Errorf("authentication rejected: %s", reply)
	}

	a.state.set(username)
	if err := os.MkdirAll(a.sharedDir(username), 0755); err != nil {
		logger.Sugar.Errorf("[PeerAgent] failed to create shared directory: user=%s err=%v", username, err)
	}

	a.hbMu.Lock()
	a.hbStop = make(chan struct{})
	a.wg.Add(1)
	go a.heartbeatLoop(username, a.hbStop)
	a.hbMu.Unlock()

	logger.Sugar.Infof("[PeerAgent] authenticated: user=%s", username)
	return nil
}

// Logout ends the session locally: clears the auth state and stops the
// heartbeat loop, which lets the coordinator's sweep evict the session.
func (a *Agent) Logout() {
	a.state.clear()
	a.hbMu.Lock()
	if a.hbStop != nil {
		close(a.hbStop)
		a.hbStop = nil
	}
	a.hbMu.Unlock()
}

// heartbeatLoop announces presence at a fixed interval for as long as the
// session lasts. Heartbeats are fire-and-forget; a lost one just ages the
// session a little.
func (a *Agent) heartbeatLoop(username string, stop <-chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.quitCh:
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, ok := a.state.current(); !ok {
				return
			}
			payload, err := protocol.EncodeControl(protocol.ControlMessage{
				Type:     protocol.TypeHeartbeat,
				Username: username,
			})
			if err != nil {
				continue
			}
			if err := a.control.Send(payload); err != nil {
				logger.Sugar.Warnf("[PeerAgent] heartbeat send failed: %v", err)
			}
		}
	}
}

// ListPeers asks the coordinator for the other live peers.
func (a *Agent) ListPeers() (string, error) {
	username, ok := a.state.current()
	if !ok {
		return "", fmt.Errorf("not authenticated")
	}
	return a.roundTrip(protocol.ControlMessage{Type: protocol.TypeListPeers, Username: username})
}

// ListFiles asks the coordinator for the files this user shares.
func (a *Agent) ListFiles() (string, error) {
	username, ok := a.state.current()
	if !ok {
		return "", fmt.Errorf("not authenticated")
	}
	return a.roundTrip(protocol.ControlMessage{Type: protocol.TypeListFiles, Username: username})
}

// Share advertises a file from the user's shared directory. The file must
// exist locally before the index learns about it.
func (a *Agent) Share(filename string) (string, error) {
	username, ok := a.state.current()
	if !ok {
		return "", fmt.Errorf("not authenticated")
	}
	path := filepath.Join(a.sharedDir(username), filepath.Base(filename))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("file not found: %s", path)
	}
	return a.roundTrip(protocol.ControlMessage{
		Type:     protocol.TypeShare,
		Username: username,
		Filename: filepath.Base(filename),
	})
}

// Find searches the index for filenames containing pattern.
func (a *Agent) Find(pattern string) (string, error) {
	username, ok := a.state.current()
	if !ok {
		return "", fmt.Errorf("not authenticated")
	}
	return a.roundTrip(protocol.ControlMessage{
		Type:     protocol.TypeSearch,
		Username: username,
		Filename: pattern,
	})
}

// Remove withdraws a file from sharing.
func (a *Agent) Remove(filename string) (string, error) {
	username, ok := a.state.current()
	if !ok {
		return "", fmt.Errorf("not authenticated")
	}
	return a.roundTrip(protocol.ControlMessage{
		Type:     protocol.TypeRemove,
		Username: username,
		Filename: filename,
	})
}

// Fetch resolves a filename through the coordinator and downloads it
// directly from the sharer it names. The downloaded file lands in the
// user's shared directory under the original filename.
func (a *Agent) Fetch(filename string) error {
	username, ok := a.state.current()
	if !ok {
		return fmt.Errorf("not authenticated")
	}

	reply, err := a.roundTrip(protocol.ControlMessage{
		Type:     protocol.TypeFetch,
		Username: username,
		Filename: filename,
	})
	if err != nil {
		return fmt.Errorf("fetch negotiation: %w", err)
	}
	if reply == protocol.ReplyNotFound {
		return fmt.Errorf("file not found: %s", filename)
	}

	var target protocol.FetchReply
	if err := json.Unmarshal([]byte(reply), &target); err != nil {
		return fmt.Errorf("unexpected fetch reply %q: %w", reply, err)
	}

	return a.fetchFrom(target, username, filename)
}

// roundTrip encodes one control request and returns the reply text. A lost
// request or reply surfaces as the client's deadline expiring.
func (a *Agent) roundTrip(msg protocol.ControlMessage) (string, error) {
	payload, err := protocol.EncodeControl(msg)
	if err != nil {
		return "", err
	}
	reply, err := a.control.RoundTrip(payload)
	if err != nil {
		return "", fmt.Errorf("coordinator did not respond: %w", err)
	}
	return string(reply), nil
}

func (a *Agent) sharedDir(username string) string {
	return filepath.Join(a.cfg.SharedRoot, username)
}

// Stop shuts down every background unit and joins them: heartbeat loop,
// acceptor, and any in-flight transfer handlers.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		logger.Sugar.Info("[PeerAgent] stopping")
		a.Logout()
		close(a.quitCh)
		a.listener.Close()
		a.control.Close()
	})
	a.wg.Wait()
}

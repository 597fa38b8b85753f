// Package coordinator implements the central coordination authority of the
// mesh: it authenticates peers, tracks their presence through heartbeats,
// and resolves search and fetch requests against the file index. All
// control traffic is JSON over UDP, handled strictly one datagram at a
// time.
package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"meshshare/pkg/config"
	"meshshare/pkg/credentials"
	"meshshare/pkg/discovery"
	"meshshare/pkg/logger"
	"meshshare/pkg/protocol"
	"meshshare/pkg/transport/udp"
)

type Coordinator struct {
	cfg        config.CoordinatorConfig
	registry   *Registry
	endpoint   *udp.Endpoint
	metrics    *Metrics
	advertiser *discovery.Advertiser
	quitCh     chan struct{}
	doneCh     chan struct{}
	doneOnce   sync.Once
	stopOnce   sync.Once
}

func New(cfg config.CoordinatorConfig, creds *credentials.Store) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		registry:   NewRegistry(creds, cfg.LivenessWindow),
		endpoint:   udp.NewEndpoint(cfg.Listen),
		metrics:    NewMetrics(),
		advertiser: discovery.NewAdvertiser(),
		quitCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start binds the control endpoint and runs the serve loop until Stop. It
// blocks; interactive callers run it in a goroutine.
func (c *Coordinator) Start() error {
	logger.Sugar.Infof("[Coordinator] [%s] starting coordinator...", c.cfg.Listen)

	if err := c.endpoint.Listen(); err != nil {
		// The serve loop never runs, so Stop must not wait for it.
		c.done()
		return err
	}

	if c.cfg.MetricsAddress != "" {
		c.metrics.Serve(c.cfg.MetricsAddress)
		logger.Sugar.Infof("[Coordinator] metrics listener on %s", c.cfg.MetricsAddress)
	}

	if c.cfg.MDNS {
		_, portStr, err := net.SplitHostPort(c.endpoint.Addr())
		if err == nil {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				meta := map[string]string{
					"version": "1.0.0",
					"type":    "coordinator",
				}
				if err := c.advertiser.Start("mesh-share", port, meta); err != nil {
					logger.Sugar.Errorf("[Coordinator] failed to start mDNS advertisement: %v", err)
				} else {
					logger.Sugar.Infof("[Coordinator] mDNS advertisement started on port %d", port)
				}
			}
		}
	}

	c.loop()
	return nil
}

// loop is the sequential heart of the coordinator: one datagram fully
// handled, then the expiry sweep, then the next datagram. No other
// goroutine mutates registry state.
func (c *Coordinator) loop() {
	defer func() {
		logger.Sugar.Info("[Coordinator] stopped (error or quit)")
		c.endpoint.Close()
		c.done()
	}()
	for {
		select {
		case dgram, ok := <-c.endpoint.Consume():
			if !ok {
				return
			}
			c.handleDatagram(dgram)
			c.sweep()
		case <-c.quitCh:
			return
		}
	}
}

func (c *Coordinator) sweep() {
	for _, username := range c.registry.Sweep() {
		logger.Sugar.Warnf("[Coordinator] session expired: user=%s", username)
		c.metrics.SessionsExpired.Inc()
	}
	c.metrics.SessionsActive.Set(float64(c.registry.SessionCount()))
	c.metrics.FilesIndexed.Set(float64(c.registry.FileCount()))
}

// handleDatagram decodes and dispatches one control request. Malformed
// payloads get a generic error reply; unrecognized types are dropped with
// no reply. Neither ever takes the loop down.
func (c *Coordinator) handleDatagram(dgram udp.Datagram) {
	msg, err := protocol.DecodeControl(dgram.Payload)
	if err != nil {
		logger.Sugar.Warnf("[Coordinator] malformed request: from=%s err=%v", dgram.From, err)
		c.metrics.MalformedTotal.Inc()
		c.reply(dgram.From, protocol.ReplyMalformed)
		return
	}

	c.metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case protocol.TypeAuth:
		c.handleAuth(msg, dgram.From)
	case protocol.TypeHeartbeat:
		// Fire-and-forget; no reply channel exists for status updates.
		if c.registry.Heartbeat(msg.Username, dgram.From) {
			logger.Sugar.Debugf("[Coordinator] heartbeat: user=%s from=%s", msg.Username, dgram.From)
		}
	case protocol.TypeListPeers:
		c.reply(dgram.From, renderPeerList(c.registry.ListPeers(msg.Username)))
	case protocol.TypeListFiles:
		c.reply(dgram.From, renderFileList(c.registry.ListFiles(msg.Username)))
	case protocol.TypeShare:
		c.registry.Share(msg.Username, msg.Filename)
		logger.Sugar.Infof("[Coordinator] file shared: user=%s file=%s", msg.Username, msg.Filename)
		c.reply(dgram.From, protocol.ReplyShared)
	case protocol.TypeSearch:
		c.reply(dgram.From, renderSearchResult(c.registry.Search(msg.Username, msg.Filename)))
	case protocol.TypeRemove:
		if c.registry.Remove(msg.Username, msg.Filename) {
			logger.Sugar.Infof("[Coordinator] file removed: user=%s file=%s", msg.Username, msg.Filename)
			c.reply(dgram.From, protocol.ReplyRemoved)
		} else {
			c.reply(dgram.From, protocol.ReplyRemoveFailed)
		}
	case protocol.TypeFetch:
		c.handleFetch(msg, dgram.From)
	default:
		logger.Sugar.Errorf("[Coordinator] unknown message type: from=%s type=%s", dgram.From, msg.Type)
		c.metrics.DroppedTotal.Inc()
	}
}

func (c *Coordinator) handleAuth(msg protocol.ControlMessage, from *net.UDPAddr) {
	status := c.registry.Authenticate(msg.Username, msg.Password, from, msg.TransferPort)
	if status == AuthOK {
		logger.Sugar.Infof("[Coordinator] authenticated: user=%s from=%s transferPort=%d", msg.Username, from, msg.TransferPort)
		c.reply(from, protocol.ReplyAuthOK)
		return
	}
	logger.Sugar.Warnf("[Coordinator] authentication failed: user=%s from=%s reason=%s", msg.Username, from, status.Reason())
	c.metrics.AuthFailures.WithLabelValues(status.Reason()).Inc()
	c.reply(from, "ERROR: "+status.Reason())
}

func (c *Coordinator) handleFetch(msg protocol.ControlMessage, from *net.UDPAddr) {
	target, ok := c.registry.Fetch(msg.Username, msg.Filename)
	if !ok {
		logger.Sugar.Infof("[Coordinator] fetch failed: user=%s file=%s", msg.Username, msg.Filename)
		c.reply(from, protocol.ReplyNotFound)
		return
	}

	body, err := json.Marshal(protocol.FetchReply{
		Username: target.Username,
		Address:  target.Address,
		Port:     target.TransferPort,
	})
	if err != nil {
		logger.Sugar.Errorf("[Coordinator] fetch reply encode failed: %v", err)
		c.reply(from, protocol.ReplyNotFound)
		return
	}
	logger.Sugar.Infof("[Coordinator] fetch resolved: user=%s file=%s sharer=%s addr=%s:%d",
		msg.Username, msg.Filename, target.Username, target.Address, target.TransferPort)
	c.metrics.FetchResolved.Inc()
	c.reply(from, string(body))
}

func (c *Coordinator) reply(to *net.UDPAddr, body string) {
	if err := c.endpoint.Reply(to, []byte(body)); err != nil {
		logger.Sugar.Errorf("[Coordinator] reply failed: to=%s err=%v", to, err)
	}
}

func (c *Coordinator) done() {
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// Stop shuts the coordinator down and waits for the serve loop to exit.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.advertiser.Stop()
		c.metrics.Close()
		close(c.quitCh)
		c.endpoint.Close()
	})
	<-c.doneCh
}

// Addr returns the bound control address.
func (c *Coordinator) Addr() string {
	return c.endpoint.Addr()
}

// GetStatus renders a status summary for the interactive shell.
func (c *Coordinator) GetStatus() string {
	status := fmt.Sprintf("Coordinator running on: %s\n", c.endpoint.Addr())
	active := c.registry.ActiveUsernames()
	status += fmt.Sprintf("Active peers: %d\n", len(active))
	for _, name := range active {
		status += fmt.Sprintf(" - %s\n", name)
	}
	files := c.IndexedFileCounts()
	status += fmt.Sprintf("Indexed files: %d\n", len(files))
	for _, line := range files {
		status += fmt.Sprintf(" - %s\n", line)
	}
	return status
}

// ActivePeers returns the live usernames for the interactive shell.
func (c *Coordinator) ActivePeers() []string {
	return c.registry.ActiveUsernames()
}

// IndexedFileCounts returns "<filename> (<n> sharers)" lines, sorted, for
// the interactive shell.
func (c *Coordinator) IndexedFileCounts() []string {
	files := c.registry.IndexedFiles()
	names := make([]string, 0, len(files))
	for filename := range files {
		names = append(names, filename)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, filename := range names {
		lines = append(lines, fmt.Sprintf("%s (%d sharers)", filename, files[filename]))
	}
	return lines
}

func renderPeerList(peers []string) string {
	if len(peers) == 0 {
		return "No active peers"
	}
	return fmt.Sprintf("%d active peers:\n%s", len(peers), strings.Join(peers, "\n"))
}

func renderFileList(files []string) string {
	if len(files) == 0 {
		return "No files shared"
	}
	return fmt.Sprintf("%d file shared:\n%s", len(files), strings.Join(files, "\n"))
}

func renderSearchResult(matches []string) string {
	if len(matches) == 0 {
		return "No files found"
	}
	return fmt.Sprintf("%d files found:\n%s", len(matches), strings.Join(matches, "\n"))
}

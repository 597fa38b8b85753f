package coordinator

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"meshshare/pkg/credentials"
)

// AuthStatus is the single outcome of one authentication attempt.
type AuthStatus int

const (
	AuthOK AuthStatus = iota
	AuthAlreadyActive
	AuthUnknownUser
	AuthBadPassword
)

// Reason returns the wire-format failure reason. AuthOK has none.
func (s AuthStatus) Reason() string {
	switch s {
	case AuthAlreadyActive:
		return "User already logged in"
	case AuthUnknownUser:
		return "Username not found"
	case AuthBadPassword:
		return "Incorrect password"
	default:
		return ""
	}
}

// Session is the record of one currently-online peer: where its control
// datagrams come from, when it last proved liveness, and which TCP port it
// serves transfers on.
type Session struct {
	Username      string
	Addr          *net.UDPAddr
	LastHeartbeat time.Time
	TransferPort  int
}

// Target identifies a live sharer a requester can fetch from.
type Target struct {
	Username     string
	Address      string
	TransferPort int
}

// Registry owns all coordinator state: the immutable credential store, the
// live sessions, and the file index. Control-message mutation is strictly
// sequential (one serve loop), but the status shell and the metrics
// collectors read concurrently, so access is guarded the same way the rest
// of the corpus guards its peer maps.
type Registry struct {
	mu       sync.Mutex
	creds    *credentials.Store
	sessions map[string]*Session
	files    map[string]map[string]struct{} // filename -> set of sharer usernames
	window   time.Duration
	now      func() time.Time
}

// NewRegistry creates a registry with the given liveness window: the
// maximum heartbeat age before a session stops counting as live and gets
// swept.
func NewRegistry(creds *credentials.Store, window time.Duration) *Registry {
	return &Registry{
		creds:    creds,
		sessions: make(map[string]*Session),
		files:    make(map[string]map[string]struct{}),
		window:   window,
		now:      time.Now,
	}
}

// Authenticate resolves one login attempt to exactly one outcome. On
// success it creates the user's session keyed by the request's source
// address and advertised transfer port.
func (r *Registry) Authenticate(username, password string, addr *net.UDPAddr, transferPort int) AuthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, active := r.sessions[username]; active {
		return AuthAlreadyActive
	}
	if !r.creds.Has(username) {
		return AuthUnknownUser
	}
	if !r.creds.Verify(username, password) {
		return AuthBadPassword
	}

	r.sessions[username] = &Session{
		Username:      username,
		Addr:          addr,
		LastHeartbeat: r.now(),
		TransferPort:  transferPort,
	}
	return AuthOK
}

// Heartbeat refreshes a session's timestamp and source address. Heartbeats
// for unknown sessions are silently ignored: the control channel has no
// error path for unauthenticated status updates.
func (r *Registry) Heartbeat(username string, addr *net.UDPAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	if !ok {
		return false
	}
	s.LastHeartbeat = r.now()
	s.Addr = addr
	return true
}

// ListPeers returns the live usernames excluding the caller, sorted.
func (r *Registry) ListPeers(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var peers []string
	for name, s := range r.sessions {
		if name != username && r.isLive(s) {
			peers = append(peers, name)
		}
	}
	sort.Strings(peers)
	return peers
}

// ListFiles returns the filenames the caller currently shares, sorted.
func (r *Registry) ListFiles(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var shared []string
	for filename, sharers := range r.files {
		if _, ok := sharers[username]; ok {
			shared = append(shared, filename)
		}
	}
	sort.Strings(shared)
	return shared
}

// Share adds the caller to a filename's sharer set, creating the record on
// first share. Idempotent.
func (r *Registry) Share(username, filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sharers, ok := r.files[filename]
	if !ok {
		sharers = make(map[string]struct{})
		r.files[filename] = sharers
	}
	sharers[username] = struct{}{}
}

// Search returns every filename containing pattern as a substring that has
// at least one live sharer other than the caller, each filename at most
// once, sorted.
func (r *Registry) Search(username, pattern string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []string
	for filename, sharers := range r.files {
		if !strings.Contains(filename, pattern) {
			continue
		}
		for sharer := range sharers {
			if sharer == username {
				continue
			}
			if s, ok := r.sessions[sharer]; ok && r.isLive(s) {
				matches = append(matches, filename)
				break
			}
		}
	}
	sort.Strings(matches)
	return matches
}

// Remove discards the caller from a filename's sharer set and deletes the
// record once the set empties; a record never exists with an empty set.
// Reports whether the caller was a sharer beforehand.
func (r *Registry) Remove(username, filename string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sharers, ok := r.files[filename]
	if !ok {
		return false
	}
	if _, ok := sharers[username]; !ok {
		return false
	}
	delete(sharers, username)
	if len(sharers) == 0 {
		delete(r.files, filename)
	}
	return true
}

// Fetch resolves a filename to a live sharer other than the caller.
// Tie-break among multiple eligible sharers is the lexicographically
// smallest username, a deterministic policy rather than map iteration
// order.
func (r *Registry) Fetch(username, filename string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sharers, ok := r.files[filename]
	if !ok {
		return Target{}, false
	}

	eligible := make([]string, 0, len(sharers))
	for sharer := range sharers {
		if sharer == username {
			continue
		}
		if s, ok := r.sessions[sharer]; ok && r.isLive(s) {
			eligible = append(eligible, sharer)
		}
	}
	if len(eligible) == 0 {
		return Target{}, false
	}
	sort.Strings(eligible)

	s := r.sessions[eligible[0]]
	return Target{
		Username:     s.Username,
		Address:      s.Addr.IP.String(),
		TransferPort: s.TransferPort,
	}, true
}

// Sweep evicts every session whose heartbeat age exceeds the liveness
// window and returns the evicted usernames. File records referencing an
// evicted user stay indexed; Search and Fetch already filter dead sharers,
// so those files are simply unreachable until the user returns or an
// explicit Remove lands.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for name, s := range r.sessions {
		if !r.isLive(s) {
			delete(r.sessions, name)
			evicted = append(evicted, name)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// SessionCount returns the number of tracked sessions, swept or not yet.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// FileCount returns the number of indexed filenames.
func (r *Registry) FileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// ActiveUsernames returns the live usernames, sorted. Used by the status
// shell.
func (r *Registry) ActiveUsernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, s := range r.sessions {
		if r.isLive(s) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IndexedFiles returns filename -> sharer count, for the status shell.
func (r *Registry) IndexedFiles() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.files))
	for filename, sharers := range r.files {
		out[filename] = len(sharers)
	}
	return out
}

// isLive reports whether a session's heartbeat age is inside the window.
// Queries filter on this directly so that a session due for eviction never
// shows up between sweeps. Caller holds r.mu.
func (r *Registry) isLive(s *Session) bool {
	return r.now().Sub(s.LastHeartbeat) <= r.window
}

package peer

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"meshshare/coordinator"
	"meshshare/pkg/config"
	"meshshare/pkg/credentials"
)

func startCoordinator(t *testing.T, creds string, window time.Duration) *coordinator.Coordinator {
	t.Helper()

	path := filepath.Join(t.TempDir(), "credentials.txt")
	if err := os.WriteFile(path, []byte(creds), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := credentials.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	c := coordinator.New(config.CoordinatorConfig{
		Listen:         "127.0.0.1:0",
		LivenessWindow: window,
	}, store)
	go func() {
		_ = c.Start()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, port, err := net.SplitHostPort(c.Addr()); err == nil && port != "0" {
			t.Cleanup(c.Stop)
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("coordinator never bound its control port")
	return nil
}

func testPeerConfig(t *testing.T, coordAddr string) config.PeerConfig {
	t.Helper()
	return config.PeerConfig{
		Coordinator:        coordAddr,
		SharedRoot:         t.TempDir(),
		HeartbeatInterval:  100 * time.Millisecond,
		ReplyTimeout:       time.Second,
		HandlerReadTimeout: 300 * time.Millisecond,
		ConnectTimeout:     time.Second,
	}
}

func startAgent(t *testing.T, cfg config.PeerConfig) *Agent {
	t.Helper()
	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatal(err)
	}
	a.Start()
	t.Cleanup(a.Stop)
	return a
}

func TestLoginLogout(t *testing.T) {
	c := startCoordinator(t, "alice s1\n", 3*time.Second)
	a := startAgent(t, testPeerConfig(t, c.Addr()))

	if err := a.Login("alice", "s1"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if username, ok := a.Username(); !ok || username != "alice" {
		t.Errorf("Username() = %q, %v; want alice, true", username, ok)
	}
	if err := a.Login("alice", "s1"); err == nil {
		t.Error("second Login on the same agent must fail")
	}

	// The shared directory was created lazily.
	if _, err := os.Stat(filepath.Join(a.cfg.SharedRoot, "alice")); err != nil {
		t.Errorf("shared directory missing: %v", err)
	}

	a.Logout()
	if _, ok := a.Username(); ok {
		t.Error("Username() should report unauthenticated after Logout")
	}
}

func TestLogin_Rejected(t *testing.T) {
	c := startCoordinator(t, "alice s1\n", 3*time.Second)
	a := startAgent(t, testPeerConfig(t, c.Addr()))

	err := a.Login("alice", "wrong")
	if err == nil {
		t.Fatal("expected login rejection")
	}
	if !strings.Contains(err.Error(), "Incorrect password") {
		t.Errorf("error %q should carry the coordinator's reason", err)
	}
	if _, ok := a.Username(); ok {
		t.Error("agent must stay unauthenticated after rejection")
	}
}

func TestHeartbeat_MaintainsPresence(t *testing.T) {
	c := startCoordinator(t, "alice s1\nbob s2\n", 400*time.Millisecond)
	alice := startAgent(t, testPeerConfig(t, c.Addr()))
	bob := startAgent(t, testPeerConfig(t, c.Addr()))

	if err := alice.Login("alice", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := bob.Login("bob", "s2"); err != nil {
		t.Fatal(err)
	}

	// Both heartbeat loops outlive the liveness window several times over.
	time.Sleep(time.Second)

	reply, err := bob.ListPeers()
	if err != nil {
		t.Fatal(err)
	}
	if reply != "1 active peers:\nalice" {
		t.Errorf("ListPeers = %q, want alice still present", reply)
	}

	// Once alice stops heartbeating, the sweep evicts her.
	alice.Logout()
	time.Sleep(600 * time.Millisecond)

	reply, err = bob.ListPeers()
	if err != nil {
		t.Fatal(err)
	}
	if reply != "No active peers" {
		t.Errorf("ListPeers after logout = %q, want none", reply)
	}
}

func TestCommands_RequireAuthentication(t *testing.T) {
	c := startCoordinator(t, "alice s1\n", 3*time.Second)
	a := startAgent(t, testPeerConfig(t, c.Addr()))

	if _, err := a.ListPeers(); err == nil {
		t.Error("ListPeers must fail before login")
	}
	if _, err := a.Share("a.txt"); err == nil {
		t.Error("Share must fail before login")
	}
	if err := a.Fetch("a.txt"); err == nil {
		t.Error("Fetch must fail before login")
	}
}

func TestShare_RequiresLocalFile(t *testing.T) {
	c := startCoordinator(t, "alice s1\n", 3*time.Second)
	a := startAgent(t, testPeerConfig(t, c.Addr()))
	if err := a.Login("alice", "s1"); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Share("ghost.txt"); err == nil {
		t.Error("Share of a file absent from the shared directory must fail")
	}

	path := filepath.Join(a.cfg.SharedRoot, "alice", "real.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	reply, err := a.Share("real.txt")
	if err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	if reply != "File shared successfully" {
		t.Errorf("Share reply = %q", reply)
	}
}

func TestAuthState_ConcurrentAccess(t *testing.T) {
	var state authState

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				state.set("alice")
				state.clear()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if name, ok := state.current(); ok && name != "alice" {
					t.Error("observed authenticated state with wrong username")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestStop_JoinsBackgroundUnits(t *testing.T) {
	c := startCoordinator(t, "alice s1\n", 3*time.Second)
	a, err := NewAgent(testPeerConfig(t, c.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	a.Start()
	if err := a.Login("alice", "s1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the background goroutines")
	}
}

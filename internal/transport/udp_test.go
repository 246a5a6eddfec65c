package transport

import (
	"net"
	"sync"
	"testing"
	"time"
)

// recordingEvents collects link callbacks from any goroutine
type recordingEvents struct {
	mu      sync.Mutex
	ups     int
	downs   []string
	notify  [][]byte
	changed chan struct{}
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{changed: make(chan struct{}, 64)}
}

func (r *recordingEvents) LinkUp() {
	r.mu.Lock()
	r.ups++
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recordingEvents) LinkDown(reason string) {
	r.mu.Lock()
	r.downs = append(r.downs, reason)
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recordingEvents) Notify(p []byte) {
	r.mu.Lock()
	r.notify = append(r.notify, p)
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recordingEvents) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		r.mu.Lock()
		ok := cond()
		r.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatal("timed out waiting for link events")
		}
	}
}

func TestUDPLinkRoundTrip(t *testing.T) {
	link := NewUDPLink(UDPConfig{BindAddress: "127.0.0.1", Port: 0, PeerTimeout: 300 * time.Millisecond}, testLogger())
	ev := newRecordingEvents()

	if err := link.Send([]byte("PING")); err != ErrNotConnected {
		t.Fatalf("Expected ErrNotConnected before any peer, got %v", err)
	}

	if err := link.Start(ev); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer link.Stop()

	gw, err := net.DialUDP("udp", nil, link.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer gw.Close()

	if _, err := gw.Write([]byte{0x01, 0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("gateway write: %v", err)
	}
	ev.waitFor(t, func() bool { return ev.ups == 1 && len(ev.notify) == 1 })

	if err := link.Send([]byte("GET:1:0:100")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	buf := make([]byte, 64)
	gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := gw.Read(buf)
	if err != nil {
		t.Fatalf("gateway read: %v", err)
	}
	if string(buf[:n]) != "GET:1:0:100" {
		t.Errorf("Expected command datagram, got %q", buf[:n])
	}

	// silence beyond the peer timeout reports link down
	ev.waitFor(t, func() bool { return len(ev.downs) == 1 })
	if ev.downs[0] != "peer timeout" {
		t.Errorf("Expected peer timeout, got %q", ev.downs[0])
	}

	stats := link.GetStatistics()
	if stats.DatagramsReceived != 1 || stats.CommandsSent != 1 || stats.Type != "udp" || stats.Connected {
		t.Errorf("unexpected statistics %+v", stats)
	}
}

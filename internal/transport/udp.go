package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// UDPConfig configures the gateway link
type UDPConfig struct {
	BindAddress string
	Port        int
	BufferSize  int
	PeerTimeout time.Duration
}

// UDPLink talks to a BLE gateway that relays GATT notifications as datagrams.
// The most recent sender is the peer; commands are sent back to it one per
// datagram. A peer silent for longer than PeerTimeout is reported as down.
type UDPLink struct {
	conn   *net.UDPConn
	config UDPConfig
	logger *slog.Logger
	events Events

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	peer     *net.UDPAddr
	lastRecv time.Time

	// Metrics (basic counters)
	datagramsReceived uint64
	bytesReceived     uint64
	datagramsSent     uint64
	sendErrors        uint64
	mu                sync.RWMutex
}

// NewUDPLink creates a new gateway link
func NewUDPLink(cfg UDPConfig, logger *slog.Logger) *UDPLink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 65536
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UDPLink{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins listening for datagrams and reports activity to ev
func (l *UDPLink) Start(ev Events) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", l.config.BindAddress, l.config.Port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	l.conn = conn
	l.events = ev

	if err := l.conn.SetReadBuffer(l.config.BufferSize); err != nil {
		l.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", l.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	l.logger.Info("UDP link started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", l.config.BufferSize),
		slog.Duration("peer_timeout", l.config.PeerTimeout),
	)

	l.wg.Add(1)
	go l.receiveLoop()

	return nil
}

// LocalAddr returns the bound address, or nil before Start
func (l *UDPLink) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Stop closes the socket and waits for the receive loop
func (l *UDPLink) Stop() error {
	l.logger.Info("Stopping UDP link...")

	l.cancel()

	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	l.wg.Wait()

	stats := l.GetStatistics()
	l.logger.Info("UDP link stopped",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("datagrams_sent", stats.CommandsSent),
		slog.Uint64("send_errors", stats.SendErrors),
	)

	return nil
}

// Run starts the link and blocks until ctx is cancelled
func (l *UDPLink) Run(ctx context.Context, ev Events) error {
	if err := l.Start(ev); err != nil {
		return err
	}
	<-ctx.Done()
	return l.Stop()
}

// Send writes one command datagram to the current peer
func (l *UDPLink) Send(p []byte) error {
	l.mu.RLock()
	peer := l.peer
	l.mu.RUnlock()

	if peer == nil || l.conn == nil {
		return ErrNotConnected
	}

	if _, err := l.conn.WriteToUDP(p, peer); err != nil {
		l.mu.Lock()
		l.sendErrors++
		l.mu.Unlock()
		return fmt.Errorf("udp write to %s: %w", peer, err)
	}

	l.mu.Lock()
	l.datagramsSent++
	l.mu.Unlock()
	return nil
}

// CompletesInline reports that a returned Send has left the socket
func (l *UDPLink) CompletesInline() bool { return true }

// receiveLoop is the main datagram receiving loop
func (l *UDPLink) receiveLoop() {
	defer l.wg.Done()

	buffer := make([]byte, l.config.BufferSize)

	for {
		select {
		case <-l.ctx.Done():
			l.dropPeer("link stopped")
			return
		default:
		}

		// Short deadline so the peer timeout and cancellation are checked
		if err := l.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.dropPeer("link stopped")
				return
			}
			l.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := l.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.checkPeerTimeout()
				continue
			}

			select {
			case <-l.ctx.Done():
				l.dropPeer("link stopped")
				return
			default:
				l.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
				continue
			}
		}

		l.notePeer(remoteAddr, n)

		// buffer is reused
		data := make([]byte, n)
		copy(data, buffer[:n])
		if n > 0 {
			l.events.Notify(data)
		}
	}
}

// notePeer records activity and reports a new or changed peer
func (l *UDPLink) notePeer(addr *net.UDPAddr, n int) {
	l.mu.Lock()
	l.datagramsReceived++
	l.bytesReceived += uint64(n)
	l.lastRecv = time.Now()
	prev := l.peer
	changed := prev == nil || !prev.IP.Equal(addr.IP) || prev.Port != addr.Port
	if changed {
		l.peer = addr
	}
	l.mu.Unlock()

	if !changed {
		return
	}
	if prev != nil {
		l.logger.Info("Gateway peer changed",
			slog.String("previous", prev.String()),
			slog.String("peer", addr.String()),
		)
		l.events.LinkDown("peer changed")
	} else {
		l.logger.Info("Gateway peer connected", slog.String("peer", addr.String()))
	}
	l.events.LinkUp()
}

func (l *UDPLink) checkPeerTimeout() {
	l.mu.RLock()
	idle := l.peer != nil && time.Since(l.lastRecv) > l.config.PeerTimeout
	l.mu.RUnlock()

	if idle {
		l.dropPeer("peer timeout")
	}
}

func (l *UDPLink) dropPeer(reason string) {
	l.mu.Lock()
	peer := l.peer
	l.peer = nil
	l.mu.Unlock()

	if peer == nil {
		return
	}
	l.logger.Info("Gateway peer disconnected",
		slog.String("peer", peer.String()),
		slog.String("reason", reason),
	)
	l.events.LinkDown(reason)
}

// GetStatistics returns current link statistics
func (l *UDPLink) GetStatistics() LinkStatistics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := LinkStatistics{
		Type:              "udp",
		BytesReceived:     l.bytesReceived,
		CommandsSent:      l.datagramsSent, // one command per datagram
		SendErrors:        l.sendErrors,
		Connected:         l.peer != nil,
		DatagramsReceived: l.datagramsReceived,
	}
	if l.peer != nil {
		stats.Peer = l.peer.String()
	}
	return stats
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig configures a BLE-UART bridge on a serial port
type SerialConfig struct {
	Port           string
	BaudRate       int
	ReconnectDelay time.Duration
}

// PortOpener opens a serial port; serial.Open in production
type PortOpener func(name string, mode *serial.Mode) (serial.Port, error)

// SerialLink reads notification bytes from a UART bridge and writes commands
// as newline-terminated lines. The port is reopened after a read error.
type SerialLink struct {
	config SerialConfig
	logger *slog.Logger
	open   PortOpener

	mu        sync.Mutex
	port      serial.Port
	bytesRead uint64
	written   uint64
	errs      uint64
}

// NewSerialLink creates a serial link. A nil opener uses serial.Open.
func NewSerialLink(cfg SerialConfig, logger *slog.Logger, opener PortOpener) *SerialLink {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if opener == nil {
		opener = serial.Open
	}
	return &SerialLink{config: cfg, logger: logger, open: opener}
}

// Run keeps the port open until ctx is cancelled
func (s *SerialLink) Run(ctx context.Context, ev Events) error {
	for {
		if err := s.session(ctx, ev); err != nil && ctx.Err() == nil {
			s.logger.Warn("Serial link error",
				slog.String("port", s.config.Port),
				slog.String("error", err.Error()),
				slog.Bool("driver_error", IsPortError(err)),
				slog.Duration("reconnect_delay", s.config.ReconnectDelay),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.ReconnectDelay):
		}
	}
}

// session opens the port and pumps bytes until a read fails
func (s *SerialLink) session(ctx context.Context, ev Events) error {
	mode := &serial.Mode{
		BaudRate: s.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.open(s.config.Port, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.config.Port, err)
	}
	if err := port.SetReadTimeout(250 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	s.logger.Info("Serial link opened",
		slog.String("port", s.config.Port),
		slog.Int("baud_rate", s.config.BaudRate),
	)
	ev.LinkUp()

	reason := "link stopped"
	defer func() {
		s.mu.Lock()
		s.port = nil
		s.mu.Unlock()
		port.Close()
		ev.LinkDown(reason)
	}()

	buf := make([]byte, 4096)
	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if err != nil {
			reason = "read error"
			return fmt.Errorf("read %s: %w", s.config.Port, err)
		}
		if n == 0 {
			continue // read timeout
		}

		s.mu.Lock()
		s.bytesRead += uint64(n)
		s.mu.Unlock()

		data := make([]byte, n)
		copy(data, buf[:n])
		ev.Notify(data)
	}
	return nil
}

// Send writes p followed by a newline
func (s *SerialLink) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return ErrNotConnected
	}

	line := make([]byte, 0, len(p)+1)
	line = append(line, p...)
	line = append(line, '\n')
	if _, err := s.port.Write(line); err != nil {
		s.errs++
		return fmt.Errorf("serial write: %w", err)
	}
	s.written++
	return nil
}

// CompletesInline reports that a returned Send has reached the driver
func (s *SerialLink) CompletesInline() bool { return true }

// GetStatistics returns link counters
func (s *SerialLink) GetStatistics() LinkStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LinkStatistics{
		Type:          "serial",
		BytesReceived: s.bytesRead,
		CommandsSent:  s.written,
		SendErrors:    s.errs,
		Peer:          s.config.Port,
		Connected:     s.port != nil,
	}
}

// IsPortError reports whether err came from the serial driver
func IsPortError(err error) bool {
	var pe *serial.PortError
	return errors.As(err, &pe)
}

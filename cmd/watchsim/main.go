// Command watchsim emulates a watch behind a UDP BLE gateway. It sends
// notifications to watchd and answers the commands watchd writes back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lapitskiy/sonya-front/internal/loop"
	"github.com/lapitskiy/sonya-front/internal/watchsim"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4444", "watchd UDP address")
	seconds := flag.Int("seconds", 2, "Recording length for REC")
	recEvery := flag.Duration("rec-every", 0, "Start a recording on this interval (0 disables)")
	keepalive := flag.Duration("keepalive", 3*time.Second, "WAKE interval that keeps the gateway peer alive")
	frameGap := flag.Duration("frame-gap", watchsim.DefaultFrameGap, "Delay between AUDIO_DATA notifications")
	reorder := flag.Float64("reorder", 0, "Probability of reordering a pulled frame")
	redeliver := flag.Float64("redeliver", 0, "Probability of delivering a pulled frame twice")
	drop := flag.Float64("drop", 0, "Probability of dropping a pulled frame")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Fault injection seed")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg := watchsim.DefaultConfig()
	cfg.RecSeconds = *seconds
	cfg.FrameGap = *frameGap
	cfg.Reorder = *reorder
	cfg.Redeliver = *redeliver
	cfg.Drop = *drop
	cfg.Seed = *seed

	if err := run(*addr, cfg, *recEvery, *keepalive, logger); err != nil {
		fmt.Fprintf(os.Stderr, "watchsim: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string, cfg watchsim.Config, recEvery, keepalive time.Duration, logger *slog.Logger) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := loop.New(logger, 1024)
	emit := func(p []byte) {
		if _, err := conn.Write(p); err != nil {
			logger.Debug("Notification write failed", slog.String("error", err.Error()))
		}
	}
	watch := watchsim.New(sched, emit, cfg, logger.With(slog.String("component", "watch")))

	logger.Info("Watch simulator started",
		slog.String("gateway", conn.LocalAddr().String()),
		slog.String("watchd", raddr.String()),
		slog.Int("rec_seconds", cfg.RecSeconds),
		slog.Float64("drop", cfg.Drop),
		slog.Float64("reorder", cfg.Reorder),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Commands from watchd, one per datagram
	g.Go(func() error {
		buf := make([]byte, 512)
		for {
			conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			n, err := conn.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				// ECONNREFUSED until watchd is listening
				logger.Debug("Command read failed", slog.String("error", err.Error()))
				continue
			}
			cmd := append([]byte(nil), buf[:n]...)
			sched.Post(func() { watch.HandleCommand(cmd) })
		}
	})

	g.Go(func() error {
		sched.Post(watch.Wake)

		ka := time.NewTicker(keepalive)
		defer ka.Stop()

		var recC <-chan time.Time
		if recEvery > 0 {
			rt := time.NewTicker(recEvery)
			defer rt.Stop()
			recC = rt.C
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ka.C:
				sched.Post(watch.Wake)
			case <-recC:
				sched.Post(func() { watch.HandleCommand([]byte("REC")) })
			}
		}
	})

	err = g.Wait()
	logger.Info("Watch simulator stopped")
	return err
}

package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Provider observes connectivity until ctx ends, reporting each observation.
type Provider interface {
	Run(ctx context.Context, report func(online bool)) error
}

// Watch runs every provider against m until ctx ends or one fails.
func Watch(ctx context.Context, m *Monitor, providers ...Provider) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		g.Go(func() error {
			err := p.Run(ctx, m.Set)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// HealthProbe polls a health check on a fixed interval.
type HealthProbe struct {
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

func (p *HealthProbe) Run(ctx context.Context, report func(bool)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	probe := func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := p.Check(cctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Debug("netmon: probe failed", "err", err)
		}
		report(err == nil)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			probe()
		}
	}
}

// WebSocketProvider treats an open keepalive socket as being online. The
// server pings periodically; a missed ping window or read error means offline
// until a redial succeeds.
type WebSocketProvider struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// PingWait is how long to wait for the next server ping.
	PingWait time.Duration
	// RedialMin and RedialMax bound the reconnect backoff.
	RedialMin time.Duration
	RedialMax time.Duration
}

func (w *WebSocketProvider) Run(ctx context.Context, report func(bool)) error {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	pingWait := w.PingWait
	if pingWait <= 0 {
		pingWait = 60 * time.Second
	}
	redialMin, redialMax := w.RedialMin, w.RedialMax
	if redialMin <= 0 {
		redialMin = time.Second
	}
	if redialMax < redialMin {
		redialMax = 30 * time.Second
	}

	delay := redialMin
	for {
		conn, _, err := dialer.DialContext(ctx, w.URL, w.Header)
		if err == nil {
			delay = redialMin
			report(true)
			err = w.readLoop(ctx, conn, pingWait)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		report(false)
		slog.Debug("netmon: socket down", "url", w.URL, "err", err, "redial_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, redialMax)
	}
}

func (w *WebSocketProvider) readLoop(ctx context.Context, conn *websocket.Conn, pingWait time.Duration) error {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pingWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return fmt.Errorf("read keepalive: %w", err)
		}
	}
}

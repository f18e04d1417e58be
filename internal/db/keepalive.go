package db

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Keepalive probes the pool at a fixed interval so a serverless backend does
// not go cold between scans. Probe failures are logged, never escalated.
type Keepalive struct {
	session  *Session
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewKeepalive creates a prober. Interval defaults to 4 minutes, comfortably
// under the usual 5-minute idle suspension of serverless Postgres.
func NewKeepalive(session *Session, interval time.Duration) *Keepalive {
	if interval <= 0 {
		interval = 4 * time.Minute
	}
	return &Keepalive{
		session:  session,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. It returns immediately.
func (k *Keepalive) Start(ctx context.Context) {
	go func() {
		defer close(k.done)
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-k.stop:
				return
			case <-ticker.C:
				if err := k.session.Ping(ctx); err != nil {
					zap.L().Warn("keepalive probe failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (k *Keepalive) Stop() {
	close(k.stop)
	<-k.done
}

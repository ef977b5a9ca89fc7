package reachability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DialFunc opens a connection; net.Dialer.DialContext satisfies it
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober considers the backend reachable when any target accepts a TCP
// connection within the timeout.
type Prober struct {
	*hub
	targets  []string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober for host:port targets. It starts out offline
// until the first probe succeeds.
func NewProber(targets []string, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &Prober{
		hub:      newHub(false),
		targets:  targets,
		interval: interval,
		timeout:  timeout,
		dial:     d.DialContext,
		logger:   logger.With("component", "reachability"),
	}
}

// SetDialer replaces the dial function
func (p *Prober) SetDialer(dial DialFunc) {
	p.dial = dial
}

// Start probes once, then keeps probing every interval until ctx is
// cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return errors.New("prober already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.FetchCurrent(ctx)

	go p.loop(ctx, p.done)

	p.logger.Info("reachability prober started",
		"targets", p.targets,
		"interval", p.interval)
	return nil
}

// Stop ends the probe loop and waits for it to exit
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Prober) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.FetchCurrent(ctx)
		}
	}
}

// FetchCurrent probes the targets now and publishes a transition if the
// result differs from the last one.
func (p *Prober) FetchCurrent(ctx context.Context) bool {
	connected := p.probe(ctx)
	if p.set(connected) {
		p.logger.Info("connectivity changed", "online", connected)
	}
	return connected
}

func (p *Prober) probe(ctx context.Context) bool {
	for _, target := range p.targets {
		if ctx.Err() != nil {
			return p.current()
		}

		dctx, cancel := context.WithTimeout(ctx, p.timeout)
		conn, err := p.dial(dctx, "tcp", target)
		cancel()
		if err != nil {
			p.logger.Debug("probe failed", "target", target, "error", err)
			continue
		}
		_ = conn.Close()
		return true
	}
	return false
}

// Package guard enforces that at most one withdrawal attempt is in flight.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juno-intents/autowithdraw/internal/leases"
)

var ErrInvalidConfig = errors.New("guard: invalid config")

// Guard hands out a single in-flight slot. Acquire never blocks: a caller that loses gets ok=false.
// The returned release func is safe to call more than once.
type Guard interface {
	Acquire(ctx context.Context) (release func(), ok bool)
	Held() bool
}

// Local is a process-wide guard backed by an atomic flag.
type Local struct {
	busy atomic.Bool
}

func NewLocal() *Local { return &Local{} }

func (g *Local) Acquire(_ context.Context) (func(), bool) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { g.busy.Store(false) }) }, true
}

func (g *Local) Held() bool { return g.busy.Load() }

const (
	DefaultLeaseName = "autowithdraw"
	DefaultLeaseTTL  = 5 * time.Minute

	releaseTimeout = 5 * time.Second
)

type LeaseConfig struct {
	Name  string
	Owner string
	TTL   time.Duration
	// RenewEvery is how often a held lease is extended; defaults to TTL/3.
	RenewEvery time.Duration
}

// Lease extends Local across processes: the local flag is taken first, then a named lease in a
// shared store. A store error counts as a lost race. While held, the lease is renewed in the
// background so a slow wallet call does not let it lapse.
type Lease struct {
	local *Local
	store leases.Store
	cfg   LeaseConfig
	log   *slog.Logger
}

func NewLease(cfg LeaseConfig, store leases.Store, log *slog.Logger) (*Lease, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil lease store", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultLeaseName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaseTTL
	}
	if cfg.RenewEvery <= 0 || cfg.RenewEvery >= cfg.TTL {
		cfg.RenewEvery = cfg.TTL / 3
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Lease{local: NewLocal(), store: store, cfg: cfg, log: log}, nil
}

func (g *Lease) Acquire(ctx context.Context) (func(), bool) {
	releaseLocal, ok := g.local.Acquire(ctx)
	if !ok {
		return nil, false
	}

	l, ok, err := g.store.TryAcquire(ctx, g.cfg.Name, g.cfg.Owner, g.cfg.TTL)
	if err != nil {
		g.log.Error("acquire withdrawal lease", "name", g.cfg.Name, "err", err)
		releaseLocal()
		return nil, false
	}
	if !ok {
		g.log.Debug("withdrawal lease held elsewhere", "name", g.cfg.Name, "owner", l.Owner, "epoch", l.Epoch, "expires_at", l.ExpiresAt)
		releaseLocal()
		return nil, false
	}

	stopRenew := make(chan struct{})
	renewDone := make(chan struct{})
	go g.renew(l, stopRenew, renewDone)

	var once sync.Once
	return func() {
		once.Do(func() {
			defer releaseLocal()
			close(stopRenew)
			<-renewDone
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := g.store.Release(rctx, g.cfg.Name, g.cfg.Owner); err != nil {
				g.log.Error("release withdrawal lease", "name", g.cfg.Name, "err", err)
			}
		})
	}, true
}

func (g *Lease) Held() bool { return g.local.Held() }

func (g *Lease) renew(l leases.Lease, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(g.cfg.RenewEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		next, err := g.store.Extend(ctx, g.cfg.Name, g.cfg.Owner, g.cfg.TTL)
		cancel()
		if errors.Is(err, leases.ErrNotOwner) {
			g.log.Error("withdrawal lease lost during attempt", "name", g.cfg.Name, "epoch", l.Epoch)
			return
		}
		if err != nil {
			// Keep trying; the lease may still be live if this was a transient store error.
			g.log.Error("renew withdrawal lease", "name", g.cfg.Name, "epoch", l.Epoch, "err", err)
			continue
		}
		if next.Epoch != l.Epoch {
			g.log.Warn("withdrawal lease changed hands during attempt", "name", g.cfg.Name, "held_epoch", l.Epoch, "epoch", next.Epoch)
			return
		}
	}
}

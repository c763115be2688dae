package quote

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// Request describes one pair and amount to keep quoted.
type Request struct {
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	SlippageBps int64
}

// Poller keeps a displayed quote fresh by re-simulating on an interval.
// Starting a new watch cancels the previous one, so a stale in-flight
// simulation can never overwrite a quote for a newer input amount.
type Poller struct {
	engine   *Engine
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
	latest *Quote
}

// NewPoller builds a poller over the engine. The limiter caps quoter load
// across all watches, one burst per interval.
func NewPoller(engine *Engine, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 12 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		engine:   engine,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval/2), 2),
		logger:   logger,
	}
}

// Watch begins polling quotes for req, delivering each result to fn until
// ctx is cancelled or a newer Watch supersedes this one. fn runs on the
// poller goroutine.
func (p *Poller) Watch(ctx context.Context, req Request, fn func(Quote, error)) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.gen++
	gen := p.gen
	p.latest = nil
	p.mu.Unlock()

	go p.run(watchCtx, gen, req, fn)
}

// Stop cancels the active watch, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Latest returns the most recent successful quote from the active watch.
func (p *Poller) Latest() (Quote, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Quote{}, false
	}
	return *p.latest, true
}

func (p *Poller) run(ctx context.Context, gen uint64, req Request, fn func(Quote, error)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		q, err := p.engine.GetQuote(ctx, req.TokenIn, req.TokenOut, req.AmountIn, req.SlippageBps)
		if ctx.Err() != nil {
			// Superseded mid-flight; the result belongs to a stale input.
			return
		}
		if err != nil {
			if !errors.Is(err, ErrQuoteUnavailable) {
				p.logger.Warn("quote refresh failed", slog.String("error", err.Error()))
			}
		} else {
			p.mu.Lock()
			// A newer watch owns the slot once the generation moves on.
			if p.gen == gen {
				p.latest = &q
			}
			p.mu.Unlock()
		}
		if fn != nil {
			fn(q, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

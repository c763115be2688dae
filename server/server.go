package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"goldsettle/ledger"
	"goldsettle/quote"
	"goldsettle/settle"
)

// Settler triggers one settlement run.
type Settler interface {
	Settle(ctx context.Context, req settle.Request) ledger.Status
}

// Quoter produces slippage-bounded quotes.
type Quoter interface {
	GetQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, slippageBps int64) (quote.Quote, error)
}

// BalanceReader reads one token balance.
type BalanceReader interface {
	Balance(ctx context.Context, owner common.Address) (decimal.Decimal, error)
}

// PriceSource serves the most recent cached reference quote.
type PriceSource interface {
	Latest() (quote.Quote, bool)
}

// Tokens pins the contract addresses and scales the server quotes against.
type Tokens struct {
	Gold           common.Address
	Stable         common.Address
	GoldDecimals   int32
	StableDecimals int32
}

// Config bounds request handling.
type Config struct {
	Tokens      Tokens
	DailyBuyCap decimal.Decimal
	SettleGrace time.Duration
}

// Server exposes the settlement API.
type Server struct {
	store    *ledger.Store
	settler  Settler
	quoter   Quoter
	treasury common.Address
	gold     BalanceReader
	stable   BalanceReader
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	prices   PriceSource

	baseCtx context.Context
}

// Option customises a Server.
type Option func(*Server)

// WithPriceSource exposes a polled reference price on /v1/price.
func WithPriceSource(prices PriceSource) Option {
	return func(s *Server) {
		if prices != nil {
			s.prices = prices
		}
	}
}

// New builds the API server. gold and stable balance readers are optional;
// when nil the treasury endpoint reports them as unavailable.
func New(baseCtx context.Context, store *ledger.Store, settler Settler, quoter Quoter, treasury common.Address, gold, stable BalanceReader, cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettleGrace <= 0 {
		cfg.SettleGrace = 5 * time.Minute
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Server{
		store:    store,
		settler:  settler,
		quoter:   quoter,
		treasury: treasury,
		gold:     gold,
		stable:   stable,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		baseCtx:  baseCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/price", s.handlePrice)
		r.Post("/quotes", s.handleQuote)
		r.Post("/settlements", s.handleCreateSettlement)
		r.Get("/settlements/{id}", s.handleGetSettlement)
		r.Get("/holdings/{user}", s.handleGetHolding)
		r.Get("/treasury", s.handleTreasury)
		r.Get("/review", s.handleReviewQueue)
		r.Post("/review/{id}", s.handleResolveReview)
	})

	return otelhttp.NewHandler(r, "goldsettle.http")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	queue, err := s.store.ReviewQueue(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Pending:     counts[ledger.StatusPending],
		Processing:  counts[ledger.StatusProcessing],
		Completed:   counts[ledger.StatusCompleted],
		Failed:      counts[ledger.StatusFailed],
		ReviewQueue: len(queue),
	})
}

type statusResponse struct {
	Pending     int64 `json:"pending"`
	Processing  int64 `json:"processing"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	ReviewQueue int   `json:"review_queue"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

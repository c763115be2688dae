package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"goldsettle/chain"
	"goldsettle/ledger"
	"goldsettle/quote"
	"goldsettle/settle"
)

type quoteRequest struct {
	Direction   string          `json:"direction"`
	FiatAmount  decimal.Decimal `json:"fiat_amount"`
	GoldAmount  decimal.Decimal `json:"gold_amount"`
	SlippageBps int64           `json:"slippage_bps"`
}

type quoteResponse struct {
	Direction      string    `json:"direction"`
	InputAmount    string    `json:"input_amount"`
	ExpectedOutput string    `json:"expected_output"`
	MinimumOutput  string    `json:"minimum_output"`
	SlippageBps    int64     `json:"slippage_bps"`
	ValidUntil     time.Time `json:"valid_until"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	direction := ledger.Direction(strings.ToUpper(strings.TrimSpace(req.Direction)))
	slippage := req.SlippageBps
	if slippage == 0 {
		slippage = -1
	}

	q, err := s.quoteFor(r.Context(), direction, req.FiatAmount, req.GoldAmount, slippage)
	if err != nil {
		s.writeQuoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Direction:      string(direction),
		InputAmount:    q.InputAmount.String(),
		ExpectedOutput: q.ExpectedOutput.String(),
		MinimumOutput:  q.MinimumOutput.String(),
		SlippageBps:    q.SlippageBps,
		ValidUntil:     q.ValidUntil,
	})
}

func (s *Server) quoteFor(ctx context.Context, direction ledger.Direction, fiat, gold decimal.Decimal, slippageBps int64) (quote.Quote, error) {
	t := s.cfg.Tokens
	switch direction {
	case ledger.DirectionBuy:
		if fiat.Sign() <= 0 {
			return quote.Quote{}, errBadAmount
		}
		// Fiat is held one-to-one in the stablecoin.
		amountIn := chain.ToUnits(fiat, t.StableDecimals)
		return s.quoter.GetQuote(ctx, t.Stable, t.Gold, amountIn, slippageBps)
	case ledger.DirectionSell:
		if gold.Sign() <= 0 {
			return quote.Quote{}, errBadAmount
		}
		amountIn := chain.ToUnits(gold, t.GoldDecimals)
		return s.quoter.GetQuote(ctx, t.Gold, t.Stable, amountIn, slippageBps)
	default:
		return quote.Quote{}, errBadDirection
	}
}

var (
	errBadAmount    = errors.New("amount must be positive")
	errBadDirection = errors.New("direction must be BUY or SELL")
)

func (s *Server) writeQuoteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadAmount), errors.Is(err, errBadDirection),
		errors.Is(err, quote.ErrNonPositiveInput), errors.Is(err, quote.ErrInvalidSlippage):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, quote.ErrQuoteUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "quote unavailable")
	default:
		s.writeError(w, http.StatusInternalServerError, "quote failed")
	}
}

type priceResponse struct {
	GoldPrice  string    `json:"gold_price"`
	ValidUntil time.Time `json:"valid_until"`
}

// handlePrice serves the poller-maintained reference price: fiat per unit of
// gold, derived from a standing one-unit sell quote.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		s.writeError(w, http.StatusServiceUnavailable, "price feed not configured")
		return
	}
	q, ok := s.prices.Latest()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "price not yet available")
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		GoldPrice:  s.impliedPrice(ledger.DirectionSell, q).String(),
		ValidUntil: q.ValidUntil,
	})
}

type settlementRequest struct {
	UserID            string          `json:"user_id"`
	Direction         string          `json:"direction"`
	FiatAmount        decimal.Decimal `json:"fiat_amount"`
	GoldAmount        decimal.Decimal `json:"gold_amount"`
	SlippageBps       int64           `json:"slippage_bps"`
	SettleToFiat      bool            `json:"settle_to_fiat"`
	PayoutDestination string          `json:"payout_destination"`
	WalletAddress     string          `json:"wallet_address"`
}

type settlementResponse struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Direction      string    `json:"direction"`
	FiatAmount     string    `json:"fiat_amount"`
	GoldAmount     string    `json:"gold_amount"`
	GoldPrice      string    `json:"gold_price_at_quote"`
	SwapTxRef      *string   `json:"swap_tx_ref,omitempty"`
	SettlementRef  *string   `json:"settlement_tx_ref,omitempty"`
	ErrorDetail    *string   `json:"error_detail,omitempty"`
	NeedsReview    bool      `json:"needs_review"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    *string   `json:"completed_at,omitempty"`
	QuoteValidTill time.Time `json:"quote_valid_until,omitempty"`
}

func (s *Server) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	direction := ledger.Direction(strings.ToUpper(strings.TrimSpace(req.Direction)))
	if direction != ledger.DirectionBuy && direction != ledger.DirectionSell {
		s.writeError(w, http.StatusBadRequest, errBadDirection.Error())
		return
	}
	userAddress := strings.TrimSpace(req.WalletAddress)
	if !common.IsHexAddress(userAddress) {
		s.writeError(w, http.StatusBadRequest, "wallet_address must be a valid address")
		return
	}
	if direction == ledger.DirectionSell && req.SettleToFiat && strings.TrimSpace(req.PayoutDestination) == "" {
		s.writeError(w, http.StatusBadRequest, "payout_destination required for fiat-settled sells")
		return
	}

	if direction == ledger.DirectionBuy && s.cfg.DailyBuyCap.Sign() > 0 {
		midnight := s.now().UTC().Truncate(24 * time.Hour)
		spent, err := s.store.SumBuyFiatSince(r.Context(), userID, midnight)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "cap check failed")
			return
		}
		if spent.Add(req.FiatAmount).GreaterThan(s.cfg.DailyBuyCap) {
			s.writeError(w, http.StatusUnprocessableEntity, "daily buy cap exceeded")
			return
		}
	}

	slippage := req.SlippageBps
	if slippage == 0 {
		slippage = -1
	}
	q, err := s.quoteFor(r.Context(), direction, req.FiatAmount, req.GoldAmount, slippage)
	if err != nil {
		s.writeQuoteError(w, err)
		return
	}

	tx := &ledger.Transaction{
		UserID:           userID,
		Direction:        direction,
		FiatAmount:       req.FiatAmount,
		GoldAmount:       req.GoldAmount,
		GoldPriceAtQuote: s.impliedPrice(direction, q),
		SettleToFiat:     req.SettleToFiat,
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		tx.IdempotencyKey = &key
	}
	created, err := s.store.CreateTransaction(r.Context(), tx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "could not record transaction")
		return
	}
	if !created {
		// Replay of a known idempotency key returns the original record.
		writeJSON(w, http.StatusOK, toSettlementResponse(*tx))
		return
	}

	settleReq := settle.Request{
		Transaction:       *tx,
		Quote:             q,
		UserAddress:       common.HexToAddress(userAddress),
		PayoutDestination: strings.TrimSpace(req.PayoutDestination),
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SettleGrace)
		defer cancel()
		status := s.settler.Settle(ctx, settleReq)
		s.logger.Info("settlement finished",
			slog.String("tx", tx.ID.String()),
			slog.String("status", string(status)))
	}()

	resp := toSettlementResponse(*tx)
	resp.QuoteValidTill = q.ValidUntil
	writeJSON(w, http.StatusAccepted, resp)
}

// impliedPrice derives the fiat price per unit of gold from the quote.
func (s *Server) impliedPrice(direction ledger.Direction, q quote.Quote) decimal.Decimal {
	t := s.cfg.Tokens
	var goldUnits, stableUnits decimal.Decimal
	if direction == ledger.DirectionBuy {
		stableUnits = chain.FromUnits(q.InputAmount, t.StableDecimals)
		goldUnits = chain.FromUnits(q.ExpectedOutput, t.GoldDecimals)
	} else {
		goldUnits = chain.FromUnits(q.InputAmount, t.GoldDecimals)
		stableUnits = chain.FromUnits(q.ExpectedOutput, t.StableDecimals)
	}
	if goldUnits.Sign() == 0 {
		return decimal.Zero
	}
	return stableUnits.DivRound(goldUnits, 8)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	tx, err := s.store.GetTransaction(r.Context(), id)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		s.writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(tx))
}

type holdingResponse struct {
	UserID        string  `json:"user_id"`
	GoldAmount    string  `json:"gold_amount"`
	TotalInvested string  `json:"total_invested"`
	AverageCost   *string `json:"average_cost"`
}

func (s *Server) handleGetHolding(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user"))
	holding, err := s.store.GetHolding(r.Context(), userID)
	if errors.Is(err, ledger.ErrNoHolding) {
		s.writeError(w, http.StatusNotFound, "no holding for user")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	resp := holdingResponse{
		UserID:        holding.UserID,
		GoldAmount:    holding.GoldAmount.String(),
		TotalInvested: holding.TotalInvested.String(),
	}
	if holding.AverageCost.Valid {
		cost := holding.AverageCost.Decimal.String()
		resp.AverageCost = &cost
	}
	writeJSON(w, http.StatusOK, resp)
}

type treasuryResponse struct {
	Address string  `json:"address"`
	Gold    *string `json:"gold_balance"`
	Stable  *string `json:"stable_balance"`
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	resp := treasuryResponse{Address: s.treasury.Hex()}
	if s.gold != nil {
		if balance, err := s.gold.Balance(r.Context(), s.treasury); err == nil {
			v := balance.String()
			resp.Gold = &v
		}
	}
	if s.stable != nil {
		if balance, err := s.stable.Balance(r.Context(), s.treasury); err == nil {
			v := balance.String()
			resp.Stable = &v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.store.ReviewQueue(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	out := make([]settlementResponse, 0, len(queue))
	for _, tx := range queue {
		out = append(out, toSettlementResponse(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Note) == "" {
		s.writeError(w, http.StatusBadRequest, "note required")
		return
	}
	err = s.store.ResolveReview(r.Context(), id, req.Note)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		s.writeError(w, http.StatusNotFound, "no flagged transaction with that id")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func toSettlementResponse(tx ledger.Transaction) settlementResponse {
	resp := settlementResponse{
		ID:            tx.ID.String(),
		Status:        string(tx.Status),
		Direction:     string(tx.Direction),
		FiatAmount:    tx.FiatAmount.String(),
		GoldAmount:    tx.GoldAmount.String(),
		GoldPrice:     tx.GoldPriceAtQuote.String(),
		SwapTxRef:     tx.SwapTxRef,
		SettlementRef: tx.SettlementTxRef,
		ErrorDetail:   tx.ErrorDetail,
		NeedsReview:   tx.NeedsReview,
		CreatedAt:     tx.CreatedAt,
	}
	if tx.CompletedAt != nil {
		v := tx.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}

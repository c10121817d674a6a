package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendingcore/services/lending/audit"
	"lendingcore/services/lending/engine"
)

// EventSource serves the persisted event log.
type EventSource interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

// Service exposes the lending engine over HTTP.
type Service struct {
	engine   engine.Engine
	events   EventSource
	logger   *slog.Logger
	validate *validator.Validate
}

// New constructs a new lending service instance. events may be nil, in which
// case the event route reports the log as unavailable.
func New(eng engine.Engine, events EventSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   eng,
		events:   events,
		logger:   logger.With("component", "lending_http"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RouterOptions wires the cross-cutting middleware.
type RouterOptions struct {
	Auth        *Authenticator
	RateLimiter *RateLimiter
	// Metrics serves /metrics; defaults to the global Prometheus handler.
	Metrics http.Handler
}

// Routes builds the HTTP handler. Reads are public; mutations need a bearer
// token and administrative routes additionally need the admin scope.
func (s *Service) Routes(opts RouterOptions) http.Handler {
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthenticator(AuthConfig{}, s.log())
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	limit := opts.RateLimiter.Middleware

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogging(s.log()))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics)

	r.Route("/v1", func(v chi.Router) {
		v.Group(func(pub chi.Router) {
			pub.Use(limit)
			pub.Get("/markets", s.listMarkets)
			pub.Get("/markets/{asset}", s.getMarket)
			pub.Get("/accounts/{user}/positions/{asset}", s.getPosition)
			pub.Post("/accounts/{user}/valuation", s.getValuation)
			pub.Get("/events", s.listEvents)
		})
		v.Group(func(user chi.Router) {
			user.Use(auth.Middleware(), limit)
			user.Post("/deposit", s.deposit)
			user.Post("/withdraw", s.withdraw)
			user.Post("/borrow", s.borrow)
			user.Post("/repay", s.repay)
			user.Post("/liquidate", s.liquidate)
			user.Post("/approve", s.approve)
		})
		v.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.Middleware(auth.AdminScope()), limit)
			admin.Post("/markets", s.listMarket)
			admin.Post("/reserves/withdraw", s.withdrawReserves)
			admin.Post("/prices", s.setPrice)
			admin.Post("/mint", s.mint)
		})
	})
	return otelhttp.NewHandler(r, "lending.http")
}

type amountRequest struct {
	Asset  string `json:"asset" validate:"required"`
	Amount string `json:"amount" validate:"required,numeric"`
}

type withdrawRequest struct {
	Asset      string   `json:"asset" validate:"required"`
	Amount     string   `json:"amount" validate:"required,numeric"`
	Collateral []string `json:"collateral" validate:"dive,required"`
	Debt       []string `json:"debt" validate:"dive,required"`
}

type borrowRequest struct {
	Asset      string   `json:"asset" validate:"required"`
	Amount     string   `json:"amount" validate:"required,numeric"`
	Collateral []string `json:"collateral" validate:"dive,required"`
}

type repayRequest struct {
	Asset      string `json:"asset" validate:"required"`
	Amount     string `json:"amount" validate:"required,numeric"`
	OnBehalfOf string `json:"onBehalfOf" validate:"omitempty,eth_addr"`
}

type liquidateRequest struct {
	Borrower   string   `json:"borrower" validate:"required,eth_addr"`
	RepayAsset string   `json:"repayAsset" validate:"required"`
	SeizeAsset string   `json:"seizeAsset" validate:"required"`
	Amount     string   `json:"amount" validate:"required,numeric"`
	Collateral []string `json:"collateral" validate:"dive,required"`
	Debt       []string `json:"debt" validate:"dive,required"`
}

type valuationRequest struct {
	Collateral []string `json:"collateral" validate:"dive,required"`
	Debt       []string `json:"debt" validate:"dive,required"`
}

type listMarketRequest struct {
	Asset                   string           `json:"asset" validate:"required,eth_addr"`
	Symbol                  string           `json:"symbol" validate:"required,alphanum,max=16"`
	Decimals                uint8            `json:"decimals" validate:"lte=36"`
	PriceUSD                string           `json:"priceUsd" validate:"omitempty,numeric"`
	ReserveFactorBps        uint64           `json:"reserveFactorBps" validate:"lte=10000"`
	LTVBps                  uint64           `json:"ltvBps" validate:"lte=10000"`
	LiquidationThresholdBps uint64           `json:"liquidationThresholdBps" validate:"lte=10000,gtefield=LTVBps"`
	RateModel               rateModelRequest `json:"rateModel"`
}

type rateModelRequest struct {
	Kind            string `json:"kind" validate:"omitempty,oneof=linear kinked"`
	BasePerSecond   string `json:"basePerSecond" validate:"omitempty,numeric"`
	SlopePerSecond  string `json:"slopePerSecond" validate:"omitempty,numeric"`
	Slope2PerSecond string `json:"slope2PerSecond" validate:"omitempty,numeric"`
	BaseAPR         string `json:"baseApr" validate:"omitempty,numeric"`
	SlopeAPR        string `json:"slopeApr" validate:"omitempty,numeric"`
	Slope2APR       string `json:"slope2Apr" validate:"omitempty,numeric"`
	Kink            string `json:"kink" validate:"omitempty,numeric"`
}

type reservesRequest struct {
	Asset  string `json:"asset" validate:"required"`
	Amount string `json:"amount" validate:"required,numeric"`
	To     string `json:"to" validate:"omitempty,eth_addr"`
}

type priceRequest struct {
	Asset    string `json:"asset" validate:"required"`
	PriceUSD string `json:"priceUsd" validate:"required,numeric"`
}

type mintRequest struct {
	Asset  string `json:"asset" validate:"required"`
	To     string `json:"to" validate:"required,eth_addr"`
	Amount string `json:"amount" validate:"required,numeric"`
}

type statusResponse struct {
	Status string `json:"status"`
}

var accepted = statusResponse{Status: "ok"}

type repayResponse struct {
	Repaid string `json:"repaid"`
}

type eventResponse struct {
	Seq        uint64            `json:"seq"`
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	Account    string            `json:"account,omitempty"`
	Asset      string            `json:"asset,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (s *Service) listMarkets(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "list_markets") {
		return
	}
	markets, err := s.engine.ListMarkets(r.Context())
	if err != nil {
		s.writeError(w, "list_markets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

func (s *Service) getMarket(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "get_market") {
		return
	}
	market, err := s.engine.GetMarket(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, "get_market", err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

func (s *Service) getPosition(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "get_position") {
		return
	}
	position, err := s.engine.GetPosition(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, "get_position", err)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (s *Service) getValuation(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "get_valuation") {
		return
	}
	var req valuationRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "get_valuation", err)
		return
	}
	valuation, err := s.engine.GetValuation(r.Context(), chi.URLParam(r, "user"), req.Collateral, req.Debt)
	if err != nil {
		s.writeError(w, "get_valuation", err)
		return
	}
	writeJSON(w, http.StatusOK, valuation)
}

func (s *Service) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, "list_events", fmt.Errorf("%w: event log disabled", engine.ErrUnavailable))
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, "list_events", err)
		return
	}
	records, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, "list_events", err)
		return
	}
	out := make([]eventResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, eventResponse{
			Seq:        rec.Seq,
			ID:         rec.ID,
			Type:       rec.Type,
			Account:    rec.Account,
			Asset:      rec.Asset,
			Attributes: rec.Attrs(),
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		Type:    strings.TrimSpace(q.Get("type")),
		Account: strings.TrimSpace(q.Get("account")),
		Asset:   strings.TrimSpace(q.Get("asset")),
	}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("%w: after must be a sequence number", engine.ErrInvalidInput)
		}
		filter.AfterSeq = after
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return audit.Filter{}, fmt.Errorf("%w: limit must be a positive integer", engine.ErrInvalidInput)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Service) deposit(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "deposit") {
		return
	}
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "deposit", err)
		return
	}
	if err := s.engine.Deposit(r.Context(), callerOf(r), req.Asset, req.Amount); err != nil {
		s.writeError(w, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Service) withdraw(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "withdraw") {
		return
	}
	var req withdrawRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "withdraw", err)
		return
	}
	if err := s.engine.Withdraw(r.Context(), callerOf(r), req.Asset, req.Amount, req.Collateral, req.Debt); err != nil {
		s.writeError(w, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Service) borrow(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "borrow") {
		return
	}
	var req borrowRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "borrow", err)
		return
	}
	if err := s.engine.Borrow(r.Context(), callerOf(r), req.Asset, req.Amount, req.Collateral); err != nil {
		s.writeError(w, "borrow", err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Service) repay(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "repay") {
		return
	}
	var req repayRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "repay", err)
		return
	}
	repaid, err := s.engine.Repay(r.Context(), callerOf(r), req.Asset, req.Amount, req.OnBehalfOf)
	if err != nil {
		s.writeError(w, "repay", err)
		return
	}
	writeJSON(w, http.StatusOK, repayResponse{Repaid: repaid})
}

func (s *Service) liquidate(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "liquidate") {
		return
	}
	var req liquidateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "liquidate", err)
		return
	}
	outcome, err := s.engine.Liquidate(r.Context(), engine.LiquidateRequest{
		Liquidator: callerOf(r),
		Borrower:   req.Borrower,
		RepayAsset: req.RepayAsset,
		SeizeAsset: req.SeizeAsset,
		Amount:     req.Amount,
		Collateral: req.Collateral,
		Debt:       req.Debt,
	})
	if err != nil {
		s.writeError(w, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Service) approve(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "approve") {
		return
	}
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "approve", err)
		return
	}
	if err := s.engine.Approve(r.Context(), callerOf(r), req.Asset, req.Amount); err != nil {
		s.writeError(w, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Service) listMarket(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "list_market") {
		return
	}
	var req listMarketRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "list_market", err)
		return
	}
	err := s.engine.ListMarket(r.Context(), callerOf(r), engine.ListMarketRequest{
		Asset:                   req.Asset,
		Symbol:                  req.Symbol,
		Decimals:                req.Decimals,
		PriceUSD:                req.PriceUSD,
		ReserveFactorBps:        req.ReserveFactorBps,
		LTVBps:                  req.LTVBps,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
		RateModel: engine.RateModel{
			Kind:            req.RateModel.Kind,
			BasePerSecond:   req.RateModel.BasePerSecond,
			SlopePerSecond:  req.RateModel.SlopePerSecond,
			Slope2PerSecond: req.RateModel.Slope2PerSecond,
			BaseAPR:         req.RateModel.BaseAPR,
			SlopeAPR:        req.RateModel.SlopeAPR,
			Slope2APR:       req.RateModel.Slope2APR,
			Kink:            req.RateModel.Kink,
		},
	})
	if err != nil {
		s.writeError(w, "list_market", err)
		return
	}
	writeJSON(w, http.StatusCreated, accepted)
}

func (s *Service) withdrawReserves(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "withdraw_reserves") {
		return
	}
	var req reservesRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "withdraw_reserves", err)
		return
	}
	if err := s.engine.WithdrawReserves(r.Context(), callerOf(r), req.Asset, req.Amount, req.To); err != nil {
		s.writeError(w, "withdraw_reserves", err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Service) setPrice(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "set_price") {
		return
	}
	var req priceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "set_price", err)
		return
	}
	if err := s.engine.SetPrice(r.Context(), callerOf(r), req.Asset, req.PriceUSD); err != nil {
		s.writeError(w, "set_price", err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Service) mint(w http.ResponseWriter, r *http.Request) {
	if !s.ensureEngine(w, "mint") {
		return
	}
	var req mintRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, "mint", err)
		return
	}
	if err := s.engine.Mint(r.Context(), callerOf(r), req.Asset, req.To, req.Amount); err != nil {
		s.writeError(w, "mint", err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func callerOf(r *http.Request) string {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		return ""
	}
	return p.Address.Hex()
}

func (s *Service) ensureEngine(w http.ResponseWriter, action string) bool {
	if s == nil || s.engine == nil {
		s.writeError(w, action, fmt.Errorf("%w: lending engine unavailable", engine.ErrUnavailable))
		return false
	}
	return true
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

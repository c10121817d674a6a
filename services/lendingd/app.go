package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"lendingcore/core/events"
	"lendingcore/native/lending"
	"lendingcore/native/oracle"
	"lendingcore/native/tokens"
	"lendingcore/observability"
	"lendingcore/services/lending/audit"
	"lendingcore/services/lending/engine"
	lendingserver "lendingcore/services/lending/server"
	"lendingcore/services/lendingd/config"
)

// app is the assembled daemon: the engine behind its host, the audit store
// and the HTTP handler serving both.
type app struct {
	host    *engine.Host
	store   *audit.Store
	handler http.Handler
}

type appMetrics struct {
	lending *observability.LendingMetrics
	events  *observability.EventMetrics
	handler http.Handler
}

func defaultMetrics() appMetrics {
	return appMetrics{lending: observability.Lending(), events: observability.Events()}
}

func newApp(cfg config.Config, genesis lending.Config, metrics appMetrics, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eng, err := lending.NewEngine(common.HexToAddress(genesis.Owner), genesis.Liquidation)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	ledger := tokens.NewLedger(cfg.CustodyAddress())
	prices := oracle.NewManual(0)
	feeds := oracle.NewAggregator(cfg.OracleMaxAge)
	feeds.Register("manual", prices)
	for _, m := range genesis.Markets {
		asset := common.HexToAddress(m.Address)
		if err := ledger.Register(asset, m.Symbol, m.Decimals); err != nil {
			return nil, fmt.Errorf("register %s: %w", m.Symbol, err)
		}
		if m.PriceUSD == "" {
			continue
		}
		if err := prices.SetDecimal(asset, m.PriceUSD); err != nil {
			return nil, fmt.Errorf("price %s: %w", m.Symbol, err)
		}
	}
	eng.SetAssetTransfer(ledger)
	eng.SetPriceProvider(feeds)

	store, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN, logger)
	if err != nil {
		return nil, err
	}
	eng.SetEmitter(events.MultiEmitter{store, metrics.events})
	if err := genesis.Apply(eng); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("apply genesis: %w", err)
	}

	host, err := engine.NewHost(eng, ledger, prices, engine.Options{
		Quota:   cfg.Quota,
		Metrics: metrics.lending,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc := lendingserver.New(host, store, logger)
	handler := svc.Routes(lendingserver.RouterOptions{
		Auth: lendingserver.NewAuthenticator(lendingserver.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			AdminScope: cfg.Auth.AdminScope,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		RateLimiter: lendingserver.NewRateLimiter(lendingserver.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}, metrics.lending),
		Metrics: metrics.handler,
	})

	logger.Info("lending markets listed", "markets", len(genesis.Markets), "owner", genesis.Owner)
	return &app{host: host, store: store, handler: handler}, nil
}

func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

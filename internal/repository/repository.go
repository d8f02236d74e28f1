package repository

import (
	"kline-feed/config"
	"kline-feed/pkg/httpclient"
	"kline-feed/pkg/logger"
	"kline-feed/pkg/metrics"
)

type Repository struct {
	MarketDataRepo MarketDataRepository
}

// NewRepository wires one market data client over a single pooled
// transport; every poller built from it shares that pool.
func NewRepository(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) *Repository {
	transport := httpclient.New(cfg.Mexc.BaseURL, cfg.Mexc.Timeout, cfg.Mexc.UserAgent)
	return &Repository{
		MarketDataRepo: NewMarketDataRepository(cfg.Mexc, transport, log, m),
	}
}

func (r *Repository) Close() {
	r.MarketDataRepo.Close()
}

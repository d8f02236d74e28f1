package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"kline-feed/config"
	"kline-feed/internal/repository"
	"kline-feed/pkg/cache"
	"kline-feed/pkg/logger"
	"kline-feed/pkg/metrics"
)

type Service struct {
	MarketService MarketService
	PriceSink     *PriceSink
	Pollers       []*Poller
}

// NewService builds one poller per configured symbol. Each poller feeds the
// shared price sink.
func NewService(
	cfg *config.Config,
	log *logger.Logger,
	repo *repository.Repository,
	inmemoryCache cache.Cache,
	m *metrics.Metrics,
) *Service {
	sink := NewPriceSink(inmemoryCache, cfg.Cache.DefaultExpiration, log)

	pollers := make([]*Poller, 0, len(cfg.Poller.Symbols))
	for _, symbol := range cfg.Poller.Symbols {
		pollers = append(pollers, NewPoller(
			NewPollerConfig(cfg.Poller, symbol),
			repo.MarketDataRepo,
			sink.Handler(symbol, cfg.Poller.Interval),
			log,
			m,
		))
	}

	return &Service{
		MarketService: NewMarketService(log, repo.MarketDataRepo, sink, cfg.Poller.PollInterval),
		PriceSink:     sink,
		Pollers:       pollers,
	}
}

func (s *Service) StartPollers(ctx context.Context) error {
	for _, p := range s.Pollers {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopPollers stops every poller concurrently and waits for all of them.
func (s *Service) StopPollers(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range s.Pollers {
		p := p
		g.Go(func() error {
			return p.Stop(ctx)
		})
	}
	return g.Wait()
}

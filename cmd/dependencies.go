package cmd

import (
	"context"

	"kline-feed/config"
	"kline-feed/pkg/cache"
	"kline-feed/pkg/logger"
	"kline-feed/pkg/metrics"

	goValidator "github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type AppDependency struct {
	cfg        *config.Config
	log        *logger.Logger
	validator  *goValidator.Validate
	echo       *echo.Echo
	cache      cache.Cache
	prometheus *metrics.Prometheus
}

func NewAppDependency(ctx context.Context) (*AppDependency, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return &AppDependency{
		cfg:        cfg,
		log:        log,
		validator:  goValidator.New(),
		echo:       e,
		cache:      cache.NewCache(cfg.Cache.DefaultExpiration, cfg.Cache.CleanupInterval),
		prometheus: metrics.NewPrometheus(),
	}, nil
}

func (d *AppDependency) Close() error {
	d.log.Info("Closing app dependency")
	// Sync fails on stdout/stderr for most platforms.
	_ = d.log.Sync()
	return nil
}

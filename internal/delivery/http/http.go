package http

import (
	"context"
	"net/http"

	"kline-feed/config"
	"kline-feed/internal/service"
	"kline-feed/pkg/middleware"

	goValidator "github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type HttpAPIHandler struct {
	echo           *echo.Echo
	validator      *goValidator.Validate
	service        *service.Service
	cfg            *config.Config
	metricsHandler http.Handler
}

func NewHttpAPIHandler(
	ctx context.Context,
	echo *echo.Echo,
	validator *goValidator.Validate,
	service *service.Service,
	cfg *config.Config,
	metricsHandler http.Handler,
) *HttpAPIHandler {
	return &HttpAPIHandler{
		echo:           echo,
		validator:      validator,
		service:        service,
		cfg:            cfg,
		metricsHandler: metricsHandler,
	}
}

func (h *HttpAPIHandler) SetupRoutes() {
	h.echo.GET("/health", h.health)
	if h.metricsHandler != nil {
		h.echo.GET("/metrics", echo.WrapHandler(h.metricsHandler))
	}

	base := h.echo.Group("/api", middleware.NewRateLimiterMiddleware(h.cfg.API.RateLimit, h.cfg.API.RateBurst))
	h.SetupMarket(base)
}

type pollerStatus struct {
	Symbol    string `json:"symbol"`
	State     string `json:"state"`
	Watermark *int64 `json:"watermark,omitempty"`
}

func (h *HttpAPIHandler) health(c echo.Context) error {
	statuses := make([]pollerStatus, 0, len(h.service.Pollers))
	for _, p := range h.service.Pollers {
		status := pollerStatus{
			Symbol: p.Symbol(),
			State:  p.State().String(),
		}
		if wm, ok := p.Watermark(); ok {
			status.Watermark = &wm
		}
		statuses = append(statuses, status)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"pollers": statuses,
	})
}

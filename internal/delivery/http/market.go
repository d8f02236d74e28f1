package http

import (
	"errors"
	"net/http"
	"strings"

	"kline-feed/internal/dto"
	"kline-feed/internal/repository"

	"github.com/labstack/echo/v4"
)

const defaultKlineLimit = 100

func (h *HttpAPIHandler) SetupMarket(base *echo.Group) {
	v1 := base.Group("/v1")
	{
		v1.GET("/klines", h.getKlines)
		v1.GET("/prices/:symbol", h.getLatestPrice)
	}
}

// getKlines proxies one FetchKlines call. format=raw returns the positional
// array form instead of objects.
func (h *HttpAPIHandler) getKlines(c echo.Context) error {
	param := dto.GetKlinesParam{
		Interval: h.cfg.Poller.Interval,
		Limit:    defaultKlineLimit,
	}
	var format string
	var startTime, endTime int64
	err := echo.QueryParamsBinder(c).
		MustString("symbol", &param.Symbol).
		String("interval", &param.Interval).
		Int("limit", &param.Limit).
		Int64("startTime", &startTime).
		Int64("endTime", &endTime).
		String("format", &format).
		BindError()
	if err != nil {
		return c.JSON(http.StatusBadRequest, dto.NewBadRequestResponse(err.Error()))
	}
	param.Symbol = normalizeSymbol(param.Symbol)
	if c.QueryParam("startTime") != "" {
		param.StartTime = &startTime
	}
	if c.QueryParam("endTime") != "" {
		param.EndTime = &endTime
	}

	klines, err := h.service.MarketService.GetKlines(c.Request().Context(), param)
	if err != nil {
		return errorResponse(c, err)
	}

	if strings.EqualFold(format, "raw") {
		records := make([][]interface{}, 0, len(klines))
		for _, k := range klines {
			records = append(records, k.ToRecord())
		}
		return c.JSON(http.StatusOK, dto.NewSuccessResponse("OK", records))
	}
	return c.JSON(http.StatusOK, dto.NewSuccessResponse("OK", klines))
}

func (h *HttpAPIHandler) getLatestPrice(c echo.Context) error {
	req := new(dto.PriceRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, dto.NewBadRequestResponse("invalid request"))
	}
	if req.Interval == "" {
		req.Interval = h.cfg.Poller.Interval
	}
	if err := h.validator.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, dto.NewBadRequestResponse(err.Error()))
	}

	price, err := h.service.MarketService.GetLatestPrice(c.Request().Context(), normalizeSymbol(req.Symbol), req.Interval)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, dto.NewSuccessResponse("OK", price))
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func errorResponse(c echo.Context, err error) error {
	code := statusFor(err)
	return c.JSON(code, dto.NewBaseResponse(code, err.Error(), nil))
}

func statusFor(err error) int {
	var (
		validationErr *repository.ValidationError
		rateLimitErr  *repository.RateLimitError
		apiErr        *repository.ApiError
		networkErr    *repository.NetworkError
		parseErr      *repository.ParseError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrEmptyKlines):
		return http.StatusNotFound
	case errors.As(err, &rateLimitErr):
		return http.StatusTooManyRequests
	case errors.As(err, &apiErr), errors.As(err, &parseErr):
		return http.StatusBadGateway
	case errors.As(err, &networkErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package service

import (
	"context"

	"kline-feed/internal/dto"
)

// KlineHandler receives candles that closed after the poller's watermark,
// in ascending close_time order. The poller waits for HandleKlines to return
// before polling again and never calls it concurrently for one subscription.
// Returning an error leaves the watermark untouched, so the same candles are
// offered again next cycle: delivery is at-least-once.
type KlineHandler interface {
	HandleKlines(ctx context.Context, klines []dto.KlineData) error
}

// ImmediateHandler adapts a function that does its work inline and returns.
type ImmediateHandler func(klines []dto.KlineData) error

func (f ImmediateHandler) HandleKlines(_ context.Context, klines []dto.KlineData) error {
	return f(klines)
}

// SuspendingHandler adapts a function that may block on I/O. It receives the
// poller's iteration context, which is not cancelled by Stop.
type SuspendingHandler func(ctx context.Context, klines []dto.KlineData) error

func (f SuspendingHandler) HandleKlines(ctx context.Context, klines []dto.KlineData) error {
	return f(ctx, klines)
}

func discardHandler() KlineHandler {
	return ImmediateHandler(func([]dto.KlineData) error { return nil })
}

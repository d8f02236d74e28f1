package dto

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval60m Interval = "60m"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

func GetIntervalList() []Interval {
	return []Interval{
		Interval1m, Interval5m, Interval15m, Interval30m, Interval60m,
		Interval4h, Interval1d, Interval1w, Interval1M,
	}
}

func (i Interval) Valid() bool {
	for _, v := range GetIntervalList() {
		if v == i {
			return true
		}
	}
	return false
}

// KlineData is one candlestick. Values are built once per upstream record and
// never modified afterwards.
type KlineData struct {
	OpenTime    int64           `json:"openTime"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	CloseTime   int64           `json:"closeTime"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`

	// Extended fields, present only when the upstream record carries them.
	TradeCount          *int64              `json:"tradeCount,omitempty"`
	TakerBuyBaseVolume  decimal.NullDecimal `json:"takerBuyBaseVolume"`
	TakerBuyQuoteVolume decimal.NullDecimal `json:"takerBuyQuoteVolume"`
}

func (k KlineData) OpenTimeUTC() time.Time {
	return time.UnixMilli(k.OpenTime).UTC()
}

func (k KlineData) CloseTimeUTC() time.Time {
	return time.UnixMilli(k.CloseTime).UTC()
}

// ToRecord converts the candle back into the positional transport form.
// Decimal fields are rendered with their original scale.
func (k KlineData) ToRecord() []interface{} {
	record := []interface{}{
		k.OpenTime,
		FormatDecimal(k.Open),
		FormatDecimal(k.High),
		FormatDecimal(k.Low),
		FormatDecimal(k.Close),
		FormatDecimal(k.Volume),
		k.CloseTime,
		FormatDecimal(k.QuoteVolume),
	}

	extended := 0
	switch {
	case k.TakerBuyQuoteVolume.Valid:
		extended = 3
	case k.TakerBuyBaseVolume.Valid:
		extended = 2
	case k.TradeCount != nil:
		extended = 1
	}
	if extended >= 1 {
		var trades int64
		if k.TradeCount != nil {
			trades = *k.TradeCount
		}
		record = append(record, trades)
	}
	if extended >= 2 {
		record = append(record, FormatDecimal(k.TakerBuyBaseVolume.Decimal))
	}
	if extended >= 3 {
		record = append(record, FormatDecimal(k.TakerBuyQuoteVolume.Decimal))
	}
	return record
}

type klineJSON struct {
	OpenTime            int64   `json:"openTime"`
	Open                string  `json:"open"`
	High                string  `json:"high"`
	Low                 string  `json:"low"`
	Close               string  `json:"close"`
	Volume              string  `json:"volume"`
	CloseTime           int64   `json:"closeTime"`
	QuoteVolume         string  `json:"quoteVolume"`
	TradeCount          *int64  `json:"tradeCount,omitempty"`
	TakerBuyBaseVolume  *string `json:"takerBuyBaseVolume,omitempty"`
	TakerBuyQuoteVolume *string `json:"takerBuyQuoteVolume,omitempty"`
}

// MarshalJSON renders decimals with their upstream scale, matching ToRecord.
func (k KlineData) MarshalJSON() ([]byte, error) {
	out := klineJSON{
		OpenTime:    k.OpenTime,
		Open:        FormatDecimal(k.Open),
		High:        FormatDecimal(k.High),
		Low:         FormatDecimal(k.Low),
		Close:       FormatDecimal(k.Close),
		Volume:      FormatDecimal(k.Volume),
		CloseTime:   k.CloseTime,
		QuoteVolume: FormatDecimal(k.QuoteVolume),
		TradeCount:  k.TradeCount,
	}
	if k.TakerBuyBaseVolume.Valid {
		v := FormatDecimal(k.TakerBuyBaseVolume.Decimal)
		out.TakerBuyBaseVolume = &v
	}
	if k.TakerBuyQuoteVolume.Valid {
		v := FormatDecimal(k.TakerBuyQuoteVolume.Decimal)
		out.TakerBuyQuoteVolume = &v
	}
	return json.Marshal(out)
}

// FormatDecimal keeps trailing zeros that decimal.String would drop, so
// "29000.00" survives a parse/format cycle unchanged.
func FormatDecimal(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// GetKlinesParam is a request for historical candles of one series.
type GetKlinesParam struct {
	Symbol    string `json:"symbol" validate:"required"`
	Interval  string `json:"interval" validate:"required,oneof=1m 5m 15m 30m 60m 4h 1d 1w 1M"`
	Limit     int    `json:"limit" validate:"min=1,max=1000"`
	StartTime *int64 `json:"startTime,omitempty" validate:"omitempty,gte=0"`
	EndTime   *int64 `json:"endTime,omitempty" validate:"omitempty,gte=0"`
}

type LatestPrice struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	Price     decimal.Decimal `json:"price"`
	CloseTime int64           `json:"closeTime"`
}

func (p LatestPrice) MarshalJSON() ([]byte, error) {
	type latestPriceJSON struct {
		Symbol    string `json:"symbol"`
		Interval  string `json:"interval"`
		Price     string `json:"price"`
		CloseTime int64  `json:"closeTime"`
	}
	return json.Marshal(latestPriceJSON{
		Symbol:    p.Symbol,
		Interval:  p.Interval,
		Price:     FormatDecimal(p.Price),
		CloseTime: p.CloseTime,
	})
}

type PriceRequest struct {
	Symbol   string `param:"symbol" validate:"required"`
	Interval string `query:"interval" validate:"required,oneof=1m 5m 15m 30m 60m 4h 1d 1w 1M"`
}

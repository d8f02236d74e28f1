package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"kline-feed/internal/dto"

	"github.com/shopspring/decimal"
)

const minKlineFields = 8

var errMissingValue = errors.New("missing value")

// ParseError reports an upstream payload that does not match the positional
// kline layout. It is not retried: the same request returns the same body.
type ParseError struct {
	Index int
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed kline payload: %v", e.Err)
	}
	return fmt.Sprintf("malformed kline record %d: field %s: %v", e.Index, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Retryable() bool { return false }

// parseKlines decodes the positional array-of-arrays payload.
func parseKlines(body []byte) ([]dto.KlineData, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, &ParseError{Index: -1, Err: err}
	}

	result := make([]dto.KlineData, 0, len(records))
	for i, raw := range records {
		var fields []json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, &ParseError{Index: i, Field: "record", Err: err}
		}
		k, err := parseKlineRecord(fields)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.Index = i
			}
			return nil, err
		}
		result = append(result, k)
	}
	return result, nil
}

func parseKlineRecord(fields []json.RawMessage) (dto.KlineData, error) {
	if len(fields) < minKlineFields {
		return dto.KlineData{}, &ParseError{Field: "record", Err: fmt.Errorf("expected at least %d fields, got %d", minKlineFields, len(fields))}
	}

	var k dto.KlineData
	var err error
	if k.OpenTime, err = parseInt(fields[0]); err != nil {
		return k, &ParseError{Field: "open_time", Err: err}
	}
	decimals := []struct {
		name string
		dst  *decimal.Decimal
		raw  json.RawMessage
	}{
		{"open", &k.Open, fields[1]},
		{"high", &k.High, fields[2]},
		{"low", &k.Low, fields[3]},
		{"close", &k.Close, fields[4]},
		{"volume", &k.Volume, fields[5]},
		{"quote_volume", &k.QuoteVolume, fields[7]},
	}
	for _, d := range decimals {
		if *d.dst, err = parseDecimal(d.raw); err != nil {
			return k, &ParseError{Field: d.name, Err: err}
		}
	}
	if k.CloseTime, err = parseInt(fields[6]); err != nil {
		return k, &ParseError{Field: "close_time", Err: err}
	}
	if k.OpenTime >= k.CloseTime {
		return k, &ParseError{Field: "close_time", Err: fmt.Errorf("open_time %d is not before close_time %d", k.OpenTime, k.CloseTime)}
	}

	// Extended fields are best effort. Anything past index 10 is ignored.
	if len(fields) > 8 {
		if trades, err := parseInt(fields[8]); err == nil {
			k.TradeCount = &trades
		}
	}
	if len(fields) > 9 {
		if v, err := parseDecimal(fields[9]); err == nil {
			k.TakerBuyBaseVolume = decimal.NewNullDecimal(v)
		}
	}
	if len(fields) > 10 {
		if v, err := parseDecimal(fields[10]); err == nil {
			k.TakerBuyQuoteVolume = decimal.NewNullDecimal(v)
		}
	}
	return k, nil
}

// rawText returns the literal text of a JSON number or the contents of a
// JSON string.
func rawText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errMissingValue
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		if s == "" {
			return "", errMissingValue
		}
		return s, nil
	}
	return string(raw), nil
}

func parseInt(raw json.RawMessage) (int64, error) {
	s, err := rawText(raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	s, err := rawText(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

// normalizeKlines sorts by open_time and collapses duplicate open_time
// values, keeping the last occurrence. It returns how many were dropped.
func normalizeKlines(klines []dto.KlineData) ([]dto.KlineData, int) {
	if len(klines) < 2 {
		return klines, 0
	}
	sort.SliceStable(klines, func(i, j int) bool {
		return klines[i].OpenTime < klines[j].OpenTime
	})

	out := klines[:0]
	for _, k := range klines {
		if n := len(out); n > 0 && out[n-1].OpenTime == k.OpenTime {
			out[n-1] = k
			continue
		}
		out = append(out, k)
	}
	return out, len(klines) - len(out)
}

package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"kline-feed/config"
	"kline-feed/internal/dto"
	"kline-feed/internal/repository"
	"kline-feed/pkg/logger"
	"kline-feed/pkg/metrics"

	"github.com/spf13/cobra"
)

var (
	fetchSymbol   string
	fetchInterval string
	fetchLimit    int
	fetchStart    int64
	fetchEnd      int64
	fetchRaw      bool
)

var klinesCmd = &cobra.Command{
	Use:   "klines",
	Short: "Fetch one page of candles and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		param := dto.GetKlinesParam{
			Symbol:   strings.ToUpper(fetchSymbol),
			Interval: fetchInterval,
			Limit:    fetchLimit,
		}
		if cmd.Flags().Changed("start") {
			param.StartTime = &fetchStart
		}
		if cmd.Flags().Changed("end") {
			param.EndTime = &fetchEnd
		}

		return withOneShotRepo(func(repo repository.MarketDataRepository) error {
			klines, err := repo.FetchKlines(cmd.Context(), param)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if !fetchRaw {
				return enc.Encode(klines)
			}
			records := make([][]interface{}, 0, len(klines))
			for _, k := range klines {
				records = append(records, k.ToRecord())
			}
			return enc.Encode(records)
		})
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Print the close of the most recent candle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOneShotRepo(func(repo repository.MarketDataRepository) error {
			price, err := repo.LatestPrice(cmd.Context(), strings.ToUpper(fetchSymbol), fetchInterval)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), dto.FormatDecimal(price))
			return err
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{klinesCmd, priceCmd} {
		c.Flags().StringVarP(&fetchSymbol, "symbol", "s", "BTCUSDT", "trading pair, e.g. BTCUSDT")
		c.Flags().StringVarP(&fetchInterval, "interval", "i", string(dto.Interval60m), "candle interval")
	}
	klinesCmd.Flags().IntVarP(&fetchLimit, "limit", "l", 100, "number of candles, 1..1000")
	klinesCmd.Flags().Int64Var(&fetchStart, "start", 0, "start time in epoch milliseconds")
	klinesCmd.Flags().Int64Var(&fetchEnd, "end", 0, "end time in epoch milliseconds")
	klinesCmd.Flags().BoolVar(&fetchRaw, "raw", false, "print positional arrays instead of objects")
}

// withOneShotRepo loads configuration and runs fn against a client that is
// closed when fn returns.
func withOneShotRepo(fn func(repository.MarketDataRepository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	return repository.WithMarketData(cfg.Mexc, log, metrics.NewNoop(), fn)
}

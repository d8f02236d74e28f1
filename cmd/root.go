package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "kline-feed",
	Short:        "Poll MEXC candlesticks and publish them to downstream handlers",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(klinesCmd)
	rootCmd.AddCommand(priceCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

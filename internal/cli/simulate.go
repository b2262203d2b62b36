package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"btcwatch/internal/app"
)

var (
	simulatePrice  float64
	simulateBRL    float64
	simulateChange float64
	simulateVolume float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用给定行情执行一次评估周期并真实推送",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			PriceUSD:  simulatePrice,
			PriceBRL:  simulateBRL,
			Change24h: simulateChange,
			Volume24h: simulateVolume,
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "BTC price in USD")
	simulateCmd.Flags().Float64Var(&simulateBRL, "brl", 0, "BTC price in BRL (defaults to price × market.fallback_usd_brl)")
	simulateCmd.Flags().Float64Var(&simulateChange, "change", 0, "24h change in percent")
	simulateCmd.Flags().Float64Var(&simulateVolume, "volume", 0, "24h volume in USD")
}

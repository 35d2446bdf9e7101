package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/agatticelli/token-price-engine/internal/pricing"
)

var (
	priceFormat string
	nativeUSD   string
)

var priceCmd = &cobra.Command{
	Use:   "price <chain-id> <token-address>...",
	Short: "Resolve USD prices of ERC-20 tokens",
	Long: `Resolves the USD price of one or more tokens on a chain and prints them.

Examples:
  # Price two tokens on Base
  pricer price 8453 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913 0x4200000000000000000000000000000000000006

  # Use a fixed native price instead of querying the feed
  pricer price 8453 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913 --native-usd 3200

  # JSON output
  pricer price 8453 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913 --format json`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrice(cmd.Context(), args, false)
	},
}

var coinPriceCmd = &cobra.Command{
	Use:   "coin-price <chain-id> <coin-address>...",
	Short: "Resolve USD prices of coins through their creator-coin pairing",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrice(cmd.Context(), args, true)
	},
}

var nativePriceCmd = &cobra.Command{
	Use:   "native-price",
	Short: "Print the native asset's USD price",
	Args:  cobra.NoArgs,
	RunE:  runNativePrice,
}

func init() {
	rootCmd.AddCommand(priceCmd)
	rootCmd.AddCommand(coinPriceCmd)
	rootCmd.AddCommand(nativePriceCmd)

	for _, c := range []*cobra.Command{priceCmd, coinPriceCmd} {
		c.Flags().StringVar(&priceFormat, "format", "table", "Output format: table, json")
		c.Flags().StringVar(&nativeUSD, "native-usd", "", "Use this native USD price instead of the feed")
	}
}

type priceRow struct {
	ChainID  uint64 `json:"chain_id"`
	Address  string `json:"address"`
	Resolved bool   `json:"resolved"`
	PriceUSD string `json:"price_usd,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func runPrice(ctx context.Context, args []string, coin bool) error {
	if priceFormat != "table" && priceFormat != "json" {
		return fmt.Errorf("invalid format %q (must be table or json)", priceFormat)
	}

	chainID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chain id %q: %w", args[0], err)
	}

	reqs := make([]pricing.TokenRequest, 0, len(args)-1)
	for _, s := range args[1:] {
		addr, err := parseAddress(s)
		if err != nil {
			return err
		}
		reqs = append(reqs, pricing.TokenRequest{ChainID: chainID, Address: addr, Coin: coin})
	}

	var fixedNative *decimal.Decimal
	if nativeUSD != "" {
		v, err := decimal.NewFromString(nativeUSD)
		if err != nil || !v.IsPositive() {
			return fmt.Errorf("invalid --native-usd %q", nativeUSD)
		}
		fixedNative = &v
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	var prices []pricing.Price
	if fixedNative != nil {
		prices = make([]pricing.Price, len(reqs))
		for i, req := range reqs {
			if coin {
				prices[i] = a.resolver.ResolveCoinUSDPrice(ctx, req.Address, req.ChainID, fixedNative)
			} else {
				prices[i] = a.resolver.ResolveTokenUSDPrice(ctx, req.Address, req.ChainID, fixedNative)
			}
		}
	} else {
		prices = a.resolver.ResolveMany(ctx, reqs)
	}

	rows := make([]priceRow, len(reqs))
	for i, p := range prices {
		rows[i] = priceRow{
			ChainID:  chainID,
			Address:  reqs[i].Address.Hex(),
			Resolved: p.Resolved,
			Reason:   string(p.Reason),
		}
		if p.Resolved {
			rows[i].PriceUSD = p.Value.String()
		}
	}

	return printRows(rows)
}

func printRows(rows []priceRow) error {
	if priceFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN\tADDRESS\tPRICE (USD)\tSTATUS")
	for _, r := range rows {
		status := "ok"
		price := r.PriceUSD
		if !r.Resolved {
			status = r.Reason
			price = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ChainID, r.Address, price, status)
	}
	return w.Flush()
}

func runNativePrice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	v, err := a.native.ResolveNativeUSDPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve %s price: %w", a.native.Symbol(), err)
	}

	fmt.Printf("%s/USD %s\n", a.native.Symbol(), v.String())
	return nil
}

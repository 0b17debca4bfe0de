// Command verify exercises venue connectivity without trading: it builds
// every configured gateway, authenticates, and prints balances, listing
// counts, and open positions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"perp-basket-bot/internal/app"
	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/logging"

	"github.com/joho/godotenv"
)

const verifyTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	showAssets := flag.Bool("assets", false, "list tradable symbols per venue")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	gateways, _, err := app.Gateways(cfg, log)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	names := make([]string, 0, len(gateways))
	for name := range gateways {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		gw := gateways[name]
		if err := gw.Initialize(ctx); err != nil {
			fmt.Printf("%s: initialize failed: %v\n", name, err)
			failed++
			continue
		}
		balance, err := gw.AccountBalance(ctx)
		if err != nil {
			fmt.Printf("%s: balance query failed: %v\n", name, err)
			failed++
			continue
		}
		assets, err := gw.AvailableAssets(ctx)
		if err != nil {
			fmt.Printf("%s: asset listing failed: %v\n", name, err)
			failed++
			continue
		}
		positions, err := gw.Positions(ctx)
		if err != nil {
			fmt.Printf("%s: position query failed: %v\n", name, err)
			failed++
			continue
		}
		fmt.Printf("%s: balance %.2f %s (free %.2f), %d perp markets, %d open positions\n",
			name, balance.Total, balance.Asset, balance.Free, len(assets), len(positions))
		if *showAssets {
			for _, a := range assets {
				fmt.Printf("  %s min_size=%g\n", a.Symbol, a.MinSize)
			}
		}
		for _, p := range positions {
			fmt.Printf("  open: %s %s %.4f @ %.4f pnl %.4f\n", p.Symbol, p.Side, p.Size, p.EntryPrice, p.UnrealizedPnL)
		}
		_ = gw.Close()
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

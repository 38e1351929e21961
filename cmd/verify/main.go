package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/gateway/exchanges"
	"funding-arb-bot/internal/logging"
	"funding-arb-bot/internal/store"
	"funding-arb-bot/internal/store/sqlite"

	"github.com/joho/godotenv"
)

// verify checks exchange connectivity and credentials for one user without
// touching any bot state. It reads prices, balances and positions on both
// venues and can optionally dump recent funding payments.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config file")
	userID := flag.String("user", "", "user whose credentials to verify")
	fundingHours := flag.Int("funding-hours", 0, "also list funding payments over the last N hours")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if *userID == "" {
		fatal(errors.New("-user is required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	logger := logging.New(cfg.Log)
	defer logger.Sync()

	st, err := sqlite.New(cfg.Store.SQLitePath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if b, err := st.CurrentBot(ctx, *userID); err == nil {
		fmt.Printf("current bot: %s status=%s capital=%.2f\n", b.ID, b.Status, b.Capital)
	} else if errors.Is(err, store.ErrNotFound) {
		fmt.Println("current bot: none")
	} else {
		fatal(err)
	}

	factory := exchanges.NewFactory(cfg.Exchanges, logger)
	for _, exch := range []string{"bitmex", "bitfinex"} {
		if err := verifyExchange(ctx, st, factory, *userID, exch, *fundingHours); err != nil {
			fmt.Printf("%s: FAIL: %v\n", exch, err)
			os.Exit(1)
		}
	}
	fmt.Println("ok")
}

func verifyExchange(ctx context.Context, st store.Store, factory gateway.Factory, userID, exch string, fundingHours int) error {
	creds, err := st.GetCredentials(ctx, userID, exch)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	session, err := factory.Session(ctx, exch, creds)
	if err != nil {
		return err
	}

	price, err := session.FetchPrice(ctx)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	balance, err := session.FetchTotalBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	fmt.Printf("%s: price=%.4f balance=%.2f", exch, price, balance)

	pos, err := session.FetchPosition(ctx)
	switch {
	case errors.Is(err, gateway.ErrNoPosition):
		fmt.Print(" position=flat")
	case err != nil:
		return fmt.Errorf("position: %w", err)
	default:
		fmt.Printf(" position=%.4f@%.4f liq=%.4f margin=%.2f", pos.Size, pos.EntryPrice, pos.LiquidationPrice, pos.Margin)
	}
	fmt.Println()

	if fundingHours > 0 {
		since := time.Now().UTC().Add(-time.Duration(fundingHours) * time.Hour)
		payments, err := session.FundingHistory(ctx, since)
		if err != nil {
			return fmt.Errorf("funding: %w", err)
		}
		for _, p := range payments {
			fmt.Printf("  funding %s %s amount=%.6f rate=%.6f\n", p.Time.Format(time.RFC3339), p.Symbol, p.Amount, p.Rate)
		}
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

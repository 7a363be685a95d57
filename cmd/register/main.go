// Command register creates a new agent and prints its token. The token is
// not written anywhere; put it in SPACETRADERS_TOKEN yourself.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/papaburgs/spacetraders-zero/internal/api"
	"github.com/papaburgs/spacetraders-zero/internal/config"
	"github.com/papaburgs/spacetraders-zero/internal/logging"
)

type registerEnv struct {
	AccountToken string `env:"SPACETRADERS_ACCOUNT_TOKEN"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("registration failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var renv registerEnv
	if err := env.Parse(&renv); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	fs := pflag.NewFlagSet("register", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	symbol := fs.String("symbol", fmt.Sprintf("ZERO%04d", time.Now().Unix()%10000), "agent call sign (3-14 characters)")
	faction := fs.String("faction", "COSMIC", "starting faction")
	accountToken := fs.String("account-token", renv.AccountToken, "account token, if the server requires one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, _, err := logging.InitLogger(cfg.LogLevel, ""); err != nil {
		return err
	}

	name := strings.ToUpper(strings.TrimSpace(*symbol))
	if len(name) < 3 || len(name) > 14 {
		return fmt.Errorf("symbol %q must be 3 to 14 characters", name)
	}

	client, err := api.New(api.Options{
		BaseURL:           cfg.BaseURL,
		Token:             *accountToken,
		Timeout:           cfg.RequestTimeout,
		MaxRetries:        cfg.MaxRetries,
		DefaultRetryAfter: cfg.DefaultRetryAfter,
		DisableCache:      true,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	reg, err := client.Register(ctx, name, strings.ToUpper(*faction))
	if err != nil {
		return err
	}

	slog.Info("registered new agent",
		"symbol", reg.Agent.Symbol,
		"headquarters", reg.Agent.Headquarters,
		"credits", reg.Agent.Credits)
	slog.Info("starting ship",
		"symbol", reg.Ship.Symbol,
		"frame", reg.Ship.Frame.Symbol,
		"fuel", fmt.Sprintf("%d/%d", reg.Ship.Fuel.Current, reg.Ship.Fuel.Capacity))
	fmt.Printf("SPACETRADERS_TOKEN=%s\n", reg.Token)
	return nil
}

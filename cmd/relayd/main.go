package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/climanger/relay/internal/auth"
	"github.com/climanger/relay/internal/config"
	"github.com/climanger/relay/internal/logger"
	"github.com/climanger/relay/internal/relay"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "climanger relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			dbPath, _ := cmd.Flags().GetString("db")
			cfgPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := auth.OpenPairingStore(dbPath)
			if err != nil {
				return fmt.Errorf("open pairing store: %w", err)
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			store.StartSweeper(ctx, time.Hour)

			srv := relay.NewServer(cfg, store)
			httpSrv := &http.Server{
				Addr:    addr,
				Handler: srv,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("relayd listening", "addr", addr, "environment", cfg.Environment)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	root.Flags().String("addr", ":8080", "listen address")
	root.Flags().String("db", "relayd.db", "pairing store path")
	root.Flags().String("config", "", "optional YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/climanger/relay/internal/host"
	"github.com/climanger/relay/internal/logger"
	"github.com/climanger/relay/internal/ws"
)

func main() {
	root := &cobra.Command{
		Use:   "hostd",
		Short: "climanger host agent: connects this machine's terminals to the relay",
		RunE:  runHost,
	}

	root.Flags().String("relay", "http://localhost:8080", "relay base URL")
	root.Flags().StringSlice("workspace", nil, "workspace directory offered to mobiles (repeatable)")
	root.Flags().Bool("pair", false, "request a fresh pairing PIN on startup")
	root.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runHost(cmd *cobra.Command, args []string) error {
	relayURL, _ := cmd.Flags().GetString("relay")
	workspaceDirs, _ := cmd.Flags().GetStringSlice("workspace")
	pair, _ := cmd.Flags().GetBool("pair")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if err := logger.Init(logLevel, ""); err != nil {
		return err
	}

	id, err := host.LoadOrCreateIdentity()
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	logger.Info("device identity", "device_id", id.DeviceID, "device_name", id.DeviceName)

	if pair {
		info, err := host.RequestPIN(relayURL, id.DeviceID, id.DeviceName)
		if err != nil {
			return err
		}
		fmt.Printf("Pairing PIN: %s\n", info.PIN)
		fmt.Printf("QR payload:  %s\n", info.QRData)
	}

	if len(workspaceDirs) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			workspaceDirs = []string{home}
		}
	}
	workspaces := make([]ws.Workspace, 0, len(workspaceDirs))
	for _, dir := range workspaceDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		workspaces = append(workspaces, ws.Workspace{
			ID:   filepath.Base(abs),
			Name: filepath.Base(abs),
			Path: abs,
		})
	}

	agent := host.NewAgent(wsURL(relayURL), id.DeviceID, id.DeviceName, id.PublicKey, workspaces)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return agent.Run(ctx)
}

// wsURL converts the relay's HTTP origin into its websocket origin.
func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

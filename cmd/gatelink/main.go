// Package main provides the CLI entry point for the gatelink agent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/perchd/gatelink/internal/agent"
	"github.com/perchd/gatelink/internal/config"
	"github.com/perchd/gatelink/internal/control"
	"github.com/perchd/gatelink/internal/diag"
	"github.com/perchd/gatelink/internal/identity"
	"github.com/perchd/gatelink/internal/logging"
	"github.com/perchd/gatelink/internal/sysinfo"
	"github.com/perchd/gatelink/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatelink",
		Short: "gatelink - Gateway link agent",
		Long: `gatelink maintains a persistent link from this machine to a remote
gateway. The gateway can request diagnostic and file operations, which
queue locally until you approve them; approved operations execute in a
path- and command-allowlisted sandbox.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(invokesCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(diagCmd())
	rootCmd.AddCommand(unpairCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup",
		Long:  "Run the setup wizard: pick a gateway, authentication mode, and sandbox policy, then write the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("init requires an interactive terminal")
			}
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		Long:  "Connect to the gateway and serve invokes until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			a, err := agent.New(cfg, configPath, logger)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			fmt.Printf("Starting gatelink agent...\n")
			fmt.Printf("Device ID: %s\n", a.DeviceID().String())
			fmt.Printf("Gateway:   %s\n", cfg.Gateway.Endpoint)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = a.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			if err != nil {
				return err
			}
			fmt.Println("Agent stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// controlClient builds a control client from the config referenced by the
// command's flags.
func controlClient(configPath, password string) (*control.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Control.Enabled {
		return nil, fmt.Errorf("control socket is disabled in %s", configPath)
	}
	return control.NewClient(cfg.Control.SocketPath, password), nil
}

func statusCmd() *cobra.Command {
	var configPath, password string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		Long:  "Query the running agent over its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(configPath, password)
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("is the agent running? %w", err)
			}

			fmt.Printf("Device ID:       %s\n", status.DeviceID)
			fmt.Printf("Gateway:         %s\n", status.Endpoint)
			fmt.Printf("Connected:       %v\n", status.Connected)
			fmt.Printf("Pending invokes: %d\n", status.PendingInvokes)
			fmt.Printf("Uptime:          %s\n", time.Duration(status.UptimeSeconds)*time.Second)
			fmt.Printf("Version:         %s\n", status.Version)
			return nil
		},
	}

	addControlFlags(cmd, &configPath, &password)
	return cmd
}

func invokesCmd() *cobra.Command {
	var configPath, password string

	cmd := &cobra.Command{
		Use:   "invokes",
		Short: "List pending invokes",
		Long:  "Display gateway requests waiting for your decision.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(configPath, password)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Invokes(cmd.Context())
			if err != nil {
				return fmt.Errorf("is the agent running? %w", err)
			}

			if len(resp.Invokes) == 0 {
				fmt.Println("No pending invokes.")
				return nil
			}

			fmt.Printf("%-20s %-16s %-6s %s\n", "ID", "COMMAND", "KIND", "RECEIVED")
			for _, inv := range resp.Invokes {
				fmt.Printf("%-20s %-16s %-6s %s\n",
					inv.ID, inv.Command, inv.Kind,
					inv.ReceivedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	addControlFlags(cmd, &configPath, &password)
	return cmd
}

func approveCmd() *cobra.Command {
	var configPath, password string

	cmd := &cobra.Command{
		Use:   "approve <invoke-id>",
		Short: "Approve a pending invoke",
		Long:  "Execute a pending invoke in the sandbox and send its result to the gateway.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(configPath, password)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var pretty json.RawMessage = result.Payload
			out, marshalErr := json.MarshalIndent(pretty, "", "  ")
			if marshalErr != nil {
				out = result.Payload
			}
			fmt.Printf("Approved %s:\n%s\n", result.ID, out)
			return nil
		},
	}

	addControlFlags(cmd, &configPath, &password)
	return cmd
}

func rejectCmd() *cobra.Command {
	var configPath, password, reason string

	cmd := &cobra.Command{
		Use:   "reject <invoke-id>",
		Short: "Reject a pending invoke",
		Long:  "Refuse a pending invoke; the gateway receives the rejection reason.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(configPath, password)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Reject(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Printf("Rejected %s\n", args[0])
			return nil
		},
	}

	addControlFlags(cmd, &configPath, &password)
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason sent to the gateway")
	return cmd
}

func diagCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Check the configuration",
		Long:  "Validate the configuration and local state without connecting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			report := diag.Run(cmd.Context(), cfg)
			for _, c := range report.Checks {
				marker := "✓"
				switch c.Status {
				case diag.StatusWarn:
					marker = "!"
				case diag.StatusFail:
					marker = "✗"
				}
				if c.Message != "" {
					fmt.Printf("  %s %-24s %s\n", marker, c.Name, c.Message)
				} else {
					fmt.Printf("  %s %s\n", marker, c.Name)
				}
			}

			if !report.Valid {
				return fmt.Errorf("configuration is not valid")
			}
			fmt.Println("\nConfiguration OK.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func unpairCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "unpair",
		Short: "Discard the stored pairing token",
		Long:  "Remove the stored pairing token so the next connection requests a fresh pairing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := identity.NewTokenStore(dataDir)
			if !store.Exists() {
				fmt.Printf("No pairing token stored in %s\n", dataDir)
				return nil
			}
			if err := store.Remove(); err != nil {
				return fmt.Errorf("failed to remove token: %w", err)
			}
			fmt.Println("Pairing token removed.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	return cmd
}

func addControlFlags(cmd *cobra.Command, configPath, password *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(password, "password", "p", "", "Control socket password (if configured)")
}

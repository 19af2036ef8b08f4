// Package wizard provides an interactive setup wizard for gatelink.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/perchd/gatelink/internal/config"
	"github.com/perchd/gatelink/internal/identity"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
}

// answers collects everything the forms ask before the config is built.
type answers struct {
	dataDir    string
	configPath string

	endpoint string
	encoding string
	authMode string // "token" or "pairing"
	token    string
	scopes   []string

	caFile         string
	insecureVerify bool

	allowedRoots     []string
	cliBin           string
	autoApproveReads bool

	logLevel       string
	healthEnabled  bool
	healthAddress  string
	controlEnabled bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := &answers{}

	if err := w.askBasicSetup(a); err != nil {
		return nil, err
	}
	if err := w.askGateway(a); err != nil {
		return nil, err
	}
	if err := w.askAuth(a); err != nil {
		return nil, err
	}
	if w.endpointUsesTLS(a.endpoint) {
		if err := w.askTLS(a); err != nil {
			return nil, err
		}
	}
	if err := w.askSandbox(a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(a); err != nil {
		return nil, err
	}

	cfg := buildConfig(a)

	deviceID, _, err := identity.LoadOrCreate(a.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device identity: %w", err)
	}

	if err := writeConfig(cfg, a.configPath); err != nil {
		return nil, err
	}

	w.printSummary(deviceID, a.configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.configPath,
		DataDir:    a.dataDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
              _       _ _       _
   __ _  __ _| |_ ___| (_)_ __ | | __
  / _` + "`" + ` |/ _` + "`" + ` | __/ _ \ | | '_ \| |/ /
 | (_| | (_| | ||  __/ | | | | |   <
  \__, |\__,_|\__\___|_|_|_| |_|_|\_\
  |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Gateway Link Agent - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *answers) error {
	a.dataDir = "./data"
	a.configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for your agent."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store device identity and pairing state").
				Placeholder("./data").
				Value(&a.dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askGateway(a *answers) error {
	a.encoding = "auto"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Gateway Connection").
				Description("Configure how this agent reaches its gateway."),

			huh.NewInput().
				Title("Gateway Endpoint").
				Description("ws://, wss://, tcp:// or tls:// URL").
				Placeholder("wss://gateway.example.com/link").
				Value(&a.endpoint).
				Validate(validateEndpoint),

			huh.NewSelect[string]().
				Title("Wire Encoding").
				Description("Auto picks from the URL scheme").
				Options(
					huh.NewOption("Auto (recommended)", "auto"),
					huh.NewOption("WebSocket messages", "ws"),
					huh.NewOption("Line-delimited JSON", "line"),
				).
				Value(&a.encoding),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAuth(a *answers) error {
	a.authMode = "pairing"
	a.scopes = []string{"diagnostics"}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Authentication").
				Description("Device pairing asks an operator to approve this agent once.\nAn operator token authenticates with the device keypair immediately."),

			huh.NewSelect[string]().
				Title("Authentication Mode").
				Options(
					huh.NewOption("Pairing (approve on the gateway)", "pairing"),
					huh.NewOption("Operator token (device auth)", "token"),
				).
				Value(&a.authMode),

			huh.NewMultiSelect[string]().
				Title("Requested Scopes").
				Options(
					huh.NewOption("Diagnostics (system info, config checks)", "diagnostics"),
					huh.NewOption("Files (read and write allowed paths)", "files"),
					huh.NewOption("Commands (run allowlisted commands)", "commands"),
				).
				Value(&a.scopes).
				Validate(func(s []string) error {
					if len(s) == 0 {
						return fmt.Errorf("select at least one scope")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.authMode != "token" {
		return nil
	}

	tokenForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Operator Token").
				Description("Leave empty to supply it via GATELINK_TOKEN instead").
				EchoMode(huh.EchoModePassword).
				Value(&a.token),
		),
	).WithTheme(w.theme)

	return tokenForm.Run()
}

func (w *Wizard) askTLS(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("The gateway certificate is verified against the system roots\nunless you supply a CA bundle."),

			huh.NewInput().
				Title("CA Bundle (optional)").
				Description("PEM file for verifying a private gateway CA").
				Value(&a.caFile).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Skip TLS verification?").
				Description("Only use for testing with self-signed certs").
				Value(&a.insecureVerify),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askSandbox(a *answers) error {
	var rootsStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Execution Sandbox").
				Description("Gateway invokes may only touch allowlisted paths and commands.\nThe data directory and config directory are always allowed."),

			huh.NewText().
				Title("Additional Allowed Roots").
				Description("One directory per line (optional)").
				Placeholder("/var/log/myapp").
				Value(&rootsStr).
				Validate(func(s string) error {
					for _, line := range strings.Split(s, "\n") {
						line = strings.TrimSpace(line)
						if line == "" {
							continue
						}
						if info, err := os.Stat(line); err != nil {
							return fmt.Errorf("not found: %s", line)
						} else if !info.IsDir() {
							return fmt.Errorf("not a directory: %s", line)
						}
					}
					return nil
				}),

			huh.NewInput().
				Title("Managed CLI Binary (optional)").
				Description("Binary the gateway may invoke via run_command").
				Value(&a.cliBin),

			huh.NewConfirm().
				Title("Auto-approve read-only invokes?").
				Description("Reads execute without waiting for your decision; writes always wait").
				Value(&a.autoApproveReads),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	for _, line := range strings.Split(rootsStr, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			a.allowedRoots = append(a.allowedRoots, line)
		}
	}
	return nil
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	a.logLevel = "info"
	a.healthEnabled = false
	a.healthAddress = "127.0.0.1:8080"
	a.controlEnabled = true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /metrics)").
				Value(&a.healthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, approve, reject)").
				Value(&a.controlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// endpointUsesTLS reports whether the endpoint scheme involves TLS.
func (w *Wizard) endpointUsesTLS(endpoint string) bool {
	return strings.HasPrefix(endpoint, "wss://") || strings.HasPrefix(endpoint, "tls://")
}

// validateEndpoint checks a gateway endpoint URL.
func validateEndpoint(s string) error {
	if s == "" {
		return fmt.Errorf("endpoint is required")
	}
	if _, err := config.EncodingForEndpoint(s, "auto"); err != nil {
		return err
	}
	return nil
}

// buildConfig assembles the configuration from the collected answers.
func buildConfig(a *answers) *config.Config {
	cfg := config.Default()

	cfg.Agent.DataDir = a.dataDir
	cfg.Agent.LogLevel = a.logLevel
	cfg.Agent.LogFormat = "text"

	cfg.Gateway.Endpoint = a.endpoint
	cfg.Gateway.Encoding = a.encoding
	cfg.Gateway.Scopes = a.scopes
	if a.authMode == "token" {
		cfg.Gateway.Token = a.token
	}
	cfg.Gateway.TLS.CA = a.caFile
	cfg.Gateway.TLS.InsecureSkipVerify = a.insecureVerify

	cfg.Sandbox.AllowedRoots = a.allowedRoots
	cfg.Sandbox.CLIBin = a.cliBin
	cfg.Invoke.AutoApproveReads = a.autoApproveReads

	cfg.Health.Enabled = a.healthEnabled
	if a.healthEnabled {
		cfg.Health.Address = a.healthAddress
	}

	cfg.Control.Enabled = a.controlEnabled
	if a.controlEnabled {
		cfg.Control.SocketPath = filepath.Join(a.dataDir, "control.sock")
	}

	return cfg
}

// writeConfig marshals the configuration to the target path.
func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# gatelink configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(deviceID identity.DeviceID, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Device ID:    %s\n", deviceID.String())
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Agent.DataDir)
	fmt.Printf("  Gateway:      %s\n", cfg.Gateway.Endpoint)
	fmt.Println()

	if cfg.Gateway.Token == "" {
		fmt.Println("  First connect will request pairing; approve it on the gateway.")
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the agent:")
	fmt.Printf("    gatelink run -c %s\n", configPath)
	fmt.Println()
}

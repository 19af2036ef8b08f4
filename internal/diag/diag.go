// Package diag produces the structured configuration report served by the
// validate_config invoke and the local diag command.
package diag

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/perchd/gatelink/internal/config"
	"github.com/perchd/gatelink/internal/identity"
)

// Status of a single check.
const (
	StatusOK   = "ok"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Check is one diagnostic finding.
type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the full diagnostic result.
type Report struct {
	Valid  bool    `json:"valid"`
	Checks []Check `json:"checks"`
}

// add records a check and tracks overall validity.
func (r *Report) add(name, status, message string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Message: message})
	if status == StatusFail {
		r.Valid = false
	}
}

// Run inspects the live configuration and local state and returns a report.
// It never returns an error for findings; only the checks carry outcomes.
func Run(ctx context.Context, cfg *config.Config) *Report {
	r := &Report{Valid: true}

	checkConfig(r, cfg)
	checkDataDir(r, cfg.Agent.DataDir)
	checkIdentity(r, cfg.Agent.DataDir)
	checkSandbox(r, cfg)

	select {
	case <-ctx.Done():
		r.add("context", StatusWarn, "diagnostics interrupted")
	default:
	}
	return r
}

func checkConfig(r *Report, cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		r.add("config", StatusFail, err.Error())
		return
	}
	r.add("config", StatusOK, "")

	encoding, err := config.EncodingForEndpoint(cfg.Gateway.Endpoint, cfg.Gateway.Encoding)
	if err != nil {
		r.add("gateway.endpoint", StatusFail, err.Error())
		return
	}
	r.add("gateway.endpoint", StatusOK, fmt.Sprintf("%s via %s encoding", cfg.Gateway.Endpoint, encoding))
}

func checkDataDir(r *Report, dataDir string) {
	info, err := os.Stat(dataDir)
	if err != nil {
		r.add("data_dir", StatusWarn, fmt.Sprintf("%s does not exist yet; it will be created on first run", dataDir))
		return
	}
	if !info.IsDir() {
		r.add("data_dir", StatusFail, fmt.Sprintf("%s is not a directory", dataDir))
		return
	}
	r.add("data_dir", StatusOK, "")
}

func checkIdentity(r *Report, dataDir string) {
	if identity.Exists(dataDir) {
		r.add("device_id", StatusOK, "")
	} else {
		r.add("device_id", StatusWarn, "no device identity yet; one will be generated on first connect")
	}

	if identity.NewTokenStore(dataDir).Exists() {
		r.add("pairing_token", StatusOK, "stored token found, pairing will be skipped")
	} else {
		r.add("pairing_token", StatusWarn, "no pairing token stored; first token-pairing connect will require operator approval")
	}
}

func checkSandbox(r *Report, cfg *config.Config) {
	for _, root := range cfg.Sandbox.AllowedRoots {
		if _, err := os.Stat(root); err != nil {
			r.add("sandbox.allowed_roots", StatusFail, fmt.Sprintf("allowed root %s: %v", root, err))
			return
		}
	}
	if len(cfg.Sandbox.AllowedRoots) > 0 {
		r.add("sandbox.allowed_roots", StatusOK, "")
	}

	if cfg.Sandbox.CLIBin != "" {
		if _, err := exec.LookPath(cfg.Sandbox.CLIBin); err != nil {
			r.add("sandbox.cli_bin", StatusWarn, fmt.Sprintf("%s not found in PATH", cfg.Sandbox.CLIBin))
		} else {
			r.add("sandbox.cli_bin", StatusOK, "")
		}
	}
}

package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/perchd/gatelink/internal/logging"
	"github.com/perchd/gatelink/internal/metrics"
)

const (
	// DefaultCommandTimeout is the hard wall-clock bound on run_command.
	DefaultCommandTimeout = 30 * time.Second

	// DefaultOutputCap bounds each captured stream (stdout, stderr).
	DefaultOutputCap = 256 * 1024

	// truncationMarker is appended to a stream that hit its cap.
	truncationMarker = "\n[output truncated]"
)

// diagnosticCommands are read-only utilities allowed for run_command in
// addition to the managed CLI binary.
var diagnosticCommands = []string{
	"uname",
	"uptime",
	"df",
	"free",
	"whoami",
}

// shellMetacharacters enable chaining, substitution, or redirection and are
// rejected outright before any allowlist check.
var shellMetacharacters = []string{
	";", "|", "&", "`", "$(", ">", "<", "\n", "\r",
}

// SandboxConfig configures the execution sandbox.
type SandboxConfig struct {
	// Policy validates file targets. Required.
	Policy *PathPolicy

	// CLIBin is the managed CLI tool; run_command allows it and its
	// subcommand invocations.
	CLIBin string

	// ExtraCommands extends the run_command allowlist.
	ExtraCommands []string

	// CommandTimeout bounds run_command; zero means DefaultCommandTimeout.
	CommandTimeout time.Duration

	// OutputCap bounds each captured stream; zero means DefaultOutputCap.
	OutputCap int

	// ConfigPath is the fixed location served by read_config.
	ConfigPath string

	// SystemInfo supplies the system_info payload.
	SystemInfo func() (any, error)

	// ValidateConfig runs the diagnostic report for validate_config.
	ValidateConfig func(ctx context.Context) (any, error)
}

// Sandbox validates and executes approved invokes. Every validation error
// is returned before any side effect occurs.
type Sandbox struct {
	cfg     SandboxConfig
	allowed []string
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewSandbox creates a sandbox. logger and m may be nil.
func NewSandbox(cfg SandboxConfig, logger *slog.Logger, m *metrics.Metrics) (*Sandbox, error) {
	if cfg.Policy == nil {
		return nil, fmt.Errorf("sandbox requires a path policy")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = DefaultOutputCap
	}

	allowed := make([]string, 0, len(diagnosticCommands)+len(cfg.ExtraCommands)+1)
	if cfg.CLIBin != "" {
		allowed = append(allowed, cfg.CLIBin)
	}
	allowed = append(allowed, diagnosticCommands...)
	allowed = append(allowed, cfg.ExtraCommands...)

	return &Sandbox{
		cfg:     cfg,
		allowed: allowed,
		log:     logger,
		metrics: m,
	}, nil
}

// Execute runs one approved invoke and returns its result payload. An
// unrecognized command is a hard error, never silently ignored.
func (s *Sandbox) Execute(ctx context.Context, inv *Invoke) (json.RawMessage, error) {
	s.log.Info("executing invoke",
		logging.KeyInvokeID, inv.ID,
		logging.KeyCommand, inv.Command)

	switch inv.Command {
	case CmdReadFile:
		return s.readFile(inv.Args)
	case CmdListFiles:
		return s.listFiles(inv.Args)
	case CmdWriteFile:
		return s.writeFile(inv.Args)
	case CmdReadConfig:
		return s.readConfig()
	case CmdSystemInfo:
		return s.systemInfo()
	case CmdValidateConfig:
		return s.validateConfig(ctx)
	case CmdRunCommand:
		return s.runCommand(ctx, inv.Args)
	default:
		return nil, fmt.Errorf("unknown command %q", inv.Command)
	}
}

type pathArgs struct {
	Path string `json:"path"`
}

type readFileResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

func (s *Sandbox) readFile(args json.RawMessage) (json.RawMessage, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid read_file args: %w", err)
	}
	if a.Path == "" {
		return nil, fmt.Errorf("read_file requires a path")
	}

	canonical, err := s.cfg.Policy.CheckRead(a.Path)
	if err != nil {
		s.denied("read_path")
		return nil, err
	}

	data, err := os.ReadFile(canonical)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", a.Path, err)
	}
	return marshalResult(readFileResult{
		Path:    canonical,
		Content: string(data),
		Size:    len(data),
	})
}

type fileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

type listFilesResult struct {
	Path    string      `json:"path"`
	Entries []fileEntry `json:"entries"`
}

func (s *Sandbox) listFiles(args json.RawMessage) (json.RawMessage, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid list_files args: %w", err)
	}
	if a.Path == "" {
		return nil, fmt.Errorf("list_files requires a path")
	}

	canonical, err := s.cfg.Policy.CheckRead(a.Path)
	if err != nil {
		s.denied("read_path")
		return nil, err
	}

	entries, err := os.ReadDir(canonical)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a.Path, err)
	}

	result := listFilesResult{Path: canonical, Entries: make([]fileEntry, 0, len(entries))}
	for _, e := range entries {
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		result.Entries = append(result.Entries, fileEntry{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Size:  size,
		})
	}
	return marshalResult(result)
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFileResult struct {
	Path    string `json:"path"`
	Written int    `json:"written"`
}

func (s *Sandbox) writeFile(args json.RawMessage) (json.RawMessage, error) {
	var a writeFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid write_file args: %w", err)
	}
	if a.Path == "" {
		return nil, fmt.Errorf("write_file requires a path")
	}

	target, err := s.cfg.Policy.CheckWrite(a.Path)
	if err != nil {
		s.denied("write_path")
		return nil, err
	}

	if err := os.WriteFile(target, []byte(a.Content), 0600); err != nil {
		return nil, fmt.Errorf("write %s: %w", a.Path, err)
	}
	return marshalResult(writeFileResult{Path: target, Written: len(a.Content)})
}

func (s *Sandbox) readConfig() (json.RawMessage, error) {
	if s.cfg.ConfigPath == "" {
		return nil, fmt.Errorf("no config path configured")
	}
	data, err := os.ReadFile(s.cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return marshalResult(readFileResult{
		Path:    s.cfg.ConfigPath,
		Content: string(data),
		Size:    len(data),
	})
}

func (s *Sandbox) systemInfo() (json.RawMessage, error) {
	if s.cfg.SystemInfo == nil {
		return nil, fmt.Errorf("system_info is not available")
	}
	info, err := s.cfg.SystemInfo()
	if err != nil {
		return nil, fmt.Errorf("collect system info: %w", err)
	}
	return marshalResult(info)
}

func (s *Sandbox) validateConfig(ctx context.Context) (json.RawMessage, error) {
	if s.cfg.ValidateConfig == nil {
		return nil, fmt.Errorf("validate_config is not available")
	}
	report, err := s.cfg.ValidateConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return marshalResult(report)
}

type runCommandArgs struct {
	Command string `json:"command"`
}

type runCommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (s *Sandbox) runCommand(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a runCommandArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid run_command args: %w", err)
	}

	command := strings.TrimSpace(a.Command)
	if command == "" {
		return nil, fmt.Errorf("run_command requires a command")
	}

	if meta := findMetacharacter(command); meta != "" {
		s.denied("shell_metacharacter")
		return nil, fmt.Errorf("command contains forbidden shell metacharacter %q", meta)
	}
	if !s.commandAllowed(command) {
		s.denied("command_not_allowed")
		return nil, fmt.Errorf("command %q is not in the allowlist", firstWord(command))
	}

	argv := strings.Fields(command)

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, limit: s.cfg.OutputCap}
	errW := &limitedWriter{w: &stderr, limit: s.cfg.OutputCap}

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Stdout = outW
	cmd.Stderr = errW

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordCommand(argv[0], elapsed.Seconds())
	}

	if execCtx.Err() == context.DeadlineExceeded {
		// Partial output is discarded: a timed-out command yields a
		// timeout error, not a half-result.
		return nil, fmt.Errorf("command timed out after %v", s.cfg.CommandTimeout)
	}

	result := runCommandResult{
		Stdout: capString(&stdout, outW),
		Stderr: capString(&stderr, errW),
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("run %s: %w", argv[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	s.log.Info("command finished",
		logging.KeyCommand, argv[0],
		logging.KeyDuration, elapsed.String(),
		"exit_code", result.ExitCode)
	return marshalResult(result)
}

// commandAllowed reports whether the command exactly matches or is an
// argument-extended form of an allowlisted command.
func (s *Sandbox) commandAllowed(command string) bool {
	for _, allowed := range s.allowed {
		if command == allowed || strings.HasPrefix(command, allowed+" ") {
			return true
		}
	}
	return false
}

func (s *Sandbox) denied(reason string) {
	if s.metrics != nil {
		s.metrics.RecordPolicyDenial(reason)
	}
}

func findMetacharacter(command string) string {
	for _, meta := range shellMetacharacters {
		if strings.Contains(command, meta) {
			return meta
		}
	}
	return ""
}

func firstWord(command string) string {
	if i := strings.IndexByte(command, ' '); i >= 0 {
		return command[:i]
	}
	return command
}

func marshalResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// capString returns the captured stream, with a truncation marker when the
// writer hit its cap.
func capString(buf *bytes.Buffer, lw *limitedWriter) string {
	if lw.truncated {
		return buf.String() + truncationMarker
	}
	return buf.String()
}

// limitedWriter caps the bytes forwarded to the underlying writer; overflow
// is discarded without erroring so the process keeps running.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return orig, nil
	}

	remaining := lw.limit - lw.written
	if len(p) > remaining {
		lw.truncated = true
		p = p[:remaining]
	}

	n, err := lw.w.Write(p)
	lw.written += n
	if err != nil {
		return n, err
	}
	return orig, nil
}

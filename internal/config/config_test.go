package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.DataDir == "" {
		t.Error("default data_dir is empty")
	}
	if cfg.Gateway.RequestTimeout != 120*time.Second {
		t.Errorf("request_timeout = %v, want 120s", cfg.Gateway.RequestTimeout)
	}
	if cfg.Gateway.PairingTimeout != 6*time.Minute {
		t.Errorf("pairing_timeout = %v, want 6m", cfg.Gateway.PairingTimeout)
	}
	if cfg.Invoke.QueueCapacity != 50 {
		t.Errorf("queue_capacity = %d, want 50", cfg.Invoke.QueueCapacity)
	}
	if cfg.Sandbox.CommandTimeout != 30*time.Second {
		t.Errorf("command_timeout = %v, want 30s", cfg.Sandbox.CommandTimeout)
	}
}

func TestParse(t *testing.T) {
	yaml := `
agent:
  data_dir: /var/lib/gatelink
  log_level: debug
gateway:
  endpoint: wss://gateway.example.com/link
  token: secret
  scopes: [diagnostics, repair]
invoke:
  queue_capacity: 10
  auto_approve_reads: true
sandbox:
  cli_bin: /usr/local/bin/managed-cli
  output_cap: 1 MiB
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.DataDir != "/var/lib/gatelink" {
		t.Errorf("data_dir = %q", cfg.Agent.DataDir)
	}
	if cfg.Gateway.Endpoint != "wss://gateway.example.com/link" {
		t.Errorf("endpoint = %q", cfg.Gateway.Endpoint)
	}
	if !cfg.Invoke.AutoApproveReads {
		t.Error("auto_approve_reads not parsed")
	}
	if cfg.Invoke.QueueCapacity != 10 {
		t.Errorf("queue_capacity = %d, want 10", cfg.Invoke.QueueCapacity)
	}

	cap, err := cfg.Sandbox.OutputCapBytes()
	if err != nil {
		t.Fatalf("OutputCapBytes() error = %v", err)
	}
	if cap != 1024*1024 {
		t.Errorf("output cap = %d, want 1 MiB", cap)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("GATELINK_TEST_ENDPOINT", "wss://env.example.com/link")
	defer os.Unsetenv("GATELINK_TEST_ENDPOINT")

	yaml := `
gateway:
  endpoint: ${GATELINK_TEST_ENDPOINT}
  token: x
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Gateway.Endpoint != "wss://env.example.com/link" {
		t.Errorf("endpoint = %q, env var not expanded", cfg.Gateway.Endpoint)
	}
}

func TestParse_TokenEnvOverride(t *testing.T) {
	os.Setenv("GATELINK_TOKEN", "from-env")
	defer os.Unsetenv("GATELINK_TOKEN")

	yaml := `
gateway:
  endpoint: wss://gateway.example.com/link
  token: from-file
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Gateway.Token != "from-env" {
		t.Errorf("token = %q, want env override", cfg.Gateway.Token)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing endpoint",
			mutate: func(c *Config) { c.Gateway.Endpoint = "" },
			want:   "gateway.endpoint is required",
		},
		{
			name:   "bad scheme",
			mutate: func(c *Config) { c.Gateway.Endpoint = "http://example.com" },
			want:   "unsupported gateway.endpoint scheme",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Agent.LogLevel = "loud" },
			want:   "invalid log_level",
		},
		{
			name:   "zero queue capacity",
			mutate: func(c *Config) { c.Invoke.QueueCapacity = 0 },
			want:   "queue_capacity must be positive",
		},
		{
			name:   "bad output cap",
			mutate: func(c *Config) { c.Sandbox.OutputCap = "lots" },
			want:   "invalid sandbox.output_cap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Gateway.Endpoint = "wss://gateway.example.com/link"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestEncodingForEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		encoding string
		want     string
		wantErr  bool
	}{
		{"wss://gw.example.com/link", "auto", "ws", false},
		{"ws://localhost:9000/link", "", "ws", false},
		{"tcp://gw.example.com:7700", "auto", "line", false},
		{"tls://gw.example.com:7700", "auto", "line", false},
		{"tcp://gw.example.com:7700", "ws", "ws", false},
		{"wss://gw.example.com/link", "line", "line", false},
		{"http://gw.example.com", "auto", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint+"/"+tt.encoding, func(t *testing.T) {
			got, err := EncodingForEndpoint(tt.endpoint, tt.encoding)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodingForEndpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EncodingForEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

package params

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const (
	addrA = "0x1000000000000000000000000000000000000001"
	addrB = "0x2000000000000000000000000000000000000002"
	addrC = "0x3000000000000000000000000000000000000003"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("XCHANGE_QUORUM", addrA+", "+addrB+","+addrC)
	t.Setenv("XCHANGE_REQUIRED_APPROVALS", "3")
	t.Setenv("XCHANGE_QUOTE_SYMBOL", "DAI")
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("DATA_DIR", "")
	t.Setenv("LOG_FILE", "")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DEV_TOKENS", "DAI,GOLD,")
	t.Setenv("DEV_MINT", "42")

	cfg, err := LoadFromEnv(noEnvFile(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Governance.Quorum) != 3 || cfg.Governance.Quorum[1] != common.HexToAddress(addrB) {
		t.Fatalf("quorum = %v", cfg.Governance.Quorum)
	}
	if cfg.Governance.RequiredApprovals != 3 || cfg.Exchange.QuoteSymbol != "DAI" || cfg.Exchange.ChainID != 31337 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Node.DataDir != "" {
		t.Fatalf("empty DATA_DIR should select memory, got %q", cfg.Node.DataDir)
	}
	if cfg.Node.LogFile != "" {
		t.Fatalf("empty LOG_FILE should log to stdout only, got %q", cfg.Node.LogFile)
	}
	if strings.Join(cfg.Events.KafkaBrokers, "|") != "k1:9092|k2:9092" || cfg.Events.KafkaTopic != "xchange.trades" {
		t.Fatalf("events = %+v", cfg.Events)
	}
	if strings.Join(cfg.Devnet.Tokens, "|") != "DAI|GOLD" || cfg.Devnet.Mint != 42 {
		t.Fatalf("devnet = %+v", cfg.Devnet)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "XCHANGE_QUORUM=" + addrA + "\nXCHANGE_REQUIRED_APPROVALS=1\nAPI_ADDR=:9999\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	// Variables already in the environment win over the file.
	t.Setenv("API_ADDR", ":7000")
	t.Cleanup(func() {
		os.Unsetenv("XCHANGE_QUORUM")
		os.Unsetenv("XCHANGE_REQUIRED_APPROVALS")
	})

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Governance.Quorum) != 1 || cfg.Governance.RequiredApprovals != 1 {
		t.Fatalf("governance = %+v", cfg.Governance)
	}
	if cfg.Node.APIAddr != ":7000" {
		t.Fatalf("api addr = %q", cfg.Node.APIAddr)
	}
}

func TestLoadFromEnvErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"XCHANGE_QUORUM", addrA + ",nope"},
		{"XCHANGE_REQUIRED_APPROVALS", "two"},
		{"XCHANGE_ADDRESS", "0x12"},
		{"CHAIN_ID", "-x"},
		{"DEV_MINT", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(noEnvFile(t)); err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Governance.Quorum = []common.Address{common.HexToAddress(addrA), common.HexToAddress(addrB)}
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"empty quorum", func(c *Config) { c.Governance.Quorum = nil }, "quorum is empty"},
		{"duplicate member", func(c *Config) { c.Governance.Quorum[1] = c.Governance.Quorum[0] }, "listed twice"},
		{"zero member", func(c *Config) { c.Governance.Quorum[0] = common.Address{} }, "zero address"},
		{"threshold too high", func(c *Config) { c.Governance.RequiredApprovals = 3 }, "required approvals"},
		{"threshold zero", func(c *Config) { c.Governance.RequiredApprovals = 0 }, "required approvals"},
		{"long quote", func(c *Config) { c.Exchange.QuoteSymbol = strings.Repeat("Q", 33) }, "quote symbol"},
		{"zero exchange", func(c *Config) { c.Exchange.Address = common.Address{} }, "exchange address"},
		{"chain id", func(c *Config) { c.Exchange.ChainID = 0 }, "chain id"},
		{"kafka topic", func(c *Config) { c.Events.KafkaBrokers = []string{"k:9092"}; c.Events.KafkaTopic = "" }, "topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

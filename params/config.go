package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// DefaultExchangeAddress is the devnet custody address tokens are pulled into.
var DefaultExchangeAddress = common.HexToAddress("0x00000000000000000000000000000000000e8c4a")

type Governance struct {
	Quorum            []common.Address
	RequiredApprovals int
}

type Exchange struct {
	QuoteSymbol string
	Address     common.Address // custody address, also the EIP-712 verifying contract
	ChainID     int64
}

type Node struct {
	DataDir        string // "" keeps state in memory
	APIAddr        string
	LogFile        string // "" logs to stdout only
	LogLevel       string
	JournalFile    string // "" disables the request journal
	AllowedOrigins []string
}

type Events struct {
	KafkaBrokers []string // empty disables the Kafka trade feed
	KafkaTopic   string
}

// Devnet tokens are deployed in memory, minted to every quorum member and
// pre-approved for the exchange.
type Devnet struct {
	Tokens []string
	Mint   uint64
}

type Config struct {
	Governance Governance
	Exchange   Exchange
	Node       Node
	Events     Events
	Devnet     Devnet
}

func Default() Config {
	return Config{
		Governance: Governance{
			RequiredApprovals: 2,
		},
		Exchange: Exchange{
			QuoteSymbol: "USDC",
			Address:     DefaultExchangeAddress,
			ChainID:     1337,
		},
		Node: Node{
			DataDir:        "data/pebble",
			APIAddr:        ":8080",
			LogFile:        "data/node.log",
			LogLevel:       "info",
			AllowedOrigins: []string{"*"},
		},
		Events: Events{
			KafkaTopic: "xchange.trades",
		},
		Devnet: Devnet{
			Tokens: []string{"USDC", "BOND"},
			Mint:   1_000_000,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("XCHANGE_QUORUM"); v != "" {
		quorum, err := parseAddresses(v)
		if err != nil {
			return cfg, fmt.Errorf("XCHANGE_QUORUM: %w", err)
		}
		cfg.Governance.Quorum = quorum
	}
	if v := os.Getenv("XCHANGE_REQUIRED_APPROVALS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("XCHANGE_REQUIRED_APPROVALS: %w", err)
		}
		cfg.Governance.RequiredApprovals = n
	}
	cfg.Exchange.QuoteSymbol = getEnv("XCHANGE_QUOTE_SYMBOL", cfg.Exchange.QuoteSymbol)
	if v := os.Getenv("XCHANGE_ADDRESS"); v != "" {
		if !common.IsHexAddress(v) {
			return cfg, fmt.Errorf("XCHANGE_ADDRESS: invalid address %q", v)
		}
		cfg.Exchange.Address = common.HexToAddress(v)
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("CHAIN_ID: %w", err)
		}
		cfg.Exchange.ChainID = id
	}

	if v, ok := os.LookupEnv("DATA_DIR"); ok {
		cfg.Node.DataDir = v
	}
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.Node.LogFile = v
	}
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.JournalFile = getEnv("JOURNAL_FILE", cfg.Node.JournalFile)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Node.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.KafkaBrokers = splitList(v)
	}
	cfg.Events.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Events.KafkaTopic)

	if v, ok := os.LookupEnv("DEV_TOKENS"); ok {
		cfg.Devnet.Tokens = splitList(v)
	}
	if v := os.Getenv("DEV_MINT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("DEV_MINT: %w", err)
		}
		cfg.Devnet.Mint = n
	}

	return cfg, nil
}

// Validate reports the first setting the exchange cannot start with.
func (c Config) Validate() error {
	g := c.Governance
	if len(g.Quorum) == 0 {
		return errors.New("quorum is empty")
	}
	seen := make(map[common.Address]bool, len(g.Quorum))
	for _, m := range g.Quorum {
		if m == (common.Address{}) {
			return errors.New("quorum contains the zero address")
		}
		if seen[m] {
			return fmt.Errorf("quorum member %s listed twice", m.Hex())
		}
		seen[m] = true
	}
	if g.RequiredApprovals < 1 || g.RequiredApprovals > len(g.Quorum) {
		return fmt.Errorf("required approvals %d outside [1, %d]", g.RequiredApprovals, len(g.Quorum))
	}
	if c.Exchange.QuoteSymbol == "" || len(c.Exchange.QuoteSymbol) > 32 {
		return fmt.Errorf("quote symbol %q must be 1-32 bytes", c.Exchange.QuoteSymbol)
	}
	if c.Exchange.Address == (common.Address{}) {
		return errors.New("exchange address is zero")
	}
	if c.Exchange.ChainID <= 0 {
		return fmt.Errorf("chain id %d must be positive", c.Exchange.ChainID)
	}
	if c.Node.APIAddr == "" {
		return errors.New("api address is empty")
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return errors.New("kafka brokers set without a topic")
	}
	return nil
}

func parseAddresses(v string) ([]common.Address, error) {
	var out []common.Address
	for _, s := range splitList(v) {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

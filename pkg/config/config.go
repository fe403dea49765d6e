package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/babylonwatch/sentinel/pkg/utils"
)

// Network names are fixed: the daemon runs one orchestrator per entry.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Network holds the per-network endpoint set.
type Network struct {
	Name    string
	RPCURLs []string
	WSURLs  []string

	// Bech32 prefix for consensus addresses derived from validator pubkeys.
	ValconsPrefix string
}

// Config is the full environment-driven configuration surface of the daemon.
type Config struct {
	MongoURI string
	Networks []Network

	MonitoringEnabled             bool
	FinalityProviderEnabled       bool
	ValidatorSignatureEnabled     bool
	BLSSignatureEnabled           bool
	MonitoringInterval            time.Duration
	FinalizedBlocksWait           int64
	TrackedValidators             []string
	TrackedFinalityProviders      []string
	ValidatorSignatureRate        float64
	FinalityProviderSignatureRate float64
	BLSSignatureRate              float64
	AlertMinInterval              time.Duration
	SignatureRateMinDrop          float64

	DirectoryRefreshCron string

	OpsAddr string

	TelegramBotToken string
	TelegramChatID   int64

	RedisAlertsEnabled bool
	RedisAlertStream   string
}

// FromEnv assembles the configuration from environment variables.
// Missing mandatory values return an error; the caller exits 1 on it.
func FromEnv() (*Config, error) {
	cfg := &Config{
		MongoURI:                      utils.Env("MONGODB_URI", ""),
		MonitoringEnabled:             utils.EnvBool("MONITORING_ENABLED", true),
		FinalityProviderEnabled:       utils.EnvBool("FINALITY_PROVIDER_MONITORING_ENABLED", true),
		ValidatorSignatureEnabled:     utils.EnvBool("VALIDATOR_SIGNATURE_MONITORING_ENABLED", true),
		BLSSignatureEnabled:           utils.EnvBool("BLS_SIGNATURE_MONITORING_ENABLED", true),
		MonitoringInterval:            time.Duration(utils.EnvInt64("MONITORING_INTERVAL_MS", 60000)) * time.Millisecond,
		FinalizedBlocksWait:           utils.EnvInt64("FINALIZED_BLOCKS_WAIT", 3),
		TrackedValidators:             utils.EnvList("TRACKED_VALIDATORS"),
		TrackedFinalityProviders:      utils.EnvList("TRACKED_FINALITY_PROVIDERS"),
		ValidatorSignatureRate:        utils.EnvFloat("VALIDATOR_SIGNATURE_THRESHOLD", 90),
		FinalityProviderSignatureRate: utils.EnvFloat("FINALITY_PROVIDER_SIGNATURE_THRESHOLD", 90),
		BLSSignatureRate:              utils.EnvFloat("BLS_SIGNATURE_THRESHOLD", 90),
		AlertMinInterval:              time.Duration(utils.EnvInt64("ALERT_MIN_INTERVAL", 21600000)) * time.Millisecond,
		SignatureRateMinDrop:          utils.EnvFloat("SIGNATURE_RATE_MIN_DROP", 10),
		DirectoryRefreshCron:          utils.Env("DIRECTORY_REFRESH_CRON", "0 0 * * * *"),
		OpsAddr:                       utils.Env("OPS_ADDR", ":3001"),
		TelegramBotToken:              utils.Env("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:                utils.EnvInt64("TELEGRAM_CHAT_ID", 0),
		RedisAlertsEnabled:            utils.EnvBool("ALERTS_REDIS_ENABLED", false),
		RedisAlertStream:              utils.Env("REDIS_ALERT_STREAM", "sentinel:alerts"),
	}

	if cfg.MongoURI == "" {
		return nil, errors.New("MONGODB_URI is required")
	}

	for _, name := range []string{NetworkMainnet, NetworkTestnet} {
		prefix := strings.ToUpper(name)
		rpc := utils.Dedup(utils.EnvList(prefix + "_RPC_URLS"))
		if len(rpc) == 0 {
			continue
		}
		ws := utils.Dedup(utils.EnvList(prefix + "_WS_URLS"))
		if len(ws) == 0 {
			ws = deriveWSURLs(rpc)
		}
		cfg.Networks = append(cfg.Networks, Network{
			Name:          name,
			RPCURLs:       rpc,
			WSURLs:        ws,
			ValconsPrefix: "bbnvalcons",
		})
	}
	if len(cfg.Networks) == 0 {
		return nil, errors.New("no networks configured: set MAINNET_RPC_URLS and/or TESTNET_RPC_URLS")
	}

	return cfg, nil
}

// deriveWSURLs swaps the URL scheme of each REST endpoint to its websocket
// counterpart. The stream client appends the /websocket path on dial.
func deriveWSURLs(rpcURLs []string) []string {
	out := make([]string, 0, len(rpcURLs))
	for _, u := range rpcURLs {
		switch {
		case strings.HasPrefix(u, "https://"):
			out = append(out, "wss://"+strings.TrimPrefix(u, "https://"))
		case strings.HasPrefix(u, "http://"):
			out = append(out, "ws://"+strings.TrimPrefix(u, "http://"))
		default:
			out = append(out, u)
		}
	}
	return out
}

// Tracked reports whether subject is eligible for alerting under the given
// tracking list. An empty list tracks everything.
func Tracked(list []string, subject string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if strings.EqualFold(s, subject) {
			return true
		}
	}
	return false
}

// String renders a redacted one-line summary for startup logging.
func (c *Config) String() string {
	nets := make([]string, 0, len(c.Networks))
	for _, n := range c.Networks {
		nets = append(nets, fmt.Sprintf("%s(%d rpc, %d ws)", n.Name, len(n.RPCURLs), len(n.WSURLs)))
	}
	return fmt.Sprintf("networks=[%s] monitoring=%t validator=%t fp=%t bls=%t",
		strings.Join(nets, ", "), c.MonitoringEnabled,
		c.ValidatorSignatureEnabled, c.FinalityProviderEnabled, c.BLSSignatureEnabled)
}

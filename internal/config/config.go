// Package config loads the fulfiller's environment-variable configuration
// via koanf, narrowed to an env-only source since this system's
// configuration surface never names a config file.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/zamaoracle/vrf-fulfiller/internal/relayerpool"
)

// Config is the fully-resolved, validated runtime configuration.
type Config struct {
	DatabaseURL             string
	RPCURL                  string
	RelayerPrivateKeys      []string
	RelayerMinGasWei        *big.Int
	RelayerScheduler        relayerpool.Scheduler
	RelayerPendingThreshold int
	BEBEAddress             common.Address
	BatchSize               int
	MetricsAddress          string
	HealthAddress           string
}

const (
	defaultRPCURL         = "http://127.0.0.1:8545"
	defaultMinGasWei      = "5000000000000000" // 5e15, 0.005 ETH
	defaultScheduler      = "round_robin"
	defaultPendingThresh  = 20
	defaultBatchSize      = 100
	defaultMetricsAddress = ":9090"
	defaultHealthAddress  = ":8080"
)

// Load reads environment variables (no prefix, no section nesting) into a
// validated Config. DATABASE_URL and RELAYER_PRIVATE_KEYS are required;
// BEBE_ADDRESS is required because batching cannot proceed without a
// self-delegation target.
func Load() (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("config: failed to load environment: %w", err)
	}

	cfg := &Config{
		RPCURL:                  ko.String("RPC_URL"),
		RelayerPendingThreshold: defaultPendingThresh,
		BatchSize:               defaultBatchSize,
		MetricsAddress:          defaultMetricsAddress,
		HealthAddress:           defaultHealthAddress,
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = defaultRPCURL
	}

	cfg.DatabaseURL = ko.String("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	rawKeys := ko.String("RELAYER_PRIVATE_KEYS")
	if rawKeys == "" {
		return nil, fmt.Errorf("config: RELAYER_PRIVATE_KEYS is required")
	}
	for _, k := range strings.Split(rawKeys, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			cfg.RelayerPrivateKeys = append(cfg.RelayerPrivateKeys, k)
		}
	}
	if len(cfg.RelayerPrivateKeys) == 0 {
		return nil, fmt.Errorf("config: RELAYER_PRIVATE_KEYS contained no usable keys")
	}

	minGas := ko.String("RELAYER_MIN_GAS_WEI")
	if minGas == "" {
		minGas = defaultMinGasWei
	}
	minGasWei, ok := new(big.Int).SetString(minGas, 10)
	if !ok {
		return nil, fmt.Errorf("config: RELAYER_MIN_GAS_WEI %q is not a valid integer", minGas)
	}
	cfg.RelayerMinGasWei = minGasWei

	scheduler := ko.String("RELAYER_SCHEDULER")
	if scheduler == "" {
		scheduler = defaultScheduler
	}
	switch relayerpool.Scheduler(scheduler) {
	case relayerpool.SchedulerRoundRobin, relayerpool.SchedulerRandom:
		cfg.RelayerScheduler = relayerpool.Scheduler(scheduler)
	default:
		return nil, fmt.Errorf("config: RELAYER_SCHEDULER %q is not one of round_robin, random", scheduler)
	}

	if v := ko.Int("RELAYER_PENDING_BLOCK_THRESHOLD"); v > 0 {
		cfg.RelayerPendingThreshold = v
	}
	if v := ko.Int("BATCH_SIZE"); v > 0 {
		cfg.BatchSize = v
	}

	bebe := ko.String("BEBE_ADDRESS")
	if bebe == "" {
		return nil, fmt.Errorf("config: BEBE_ADDRESS is required for batching")
	}
	if !common.IsHexAddress(bebe) {
		return nil, fmt.Errorf("config: BEBE_ADDRESS %q is not a valid address", bebe)
	}
	cfg.BEBEAddress = common.HexToAddress(bebe)

	if addr := ko.String("METRICS_ADDRESS"); addr != "" {
		cfg.MetricsAddress = addr
	}
	if addr := ko.String("HEALTH_ADDRESS"); addr != "" {
		cfg.HealthAddress = addr
	}

	return cfg, nil
}

// PollInterval parses the --poll-interval flag value (seconds) into a
// duration, falling back to 1 second for a non-positive value.
func PollInterval(seconds float64) time.Duration {
	if seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds * float64(time.Second))
}

// Package config loads the single immutable configuration value used by
// every subsystem (spec §9 "Global configuration"). The config file is
// TOML, parsed with naoina/toml the way jeongkyun-oh-klaytn and
// tos-network-gtos bind their node config files to Go structs; every field
// is additionally overridable by a SIGNER_<SECTION>__<KEY> environment
// variable (spec §6), resolved once at construction and never mutated
// afterward.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/naoina/toml"

	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// Config is the top-level, immutable configuration value assembled once at
// startup and handed to every subsystem constructor.
type Config struct {
	Signer    SignerConfig
	Bitcoin   BitcoinConfig
	Stacks    StacksConfig
	Database  DatabaseConfig
	P2P       P2PConfig
	Blocklist BlocklistConfig
	Emily     EmilyConfig
	Logging   LoggingConfig
}

// SignerConfig holds this process's own identity and protocol timings.
// None of these have defaults. validate fails closed on a blank
// private_key_path, sbtc_bitcoin_start_height, candidate_signers or
// threshold; every other field is used as loaded, zero included.
type SignerConfig struct {
	PrivateKeyPath string `toml:"private_key_path"`

	// CandidateSigners and Threshold seed the placeholder signer set the
	// process bootstraps from before any DKG round has ever produced an
	// aggregate key (hex-encoded compressed pubkeys, 33 bytes each).
	CandidateSigners []string `toml:"candidate_signers"`
	Threshold        int      `toml:"threshold"`

	DkgMinBitcoinBlockHeight    uint64        `toml:"dkg_min_bitcoin_block_height"`
	DkgTargetRounds             int           `toml:"dkg_target_rounds"`
	DkgVerificationWindow       uint64        `toml:"dkg_verification_window"`
	DkgMaxDuration              time.Duration `toml:"dkg_max_duration"`
	DkgBeginPause               time.Duration `toml:"dkg_begin_pause"`
	SbtcBitcoinStartHeight      uint64        `toml:"sbtc_bitcoin_start_height"`

	SignerRoundMaxDuration      time.Duration `toml:"signer_round_max_duration"`
	BitcoinPresignRequestMaxDuration time.Duration `toml:"bitcoin_presign_request_max_duration"`
	BitcoinProcessingDelay      time.Duration `toml:"bitcoin_processing_delay"`

	MaxDepositsPerBitcoinTx     int     `toml:"max_deposits_per_bitcoin_tx"`
	FeeTolerance                float64 `toml:"fee_tolerance"`
	StacksFeesMaxUstx           uint64  `toml:"stacks_fees_max_ustx"`

	DepositDecisionsRetryWindow    uint64 `toml:"deposit_decisions_retry_window"`
	WithdrawalDecisionsRetryWindow uint64 `toml:"withdrawal_decisions_retry_window"`

	ContextWindow uint64 `toml:"context_window"` // finality horizon, blocks
}

// BitcoinConfig configures the Bitcoin Core RPC/ZMQ collaborator.
type BitcoinConfig struct {
	Network      string   `toml:"network"` // "mainnet", "testnet3", "regtest"
	RPCEndpoints []string `toml:"rpc_endpoints"`
	RPCUser      string   `toml:"rpc_user"`
	RPCPass      string   `toml:"rpc_pass"`
	ZMQEndpoints []string `toml:"zmq_endpoints"`
}

// StacksConfig configures the Stacks node RPC, event-observer binding, and
// the deployed sBTC peg contract the Coordinator issues calls against.
type StacksConfig struct {
	RPCEndpoints      []string `toml:"rpc_endpoints"`
	EventObserverBind string   `toml:"event_observer_bind"`

	SbtcContractAddress string `toml:"sbtc_contract_address"`
	SbtcContractName    string `toml:"sbtc_contract_name"`
	// AggregatePrincipal is the Stacks principal controlled by the
	// current aggregate key. No Clarity-address library exists in this
	// module's dependency stack to derive it from the raw public key, so
	// it is supplied directly and rotated alongside the key.
	AggregatePrincipal string `toml:"aggregate_principal"`
}

// DatabaseConfig configures the repository store. DSN is the file path the
// in-memory store snapshots to and restores from (cmd/signer openStore).
type DatabaseConfig struct {
	DSN             string `toml:"dsn"`
	MigrationsPath  string `toml:"migrations_path"`
}

// P2PConfig configures the inter-signer gossip transport.
type P2PConfig struct {
	ListenAddr string   `toml:"listen_addr"`
	PeerAddrs  []string `toml:"peer_addrs"`
}

// BlocklistConfig configures the deposit/withdrawal screening collaborator.
// An empty Endpoint means "allow all" (spec §4.2, §6).
type BlocklistConfig struct {
	Endpoint   string        `toml:"endpoint"`
	RetryDelay time.Duration `toml:"retry_delay"`
}

// EmilyConfig configures the Emily REST sidecar, tried round-robin.
type EmilyConfig struct {
	Endpoints []string `toml:"endpoints"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level    string `toml:"level"`
	JSON     bool   `toml:"json"`
	FilePath string `toml:"file_path"`
}

// Load reads path as TOML, applies SIGNER_<SECTION>__<KEY> environment
// overrides, and validates that no security-critical field was left blank.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, signererr.NewFatal(signererr.ErrCodeMissingConfig, "failed to read config file", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, signererr.NewFatal(signererr.ErrCodeMissingConfig, "failed to parse config file", err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate fails closed on any security- or protocol-critical field left
// at its zero value, rather than silently assuming a default (spec §9).
func validate(cfg *Config) error {
	if cfg.Signer.PrivateKeyPath == "" {
		return signererr.NewFatal(signererr.ErrCodeMissingConfig, "signer.private_key_path is required", nil)
	}
	if len(cfg.Bitcoin.RPCEndpoints) == 0 {
		return signererr.NewFatal(signererr.ErrCodeMissingConfig, "bitcoin.rpc_endpoints is required", nil)
	}
	if len(cfg.Stacks.RPCEndpoints) == 0 {
		return signererr.NewFatal(signererr.ErrCodeMissingConfig, "stacks.rpc_endpoints is required", nil)
	}
	if cfg.Database.DSN == "" {
		return signererr.NewFatal(signererr.ErrCodeMissingConfig, "database.dsn is required", nil)
	}
	if cfg.Signer.SbtcBitcoinStartHeight == 0 {
		return signererr.NewFatal(signererr.ErrCodeMissingConfig, "signer.sbtc_bitcoin_start_height is required", nil)
	}
	if len(cfg.Signer.CandidateSigners) == 0 {
		return signererr.NewFatal(signererr.ErrCodeMissingConfig, "signer.candidate_signers is required", nil)
	}
	if cfg.Signer.Threshold <= 0 || cfg.Signer.Threshold > len(cfg.Signer.CandidateSigners) {
		return signererr.NewFatal(signererr.ErrCodeMissingConfig, "signer.threshold must be in [1, len(candidate_signers)]", nil)
	}
	return nil
}

// envPrefix is the environment-variable prefix from spec §6:
// "every configuration key is overridable by SIGNER_<SECTION>__<KEY>".
const envPrefix = "SIGNER_"

// applyEnvOverrides walks every environment variable matching
// SIGNER_<SECTION>__<KEY> and, if <SECTION>.<KEY> names a string, []string,
// bool, int, uint64, or time.Duration field on cfg, overrides it.
func applyEnvOverrides(cfg *Config) {
	fieldsBySection := map[string]interface{}{
		"SIGNER":    &cfg.Signer,
		"BITCOIN":   &cfg.Bitcoin,
		"STACKS":    &cfg.Stacks,
		"DATABASE":  &cfg.Database,
		"P2P":       &cfg.P2P,
		"BLOCKLIST": &cfg.Blocklist,
		"EMILY":     &cfg.Emily,
		"LOGGING":   &cfg.Logging,
	}

	for _, entry := range os.Environ() {
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 || !strings.HasPrefix(kv[0], envPrefix) {
			continue
		}
		rest := strings.TrimPrefix(kv[0], envPrefix)
		parts := strings.SplitN(rest, "__", 2)
		if len(parts) != 2 {
			continue
		}
		section, key := parts[0], parts[1]
		target, ok := fieldsBySection[section]
		if !ok {
			continue
		}
		setTomlField(target, key, kv[1])
	}
}

// setTomlField sets the field on target tagged `toml:"<key lowercased>"`
// using reflection-free, type-switched assignment for the small set of
// field types this config uses.
func setTomlField(target interface{}, key, value string) {
	key = strings.ToLower(key)
	switch t := target.(type) {
	case *SignerConfig:
		setSignerField(t, key, value)
	case *BitcoinConfig:
		setBitcoinField(t, key, value)
	case *StacksConfig:
		setStacksField(t, key, value)
	case *DatabaseConfig:
		setDatabaseField(t, key, value)
	case *P2PConfig:
		setP2PField(t, key, value)
	case *BlocklistConfig:
		setBlocklistField(t, key, value)
	case *EmilyConfig:
		setEmilyField(t, key, value)
	case *LoggingConfig:
		setLoggingField(t, key, value)
	}
}

func setSignerField(c *SignerConfig, key, value string) {
	switch key {
	case "private_key_path":
		c.PrivateKeyPath = value
	case "candidate_signers":
		c.CandidateSigners = splitCSV(value)
	case "threshold":
		c.Threshold = parseInt(value)
	case "dkg_min_bitcoin_block_height":
		c.DkgMinBitcoinBlockHeight = parseUint(value)
	case "dkg_target_rounds":
		c.DkgTargetRounds = parseInt(value)
	case "dkg_verification_window":
		c.DkgVerificationWindow = parseUint(value)
	case "dkg_max_duration":
		c.DkgMaxDuration = parseDuration(value)
	case "dkg_begin_pause":
		c.DkgBeginPause = parseDuration(value)
	case "sbtc_bitcoin_start_height":
		c.SbtcBitcoinStartHeight = parseUint(value)
	case "signer_round_max_duration":
		c.SignerRoundMaxDuration = parseDuration(value)
	case "bitcoin_presign_request_max_duration":
		c.BitcoinPresignRequestMaxDuration = parseDuration(value)
	case "bitcoin_processing_delay":
		c.BitcoinProcessingDelay = parseDuration(value)
	case "max_deposits_per_bitcoin_tx":
		c.MaxDepositsPerBitcoinTx = parseInt(value)
	case "fee_tolerance":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			c.FeeTolerance = f
		}
	case "stacks_fees_max_ustx":
		c.StacksFeesMaxUstx = parseUint(value)
	case "deposit_decisions_retry_window":
		c.DepositDecisionsRetryWindow = parseUint(value)
	case "withdrawal_decisions_retry_window":
		c.WithdrawalDecisionsRetryWindow = parseUint(value)
	case "context_window":
		c.ContextWindow = parseUint(value)
	}
}

func setBitcoinField(c *BitcoinConfig, key, value string) {
	switch key {
	case "network":
		c.Network = value
	case "rpc_endpoints":
		c.RPCEndpoints = splitCSV(value)
	case "rpc_user":
		c.RPCUser = value
	case "rpc_pass":
		c.RPCPass = value
	case "zmq_endpoints":
		c.ZMQEndpoints = splitCSV(value)
	}
}

func setStacksField(c *StacksConfig, key, value string) {
	switch key {
	case "rpc_endpoints":
		c.RPCEndpoints = splitCSV(value)
	case "event_observer_bind":
		c.EventObserverBind = value
	case "sbtc_contract_address":
		c.SbtcContractAddress = value
	case "sbtc_contract_name":
		c.SbtcContractName = value
	case "aggregate_principal":
		c.AggregatePrincipal = value
	}
}

func setDatabaseField(c *DatabaseConfig, key, value string) {
	switch key {
	case "dsn":
		c.DSN = value
	case "migrations_path":
		c.MigrationsPath = value
	}
}

func setP2PField(c *P2PConfig, key, value string) {
	switch key {
	case "listen_addr":
		c.ListenAddr = value
	case "peer_addrs":
		c.PeerAddrs = splitCSV(value)
	}
}

func setBlocklistField(c *BlocklistConfig, key, value string) {
	switch key {
	case "endpoint":
		c.Endpoint = value
	case "retry_delay":
		c.RetryDelay = parseDuration(value)
	}
}

func setEmilyField(c *EmilyConfig, key, value string) {
	switch key {
	case "endpoints":
		c.Endpoints = splitCSV(value)
	}
}

func setLoggingField(c *LoggingConfig, key, value string) {
	switch key {
	case "level":
		c.Level = value
	case "json":
		c.JSON = value == "true" || value == "1"
	case "file_path":
		c.FilePath = value
	}
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/7maylord/whisper/pkgs/settlement"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Settings holds all configuration for the coordinator
type Settings struct {
	// Core Identity
	CoordinatorID   string
	EnginePrincipal common.Address

	// Matching Core
	QuorumThreshold   int
	MatchTimeout      time.Duration
	IntentionValidity time.Duration
	RevealWindow      time.Duration
	SavingsMarkupBps  int64
	EncryptedBitWidth uint
	Delegates         []common.Address
	Settlers          []common.Address
	SweepInterval     time.Duration

	// Redis Configuration
	RedisEnabled   bool
	RedisHost      string
	RedisPort      string
	RedisDB        int
	RedisPassword  string
	RedisNamespace string

	// P2P Network Configuration
	P2PEnabled           bool
	P2PPort              int
	P2PPrivateKey        string // Hex-encoded Ed25519 key
	P2PPublicIP          string
	BootstrapPeers       []string
	Rendezvous           string
	ConnManagerLowWater  int
	ConnManagerHighWater int

	// Discovery Relay
	DiscoveryPeers   map[string]string // peer name -> base URL
	DiscoveryTimeout time.Duration
	InboxSize        int

	// Deduplication Configuration
	DedupEnabled        bool
	DedupLocalCacheSize int
	DedupTTL            time.Duration

	// Price Oracle
	OracleRPCURL      string
	PriceFeeds        map[common.Address]common.Address // venue -> aggregator
	PriceFreshness    time.Duration
	PriceQueryTimeout time.Duration

	// Settlement
	SettlementURL     string
	SettlementTimeout time.Duration
	VenuePairs        map[common.Address]settlement.TokenPair

	// Signed Attestations
	ChainID           int64
	VerifyingContract string
	RequireSignatures bool

	// Events & Audit
	EventBufferSize int
	EventWorkers    int
	PublishEvents   bool
	AuditEnabled    bool
	AuditQueueSize  int

	// API Configuration
	APIEnabled bool
	APIHost    string
	APIPort    int

	// Monitoring & Debugging
	MetricsEnabled bool
	MetricsPort    int
	LogLevel       string
	DebugMode      bool
}

var (
	// SettingsObj is the global settings instance
	SettingsObj *Settings
)

// LoadConfig loads configuration into SettingsObj
func LoadConfig() error {
	settings, err := Load(viper.New())
	if err != nil {
		return err
	}
	SettingsObj = settings

	configureLogging(SettingsObj)
	logConfigSummary(SettingsObj)
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("coordinator_id", "whisper-coordinator-1")
	v.SetDefault("engine_principal", "")

	v.SetDefault("quorum_threshold", 66)
	v.SetDefault("match_timeout_seconds", 300)
	v.SetDefault("intention_validity_seconds", 300)
	v.SetDefault("reveal_window_seconds", 30)
	v.SetDefault("savings_markup_bps", 80)
	v.SetDefault("encrypted_bit_width", 64)
	v.SetDefault("delegate_addresses", "")
	v.SetDefault("settler_addresses", "")
	v.SetDefault("sweep_interval_seconds", 30)

	v.SetDefault("redis_enabled", true)
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_namespace", "whisper")

	v.SetDefault("p2p_enabled", false)
	v.SetDefault("p2p_port", 9001)
	v.SetDefault("p2p_private_key", "")
	v.SetDefault("p2p_public_ip", "")
	v.SetDefault("bootstrap_peers", "")
	v.SetDefault("rendezvous_point", "whisper-coordinator-network")
	v.SetDefault("conn_manager_low_water", 20)
	v.SetDefault("conn_manager_high_water", 100)

	v.SetDefault("discovery_peers", "")
	v.SetDefault("discovery_timeout_ms", 3000)
	v.SetDefault("discovery_inbox_size", 4096)

	v.SetDefault("dedup_enabled", true)
	v.SetDefault("dedup_local_cache_size", 10000)
	v.SetDefault("dedup_ttl_seconds", 600)

	v.SetDefault("oracle_rpc_url", "")
	v.SetDefault("price_feeds", "")
	v.SetDefault("price_freshness_seconds", 3600)
	v.SetDefault("price_query_timeout_ms", 2000)

	v.SetDefault("settlement_url", "")
	v.SetDefault("settlement_timeout_seconds", 30)
	v.SetDefault("venue_pairs", "")

	v.SetDefault("chain_id", 1)
	v.SetDefault("verifying_contract", "")
	v.SetDefault("require_signatures", false)

	v.SetDefault("event_buffer_size", 1000)
	v.SetDefault("event_workers", 10)
	v.SetDefault("publish_events", true)
	v.SetDefault("audit_enabled", true)
	v.SetDefault("audit_queue_size", 1024)

	v.SetDefault("api_enabled", true)
	v.SetDefault("api_host", "0.0.0.0")
	v.SetDefault("api_port", 8080)

	v.SetDefault("metrics_enabled", true)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("log_level", "info")
	v.SetDefault("debug_mode", false)
}

// Load reads environment variables, and the file named by CONFIG_FILE when
// set, into a validated Settings
func Load(v *viper.Viper) (*Settings, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	s := &Settings{
		CoordinatorID: v.GetString("coordinator_id"),

		QuorumThreshold:   v.GetInt("quorum_threshold"),
		MatchTimeout:      seconds(v, "match_timeout_seconds"),
		IntentionValidity: seconds(v, "intention_validity_seconds"),
		RevealWindow:      seconds(v, "reveal_window_seconds"),
		SavingsMarkupBps:  v.GetInt64("savings_markup_bps"),
		EncryptedBitWidth: v.GetUint("encrypted_bit_width"),
		SweepInterval:     seconds(v, "sweep_interval_seconds"),

		RedisEnabled:   v.GetBool("redis_enabled"),
		RedisHost:      v.GetString("redis_host"),
		RedisPort:      v.GetString("redis_port"),
		RedisDB:        v.GetInt("redis_db"),
		RedisPassword:  v.GetString("redis_password"),
		RedisNamespace: v.GetString("redis_namespace"),

		P2PEnabled:           v.GetBool("p2p_enabled"),
		P2PPort:              v.GetInt("p2p_port"),
		P2PPrivateKey:        v.GetString("p2p_private_key"),
		P2PPublicIP:          v.GetString("p2p_public_ip"),
		Rendezvous:           v.GetString("rendezvous_point"),
		ConnManagerLowWater:  v.GetInt("conn_manager_low_water"),
		ConnManagerHighWater: v.GetInt("conn_manager_high_water"),

		DiscoveryTimeout: time.Duration(v.GetInt("discovery_timeout_ms")) * time.Millisecond,
		InboxSize:        v.GetInt("discovery_inbox_size"),

		DedupEnabled:        v.GetBool("dedup_enabled"),
		DedupLocalCacheSize: v.GetInt("dedup_local_cache_size"),
		DedupTTL:            seconds(v, "dedup_ttl_seconds"),

		OracleRPCURL:      v.GetString("oracle_rpc_url"),
		PriceFreshness:    seconds(v, "price_freshness_seconds"),
		PriceQueryTimeout: time.Duration(v.GetInt("price_query_timeout_ms")) * time.Millisecond,

		SettlementURL:     v.GetString("settlement_url"),
		SettlementTimeout: seconds(v, "settlement_timeout_seconds"),

		ChainID:           v.GetInt64("chain_id"),
		VerifyingContract: v.GetString("verifying_contract"),
		RequireSignatures: v.GetBool("require_signatures"),

		EventBufferSize: v.GetInt("event_buffer_size"),
		EventWorkers:    v.GetInt("event_workers"),
		PublishEvents:   v.GetBool("publish_events"),
		AuditEnabled:    v.GetBool("audit_enabled"),
		AuditQueueSize:  v.GetInt("audit_queue_size"),

		APIEnabled: v.GetBool("api_enabled"),
		APIHost:    v.GetString("api_host"),
		APIPort:    v.GetInt("api_port"),

		MetricsEnabled: v.GetBool("metrics_enabled"),
		MetricsPort:    v.GetInt("metrics_port"),
		LogLevel:       v.GetString("log_level"),
		DebugMode:      v.GetBool("debug_mode"),
	}

	// Load complex configurations that require additional parsing
	if err := loadAddresses(v, s); err != nil {
		return nil, err
	}
	if err := loadPeers(v, s); err != nil {
		return nil, err
	}
	if err := loadPriceFeeds(v, s); err != nil {
		return nil, err
	}
	if err := loadVenuePairs(v, s); err != nil {
		return nil, err
	}

	if err := validateConfig(s); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

func parseAddress(key, s string) (common.Address, error) {
	s = strings.TrimSpace(strings.Trim(s, "\""))
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", strings.ToUpper(key), s)
	}
	return common.HexToAddress(s), nil
}

// loadAddresses parses the engine principal, delegate and settler sets
func loadAddresses(v *viper.Viper, s *Settings) error {
	if p := v.GetString("engine_principal"); p != "" {
		addr, err := parseAddress("engine_principal", p)
		if err != nil {
			return err
		}
		s.EnginePrincipal = addr
	}

	delegates, err := stringList(v, "delegate_addresses")
	if err != nil {
		return err
	}
	for _, d := range delegates {
		addr, err := parseAddress("delegate_addresses", d)
		if err != nil {
			return err
		}
		s.Delegates = append(s.Delegates, addr)
	}

	settlers, err := stringList(v, "settler_addresses")
	if err != nil {
		return err
	}
	for _, a := range settlers {
		addr, err := parseAddress("settler_addresses", a)
		if err != nil {
			return err
		}
		s.Settlers = append(s.Settlers, addr)
	}
	return nil
}

// loadPeers loads bootstrap multiaddrs and HTTP discovery peers
func loadPeers(v *viper.Viper, s *Settings) error {
	peers, err := stringList(v, "bootstrap_peers")
	if err != nil {
		return err
	}
	s.BootstrapPeers = peers

	discovery, err := stringMap(v, "discovery_peers")
	if err != nil {
		return err
	}
	s.DiscoveryPeers = discovery
	return nil
}

// loadPriceFeeds maps venues to their aggregator contracts
func loadPriceFeeds(v *viper.Viper, s *Settings) error {
	feeds, err := stringMap(v, "price_feeds")
	if err != nil {
		return err
	}
	s.PriceFeeds = make(map[common.Address]common.Address, len(feeds))
	for venue, feed := range feeds {
		venueAddr, err := parseAddress("price_feeds", venue)
		if err != nil {
			return err
		}
		feedAddr, err := parseAddress("price_feeds", feed)
		if err != nil {
			return err
		}
		s.PriceFeeds[venueAddr] = feedAddr
	}
	return nil
}

type pairConfig struct {
	Base  string `json:"base" mapstructure:"base"`
	Quote string `json:"quote" mapstructure:"quote"`
}

// loadVenuePairs accepts a JSON object {"venue":{"base":..,"quote":..}},
// comma-separated venue=base/quote entries, or a config file table
func loadVenuePairs(v *viper.Viper, s *Settings) error {
	raw := map[string]pairConfig{}

	switch val := v.Get("venue_pairs").(type) {
	case nil:
	case string:
		val = strings.TrimSpace(val)
		switch {
		case val == "":
		case strings.HasPrefix(val, "{"):
			if err := json.Unmarshal([]byte(val), &raw); err != nil {
				return fmt.Errorf("failed to parse VENUE_PAIRS as JSON object: %w", err)
			}
		default:
			for _, entry := range strings.Split(val, ",") {
				venue, pair, ok := strings.Cut(strings.TrimSpace(entry), "=")
				base, quote, ok2 := strings.Cut(pair, "/")
				if !ok || !ok2 {
					return fmt.Errorf("VENUE_PAIRS: expected venue=base/quote, got %q", entry)
				}
				raw[venue] = pairConfig{Base: base, Quote: quote}
			}
		}
	default:
		if err := v.UnmarshalKey("venue_pairs", &raw); err != nil {
			return fmt.Errorf("failed to decode venue_pairs: %w", err)
		}
	}

	s.VenuePairs = make(map[common.Address]settlement.TokenPair, len(raw))
	for venue, pair := range raw {
		venueAddr, err := parseAddress("venue_pairs", venue)
		if err != nil {
			return err
		}
		base, err := parseAddress("venue_pairs", pair.Base)
		if err != nil {
			return err
		}
		quote, err := parseAddress("venue_pairs", pair.Quote)
		if err != nil {
			return err
		}
		s.VenuePairs[venueAddr] = settlement.TokenPair{Base: base, Quote: quote}
	}
	return nil
}

// stringList reads a JSON array or comma-separated list from the
// environment, or a list from the config file
func stringList(v *viper.Viper, key string) ([]string, error) {
	var items []string
	switch val := v.Get(key).(type) {
	case nil:
		return nil, nil
	case string:
		val = strings.TrimSpace(val)
		if val == "" {
			return nil, nil
		}
		if strings.HasPrefix(val, "[") {
			if err := json.Unmarshal([]byte(val), &items); err != nil {
				return nil, fmt.Errorf("failed to parse %s as JSON array: %w", strings.ToUpper(key), err)
			}
		} else {
			items = strings.Split(val, ",")
		}
	default:
		items = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(strings.Trim(item, "\" "))
		if item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// stringMap reads a JSON object or comma-separated key=value pairs from the
// environment, or a table from the config file
func stringMap(v *viper.Viper, key string) (map[string]string, error) {
	out := make(map[string]string)
	switch val := v.Get(key).(type) {
	case nil:
	case string:
		val = strings.TrimSpace(val)
		switch {
		case val == "":
		case strings.HasPrefix(val, "{"):
			if err := json.Unmarshal([]byte(val), &out); err != nil {
				return nil, fmt.Errorf("failed to parse %s as JSON object: %w", strings.ToUpper(key), err)
			}
		default:
			for _, entry := range strings.Split(val, ",") {
				k, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
				if !ok {
					return nil, fmt.Errorf("%s: expected key=value, got %q", strings.ToUpper(key), entry)
				}
				out[strings.TrimSpace(k)] = strings.TrimSpace(value)
			}
		}
	default:
		for k, value := range v.GetStringMapString(key) {
			out[k] = value
		}
	}
	return out, nil
}

// configureLogging sets up the logger based on configuration
func configureLogging(s *Settings) {
	level, err := log.ParseLevel(strings.ToLower(s.LogLevel))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	// Override with debug mode
	if s.DebugMode {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}

// validateConfig validates the loaded configuration
func validateConfig(s *Settings) error {
	if s.EnginePrincipal == (common.Address{}) {
		return fmt.Errorf("ENGINE_PRINCIPAL is required")
	}
	if s.QuorumThreshold < 1 || s.QuorumThreshold > 100 {
		return fmt.Errorf("QUORUM_THRESHOLD must be within 1..100, got %d", s.QuorumThreshold)
	}
	if s.EncryptedBitWidth == 0 || s.EncryptedBitWidth > 256 {
		return fmt.Errorf("ENCRYPTED_BIT_WIDTH must be within 1..256, got %d", s.EncryptedBitWidth)
	}
	if s.SavingsMarkupBps < 0 {
		return fmt.Errorf("SAVINGS_MARKUP_BPS must not be negative")
	}
	if s.MatchTimeout <= 0 || s.IntentionValidity <= 0 || s.RevealWindow <= 0 {
		return fmt.Errorf("timing windows must be positive")
	}

	if s.DedupEnabled && !s.RedisEnabled {
		return fmt.Errorf("DEDUP_ENABLED requires REDIS_ENABLED")
	}
	if s.AuditEnabled && !s.RedisEnabled {
		log.Warn("Audit trail disabled: Redis is not enabled")
		s.AuditEnabled = false
	}

	if len(s.PriceFeeds) > 0 && s.OracleRPCURL == "" {
		return fmt.Errorf("ORACLE_RPC_URL required when PRICE_FEEDS are configured")
	}
	if s.SettlementURL != "" && len(s.VenuePairs) == 0 {
		return fmt.Errorf("VENUE_PAIRS required when SETTLEMENT_URL is set")
	}

	if s.RequireSignatures && !common.IsHexAddress(s.VerifyingContract) {
		return fmt.Errorf("VERIFYING_CONTRACT required when REQUIRE_SIGNATURES is enabled")
	}
	if s.VerifyingContract != "" && !common.IsHexAddress(s.VerifyingContract) {
		return fmt.Errorf("VERIFYING_CONTRACT: invalid address %q", s.VerifyingContract)
	}

	if s.P2PEnabled {
		if s.ConnManagerLowWater >= s.ConnManagerHighWater {
			return fmt.Errorf("CONN_MANAGER_LOW_WATER must be below CONN_MANAGER_HIGH_WATER")
		}
		if len(s.BootstrapPeers) == 0 && s.Rendezvous == "" {
			log.Warn("No bootstrap peers or rendezvous configured - gossip discovery may not find peers")
		}
	}
	return nil
}

// logConfigSummary logs a summary of the configuration
func logConfigSummary(s *Settings) {
	log.Info("=== Configuration Loaded ===")
	log.Infof("Coordinator ID: %s", s.CoordinatorID)
	log.Infof("Engine principal: %s", s.EnginePrincipal.Hex())
	log.Infof("Quorum: %d%%, match timeout %v, validity %v, reveal window %v",
		s.QuorumThreshold, s.MatchTimeout, s.IntentionValidity, s.RevealWindow)
	log.Infof("Delegates: %d configured, settlers: %d", len(s.Delegates), len(s.Settlers))

	if s.RedisEnabled {
		log.Infof("Redis: %s:%s (DB %d, namespace %s)", s.RedisHost, s.RedisPort, s.RedisDB, s.RedisNamespace)
	}
	if s.P2PEnabled {
		log.Infof("P2P: Port %d, Bootstrap peers: %d", s.P2PPort, len(s.BootstrapPeers))
	}
	log.Infof("Discovery peers: %d HTTP", len(s.DiscoveryPeers))

	if s.DedupEnabled {
		log.Infof("Deduplication: Enabled (TTL: %v, Cache: %d)", s.DedupTTL, s.DedupLocalCacheSize)
	}
	if len(s.PriceFeeds) > 0 {
		log.Infof("Price feeds: %d venues, freshness %v", len(s.PriceFeeds), s.PriceFreshness)
	}
	if s.SettlementURL != "" {
		log.Infof("Settlement: %s (%d venue pairs)", s.SettlementURL, len(s.VenuePairs))
	}
	log.Infof("Signatures: required=%v chain=%d", s.RequireSignatures, s.ChainID)

	log.Info("============================")
}

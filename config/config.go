package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the proxy configuration
type Config struct {
	Proxy   ProxyConfig
	Backend BackendConfig
	Pool    PoolConfig
	Health  HealthConfig
	Cache   CacheConfig
	Metrics MetricsConfig
	Users   map[string]UserConfig
}

// ProxyConfig holds the client-facing listener and routing policy
type ProxyConfig struct {
	Listen               string
	ReadMasterPercentage int  // reads routed to the primary anyway, 0..100
	MasterPreferred      bool // route everything to the primary
	CheckSQLLoosely      bool // allow /*#slave*/ on writes
	ReduceConnections    bool // prefer closing over pooling under low load
	PriorityRead         bool // pick replicas by weight instead of round-robin
	DefaultCharset       string
	DefaultSQLMode       string
	SessionTimeout       time.Duration // idle budget outside a transaction
	TransactionTimeout   time.Duration // idle budget inside a transaction
	SilentVariables      []string      // SET targets acknowledged locally
	MultipleServerMode   bool          // prepared statements across several backends
}

// BackendConfig holds the backend group addresses
type BackendConfig struct {
	Primary  string
	Replicas []ReplicaConfig
}

// ReplicaConfig is one read replica, optionally weighted (addr@weight)
type ReplicaConfig struct {
	Addr   string
	Weight int
}

// PoolConfig holds the idle connection pool watermarks
type PoolConfig struct {
	MinIdle     int
	MidIdle     int
	MaxIdle     int
	IdleTimeout time.Duration
}

// HealthConfig holds backend health check settings
type HealthConfig struct {
	User     string
	Password string
	Interval time.Duration
}

// CacheConfig holds query cache settings
type CacheConfig struct {
	Enabled bool
	MaxSize int
}

// MetricsConfig holds the metrics/pprof HTTP listener
type MetricsConfig struct {
	Listen string
}

// UserConfig holds one user's credentials: the password clients present to
// the proxy and the password the proxy presents to backends (same when
// backend_password is not set)
type UserConfig struct {
	Password        string
	BackendPassword string
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	proxy := cfg.Section("proxy")
	config := &Config{
		Proxy: ProxyConfig{
			Listen:               proxy.Key("listen").MustString(":4040"),
			ReadMasterPercentage: proxy.Key("read_master_percentage").MustInt(0),
			MasterPreferred:      proxy.Key("master_preferred").MustBool(false),
			CheckSQLLoosely:      proxy.Key("check_sql_loosely").MustBool(false),
			ReduceConnections:    proxy.Key("reduce_connections").MustBool(false),
			PriorityRead:         proxy.Key("priority_read").MustBool(false),
			DefaultCharset:       proxy.Key("default_charset").MustString("utf8"),
			DefaultSQLMode:       proxy.Key("default_sql_mode").MustString(""),
			SessionTimeout:       proxy.Key("session_timeout").MustDuration(10 * time.Minute),
			TransactionTimeout:   proxy.Key("transaction_timeout").MustDuration(30 * time.Minute),
			MultipleServerMode:   proxy.Key("multiple_server_mode").MustBool(false),
		},
		Backend: loadBackendConfig(cfg),
		Pool: PoolConfig{
			MinIdle:     cfg.Section("pool").Key("min_idle").MustInt(1),
			MidIdle:     cfg.Section("pool").Key("mid_idle").MustInt(10),
			MaxIdle:     cfg.Section("pool").Key("max_idle").MustInt(20),
			IdleTimeout: cfg.Section("pool").Key("idle_timeout").MustDuration(30 * time.Minute),
		},
		Health: HealthConfig{
			User:     cfg.Section("health").Key("user").MustString(""),
			Password: cfg.Section("health").Key("password").MustString(""),
			Interval: cfg.Section("health").Key("interval").MustDuration(3 * time.Second),
		},
		Cache: CacheConfig{
			Enabled: cfg.Section("cache").Key("enabled").MustBool(true),
			MaxSize: cfg.Section("cache").Key("max_size").MustInt(10000),
		},
		Metrics: MetricsConfig{
			Listen: cfg.Section("metrics").Key("listen").MustString(":9090"),
		},
		Users: loadUsers(cfg),
	}

	if vars := proxy.Key("silent_variables").String(); vars != "" {
		for _, v := range strings.Split(vars, ",") {
			if v = strings.TrimSpace(v); v != "" {
				config.Proxy.SilentVariables = append(config.Proxy.SilentVariables, strings.ToLower(v))
			}
		}
	}

	// Environment variable overrides
	if v := os.Getenv("CETUS_LISTEN"); v != "" {
		config.Proxy.Listen = v
	}
	if v := os.Getenv("CETUS_PRIMARY"); v != "" {
		config.Backend.Primary = v
	}
	if v := os.Getenv("CETUS_READ_MASTER_PERCENTAGE"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Proxy.ReadMasterPercentage = p
		}
	}
	if v := os.Getenv("CETUS_METRICS_LISTEN"); v != "" {
		config.Metrics.Listen = v
	}

	if config.Proxy.ReadMasterPercentage < 0 || config.Proxy.ReadMasterPercentage > 100 {
		return nil, fmt.Errorf("read_master_percentage must be in [0,100], got %d",
			config.Proxy.ReadMasterPercentage)
	}
	return config, nil
}

func loadBackendConfig(cfg *ini.File) BackendConfig {
	sec := cfg.Section("backend")
	bc := BackendConfig{
		Primary: sec.Key("primary").MustString("127.0.0.1:3306"),
	}

	// Parse replicas (replica1, replica2, etc.), address optionally
	// suffixed with @weight
	for i := 1; i <= 10; i++ {
		keyName := "replica" + strconv.Itoa(i)
		replica := sec.Key(keyName).String()
		if replica == "" {
			continue
		}
		rc := ReplicaConfig{Addr: replica, Weight: 1}
		if at := strings.LastIndex(replica, "@"); at > 0 {
			if w, err := strconv.Atoi(replica[at+1:]); err == nil && w > 0 {
				rc.Addr = replica[:at]
				rc.Weight = w
			}
		}
		bc.Replicas = append(bc.Replicas, rc)
	}
	return bc
}

func loadUsers(cfg *ini.File) map[string]UserConfig {
	users := make(map[string]UserConfig)
	for _, key := range cfg.Section("users").Keys() {
		// value is "password" or "password,backend_password"
		parts := strings.SplitN(key.String(), ",", 2)
		uc := UserConfig{Password: parts[0], BackendPassword: parts[0]}
		if len(parts) == 2 {
			uc.BackendPassword = parts[1]
		}
		users[key.Name()] = uc
	}
	return users
}

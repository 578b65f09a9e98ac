// Package config loads and validates the proxy's JSON configuration,
// the shape spec.md §6's table describes. Structured the way the
// teacher's proxy/config.go nests Config/Proxy/Stratum, loaded with
// viper instead of a bare json.Unmarshal so the ecosystem's ENV-override
// convention comes for free.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Pool is one entry of the ordered "pools" list.
type Pool struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
}

// Config is the full config file, spec.md §6.
type Config struct {
	AgentType        string `mapstructure:"agent_type"`
	AgentListenIP    string `mapstructure:"agent_listen_ip"`
	AgentListenPort  int    `mapstructure:"agent_listen_port"`
	Pools            []Pool `mapstructure:"pools"`

	AlwaysKeepDownconn          bool   `mapstructure:"always_keep_downconn"`
	DisconnectWhenLostAsicBoost bool   `mapstructure:"disconnect_when_lost_asicboost"`
	UseIPAsWorkerName           bool   `mapstructure:"use_ip_as_worker_name"`
	IPWorkerNameFormat          string `mapstructure:"ip_worker_name_format"`
	SubmitResponseFromServer    bool   `mapstructure:"submit_response_from_server"`
	FixedWorkerName             string `mapstructure:"fixed_worker_name"`
	PoolUseTLS                  bool   `mapstructure:"pool_use_tls"`

	NUp int `mapstructure:"n_up"`

	Api     ApiConfig     `mapstructure:"api"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ApiConfig drives internal/adminapi, the home SPEC_FULL.md §B gives the
// teacher's Api config field.
type ApiConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// MetricsConfig drives internal/metrics' gorelic wiring, the home
// SPEC_FULL.md §B gives the teacher's Newrelic* fields.
type MetricsConfig struct {
	NewrelicEnabled bool   `mapstructure:"newrelicEnabled"`
	NewrelicName    string `mapstructure:"newrelicName"`
	NewrelicKey     string `mapstructure:"newrelicKey"`
	NewrelicVerbose bool   `mapstructure:"newrelicVerbose"`
}

// defaults mirrors the teacher's implicit zero-value fallbacks, made
// explicit the way viper.SetDefault is meant to be used.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent_type", "btc")
	v.SetDefault("agent_listen_ip", "0.0.0.0")
	v.SetDefault("agent_listen_port", 3333)
	v.SetDefault("disconnect_when_lost_asicboost", true)
	v.SetDefault("ip_worker_name_format", "%d.%d.%d.%d")
	v.SetDefault("n_up", 5)
}

// Load reads and validates path (a JSON file), applying defaults and
// ENV overrides (prefix AGENT_, per viper's AutomaticEnv convention).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("AGENT")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AgentType != "btc" && c.AgentType != "eth" {
		return fmt.Errorf("config: agent_type must be \"btc\" or \"eth\", got %q", c.AgentType)
	}
	if c.AgentListenPort < 1 || c.AgentListenPort > 65535 {
		return fmt.Errorf("config: agent_listen_port %d out of range", c.AgentListenPort)
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("config: pools must list at least one pool")
	}
	if c.NUp <= 0 {
		return fmt.Errorf("config: n_up must be positive")
	}
	return nil
}

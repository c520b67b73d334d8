// Package config loads layered configuration (flags, environment, file)
// for the coordinator and agent binaries via spf13/viper.
//
// Grounded on _examples/LanternOps-breeze/agent/internal/config/config.go.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Coordinator holds the coordinator binary's runtime configuration.
type Coordinator struct {
	CoordinatorID string `mapstructure:"coordinator_id"`
	ListenAddr    string `mapstructure:"listen_addr"`
	DBPath        string `mapstructure:"db_path"`
	ShowFile      string `mapstructure:"show_file"`
	MediaRoot     string `mapstructure:"media_root"`
	Advertise     bool   `mapstructure:"advertise"`
	InstanceName  string `mapstructure:"instance_name"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
}

// DefaultCoordinator returns a Coordinator config populated with defaults.
func DefaultCoordinator() *Coordinator {
	return &Coordinator{
		CoordinatorID: "coordinator",
		ListenAddr:    ":7650",
		DBPath:        "cuemesh.db",
		Advertise:     true,
		InstanceName:  "CueMesh Coordinator",
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Agent holds the agent binary's runtime configuration.
type Agent struct {
	AgentID        string `mapstructure:"agent_id"`
	Hostname       string `mapstructure:"hostname"`
	CoordinatorURL string `mapstructure:"coordinator_url"`
	Token          string `mapstructure:"token"`
	MediaRoot      string `mapstructure:"media_root"`
	DropoutPolicy  string `mapstructure:"dropout_policy"`
	Discover       bool   `mapstructure:"discover"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
}

// DefaultAgent returns an Agent config populated with defaults.
func DefaultAgent() *Agent {
	return &Agent{
		DropoutPolicy: "continue",
		Discover:      true,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// LoadCoordinator reads layered config (file, then CUEMESH_* env, then
// whatever cobra has already bound into v) into a Coordinator. cfgFile may
// be empty, in which case cuemesh-coordinator.yaml is searched for in the
// current directory and /etc/cuemesh.
func LoadCoordinator(v *viper.Viper, cfgFile string) (*Coordinator, error) {
	cfg := DefaultCoordinator()
	if err := load(v, cfgFile, "cuemesh-coordinator"); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal coordinator config: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads layered config into an Agent.
func LoadAgent(v *viper.Viper, cfgFile string) (*Agent, error) {
	cfg := DefaultAgent()
	if err := load(v, cfgFile, "cuemesh-agent"); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal agent config: %w", err)
	}
	return cfg, nil
}

// SaveAgent persists cfg back to cfgFile (or ./cuemesh-agent.yaml if empty),
// used after the coordinator issues a fresh token in an ACCEPT reply so the
// agent reconnects pre-authorized next time.
func SaveAgent(v *viper.Viper, cfgFile string, cfg *Agent) error {
	v.Set("agent_id", cfg.AgentID)
	v.Set("hostname", cfg.Hostname)
	v.Set("coordinator_url", cfg.CoordinatorURL)
	v.Set("token", cfg.Token)
	v.Set("media_root", cfg.MediaRoot)
	v.Set("dropout_policy", cfg.DropoutPolicy)
	v.Set("discover", cfg.Discover)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)

	if cfgFile == "" {
		cfgFile = "cuemesh-agent.yaml"
	}
	if err := v.WriteConfigAs(cfgFile); err != nil {
		return fmt.Errorf("config: save agent config: %w", err)
	}
	return os.Chmod(cfgFile, 0o600)
}

func load(v *viper.Viper, cfgFile, defaultName string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(defaultName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cuemesh")
	}

	v.SetEnvPrefix("CUEMESH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: read config: %w", err)
		}
	}
	return nil
}

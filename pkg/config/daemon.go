// Package config loads daemon settings from files and environment, and the
// project configuration that names builders, schedulers and agents.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// CoordinatorConfig captures runtime settings for the coordinator daemon.
type CoordinatorConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	Basedir     string `mapstructure:"basedir"`
	ProjectFile string `mapstructure:"project_file"`
	// DatabaseURL enables the Postgres build history store; empty keeps
	// history in memory.
	DatabaseURL string `mapstructure:"database_url"`
	// RedisURL switches the status push queues from disk to Redis.
	RedisURL string `mapstructure:"redis_url"`
	// APIToken, when set, is required as a Bearer token on the REST API.
	APIToken  string `mapstructure:"api_token"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// LoadCoordinator loads coordinator configuration from defaults, an optional
// config file, and LOOM_-prefixed environment variables.
func LoadCoordinator() (CoordinatorConfig, error) {
	v := viper.New()
	v.SetConfigName("coordinator")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8010")
	v.SetDefault("basedir", "./loom-state")
	v.SetDefault("project_file", "./loom.yaml")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return CoordinatorConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg CoordinatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return CoordinatorConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// AgentConfig captures runtime settings for the agent daemon.
type AgentConfig struct {
	Name       string `mapstructure:"name"`
	ListenAddr string `mapstructure:"listen_addr"`
	Basedir    string `mapstructure:"basedir"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
}

// LoadAgent loads agent configuration from defaults, an optional config
// file, and LOOM_AGENT_-prefixed environment variables.
func LoadAgent() (AgentConfig, error) {
	v := viper.New()
	v.SetConfigName("agent")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix("LOOM_AGENT")
	v.AutomaticEnv()

	v.SetDefault("name", "agent")
	v.SetDefault("listen_addr", ":8011")
	v.SetDefault("basedir", "./loom-work")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return AgentConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

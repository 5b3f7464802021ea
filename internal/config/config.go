// Package config loads ccm settings from defaults, an optional
// .ccm/config.yaml, and CCM_* environment variables, in increasing
// precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime settings.
type Config struct {
	// PoolSize is the number of git worktree slots to provision.
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
	// MaxConcurrent is the number of scheduler worker slots.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// DBPath is the sqlite database location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	// WorktreeBase overrides the repository root used for the pool.
	WorktreeBase string `mapstructure:"worktree_base" yaml:"worktree_base"`
	// AgentBin is the agent CLI binary to execute tasks with.
	AgentBin string `mapstructure:"agent_bin" yaml:"agent_bin"`
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// ProgressPath is where the markdown experience mirror is written.
	ProgressPath string `mapstructure:"progress_path" yaml:"progress_path"`
	// ExperienceLimit is how many recent notes get injected into new
	// task prompts. Zero disables injection.
	ExperienceLimit int `mapstructure:"experience_limit" yaml:"experience_limit"`
}

// Load reads configuration. configFile may be empty, in which case
// .ccm/config.yaml is used when present.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("pool_size", 4)
	v.SetDefault("max_concurrent", 4)
	v.SetDefault("db_path", filepath.Join(".ccm", "ccm.db"))
	v.SetDefault("worktree_base", "")
	v.SetDefault("agent_bin", "claude")
	v.SetDefault("addr", ":8420")
	v.SetDefault("progress_path", "PROGRESS.md")
	v.SetDefault("experience_limit", 3)

	v.SetEnvPrefix("CCM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".ccm")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Package config loads synchronizer settings from a config file,
// environment variables prefixed TRACEMIR_, and defaults, in that order of
// increasing precedence for the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime settings for a synchronization session.
type Config struct {
	// Address is the trace store endpoint, HOST:PORT.
	Address string `mapstructure:"address"`

	// TraceName overrides the default trace name derived from the target.
	TraceName string `mapstructure:"trace_name"`

	// SchemaFile points to an alternative schema document for the store.
	SchemaFile string `mapstructure:"schema_file"`

	// PollInterval is how often wait-stopped re-checks the process state.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// StopTimeout bounds how long wait-stopped polls before giving up.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	// BatchWrites submits category passes as batches when true.
	BatchWrites bool `mapstructure:"batch_writes"`
}

// Load reads configuration from the given file (optional), the environment,
// and defaults.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetDefault("address", "localhost:15432")
	v.SetDefault("trace_name", "")
	v.SetDefault("schema_file", "")
	v.SetDefault("poll_interval", 100*time.Millisecond)
	v.SetDefault("stop_timeout", 30*time.Second)
	v.SetDefault("batch_writes", true)

	v.SetEnvPrefix("TRACEMIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %v", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	return &cfg, nil
}

// Package config reads the server configuration from defaults, an optional
// YAML file, PRESENTMENT_ environment variables and command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "PRESENTMENT"

type Config struct {
	Server      Server      `mapstructure:"server"`
	Store       Store       `mapstructure:"store"`
	PKI         PKI         `mapstructure:"pki"`
	Log         Log         `mapstructure:"log"`
	Presentment Presentment `mapstructure:"presentment"`
}

type Server struct {
	Address        string   `mapstructure:"address"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ReaderDNS names the verifier certificate that signs
	// openid4vp-v1-signed requests. Empty disables signed requests.
	ReaderDNS      string   `mapstructure:"reader_dns"`
}

type Store struct {
	// Path of the bolt database. Empty keeps credentials in memory.
	Path string `mapstructure:"path"`
}

type PKI struct {
	// Dir holds the issuing authority and the trusted root certificates.
	Dir string `mapstructure:"dir"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Presentment struct {
	PreferKeyAgreement bool          `mapstructure:"prefer_key_agreement"`
	TeardownDelay      time.Duration `mapstructure:"teardown_delay"`
	ConsentTimeout     time.Duration `mapstructure:"consent_timeout"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.reader_dns", "localhost")
	v.SetDefault("store.path", "")
	v.SetDefault("pki.dir", "pki")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("presentment.prefer_key_agreement", false)
	v.SetDefault("presentment.teardown_delay", 500*time.Millisecond)
	v.SetDefault("presentment.consent_timeout", 2*time.Minute)
}

// BindFlags binds flags named after a key with dashes for its separators,
// e.g. --server-address or --presentment-teardown-delay. Other flags are
// left alone.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var result error
	for _, key := range Keys {
		f := flags.Lookup(FlagName(key))
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

var Keys = []string{
	"server.address",
	"server.allowed_origins",
	"server.reader_dns",
	"store.path",
	"pki.dir",
	"log.level",
	"log.format",
	"presentment.prefer_key_agreement",
	"presentment.teardown_delay",
	"presentment.consent_timeout",
}

// Load reads path, if given, on top of the defaults and the environment.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var result error
	if c.Server.Address == "" {
		result = multierror.Append(result, fmt.Errorf("server.address cannot be empty"))
	}
	if c.Presentment.TeardownDelay < 0 {
		result = multierror.Append(result, fmt.Errorf("presentment.teardown_delay cannot be negative"))
	}
	if c.Presentment.ConsentTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("presentment.consent_timeout cannot be negative"))
	}
	return result
}

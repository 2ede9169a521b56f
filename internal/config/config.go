// Package config loads the flat JSON configuration file (spec ambient
// component I), grounded on original_source/main.cpp's
// updateJsonConfig: a compiled-in default is merged with whatever the
// file on disk supplies, and the file is (re)written if it is
// missing. Unmarshalling a JSON document into a struct pre-populated
// with defaults is the Go-idiomatic equivalent of the original's
// recursive merge: any key absent from the file simply leaves the
// default untouched.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// resolverDefaultTimeoutSeconds mirrors resolver.DefaultTimeout; kept
// as a literal here rather than importing internal/resolver so the
// config package stays a leaf with no dependency on the rest of the
// tree.
const resolverDefaultTimeoutSeconds = 10

// AuthConfig mirrors socksServer.authentication in the original's
// config schema.
type AuthConfig struct {
	NoAuth             bool   `json:"noAuth"`
	UseDynamicPassword bool   `json:"useDynamicPassword"`
	Username           string `json:"username"`
	Password           string `json:"password"`
}

// UDPAssociationConfig mirrors socksServer.udpAssociation.
type UDPAssociationConfig struct {
	Enable   bool   `json:"enable"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// EncodeServerConfig mirrors encodeServer. Parsed so a config file
// written by the original binary round-trips, but the encode server
// itself is out of scope and is never started.
type EncodeServerConfig struct {
	Enable bool `json:"enable"`
	Port   int  `json:"port"`
}

// SocksServerConfig mirrors socksServer.
type SocksServerConfig struct {
	Enable         bool                 `json:"enable"`
	Port           int                  `json:"port"`
	Authentication AuthConfig           `json:"authentication"`
	UDPAssociation UDPAssociationConfig `json:"udpAssociation"`
	HighWaterMark  int                  `json:"highWaterMark"`
	MaxConnNum     int                  `json:"maxConnNum"`
	IgnoreLocal    bool                 `json:"ignoreLocal"`
}

// Config is the root of the flat JSON configuration document.
type Config struct {
	LogLevel          string             `json:"logLevel"`
	DNSTimeoutSeconds float64            `json:"dnsTimeoutSeconds"`
	EncodeServer      EncodeServerConfig `json:"encodeServer"`
	SocksServer       SocksServerConfig  `json:"socksServer"`
}

// ResolveTimeout converts the configured DNSTimeoutSeconds into a
// time.Duration for the resolver gateway.
func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutSeconds * float64(time.Second))
}

// Default returns the compiled-in default configuration, matching
// original_source/main.cpp's defautConfig JSON literal.
func Default() *Config {
	return &Config{
		LogLevel:          "INFO",
		DNSTimeoutSeconds: resolverDefaultTimeoutSeconds,
		EncodeServer: EncodeServerConfig{
			Enable: false,
			Port:   0,
		},
		SocksServer: SocksServerConfig{
			Enable: true,
			Port:   1080,
			Authentication: AuthConfig{
				NoAuth:             true,
				UseDynamicPassword: false,
				Username:           "",
				Password:           "",
			},
			UDPAssociation: UDPAssociationConfig{
				Enable:   false,
				Hostname: "",
				Port:     0,
			},
			HighWaterMark: 64 * 1024,
			MaxConnNum:    1024,
			IgnoreLocal:   true,
		},
	}
}

// Load reads path, merging it over the compiled-in default. If path
// does not exist, the default is written to it and returned, mirroring
// the original's "write the default config if none exists yet"
// behavior so an operator always ends up with an editable file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if writeErr := writeDefault(path, cfg); writeErr != nil {
			return nil, fmt.Errorf("config: writing default to %s: %w", path, writeErr)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

func writeDefault(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

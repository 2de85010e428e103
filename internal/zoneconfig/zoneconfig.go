// Package zoneconfig defines the typed configuration loaded from each
// zone's YAML file: the zone's worker count, rate limit, source IP pool,
// and TLS/MTA-STS policy knobs.
//
// Grounded on the teacher's framework/config tree in spirit only — that
// package implements a full config-file DSL for a plugin architecture
// this engine does not have (see DESIGN.md). A plain gopkg.in/yaml.v3
// struct is the idiomatic replacement the rest of the example pack
// (foxcpp/go-mtasts, etc.) uses for static configuration.
package zoneconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateUnit is the Speedometer's accounting window.
type RateUnit string

const (
	RateSecond RateUnit = "second"
	RateMinute RateUnit = "minute"
	RateHour   RateUnit = "hour"
)

// Duration returns the time.Duration corresponding to one unit.
func (u RateUnit) Duration() time.Duration {
	switch u {
	case RateSecond:
		return time.Second
	case RateMinute:
		return time.Minute
	case RateHour:
		return time.Hour
	default:
		return time.Minute
	}
}

// TLSPolicy is the zone-level default for opportunistic vs. required TLS,
// overridable by an MTA-STS `enforce` policy per domain (§4.6).
type TLSPolicy struct {
	RequireTLS bool `yaml:"requireTLS"`
	MTASTS     bool `yaml:"mtaSTS"`
}

// IPPoolEntry is one address in the zone's outbound source pool.
type IPPoolEntry struct {
	Address string `yaml:"address"`
	EHLO    string `yaml:"ehlo"`
}

// RateLimit is a Speedometer configuration of "N messages per unit".
type RateLimit struct {
	N    int      `yaml:"n"`
	Unit RateUnit `yaml:"unit"`
}

// DNSOptions mirrors delivery.DNSOptions as zone-level defaults folded in
// when a delivery leaves the field unset.
type DNSOptions struct {
	PreferIPv6          bool     `yaml:"preferIPv6"`
	IgnoreIPv6          bool     `yaml:"ignoreIPv6"`
	BlockLocalAddresses bool     `yaml:"blockLocalAddresses"`
	BlockDomains        []string `yaml:"blockDomains"`
}

// ZoneConfig is one zone's full static configuration.
type ZoneConfig struct {
	Name        string        `yaml:"name"`
	Processes   int           `yaml:"processes"`
	Connections int           `yaml:"connections"`
	Rate        RateLimit     `yaml:"rate"`
	IPv4Pool    []IPPoolEntry `yaml:"ipv4Pool"`
	IPv6Pool    []IPPoolEntry `yaml:"ipv6Pool"`
	Salt        string        `yaml:"salt"`
	TLS         TLSPolicy     `yaml:"tls"`
	DNS         DNSOptions    `yaml:"dns"`
	BounceRules string        `yaml:"bounceRulesFile"`
	ReuseCount  int           `yaml:"reuseCount"`
}

// Config is the top-level engine configuration: the broker endpoint plus
// every configured zone.
type Config struct {
	BrokerAddr string       `yaml:"brokerAddr"`
	Zones      []ZoneConfig `yaml:"zones"`
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("zoneconfig: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("zoneconfig: parse %s: %w", path, err)
	}

	for i := range cfg.Zones {
		z := &cfg.Zones[i]
		if z.Processes <= 0 {
			z.Processes = 1
		}
		if z.Connections <= 0 {
			z.Connections = 1
		}
		if z.ReuseCount <= 0 {
			z.ReuseCount = 100
		}
		if z.Rate.Unit == "" {
			z.Rate.Unit = RateMinute
		}
	}

	return &cfg, nil
}

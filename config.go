// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Metric backends.
const (
	MetricsNone       = "none"
	MetricsNop        = "nop"
	MetricsExpvar     = "expvar"
	MetricsPrometheus = "prometheus"
)

const (
	// DefaultHost is the default hostname to use.
	DefaultHost = "localhost"

	// DefaultPort is the default protocol port to bind.
	DefaultPort = "12131"

	// DefaultMetricsPort is the default port for the metrics endpoint.
	DefaultMetricsPort = "12132"

	// DefaultMetrics sets the internal metrics to no-op.
	DefaultMetrics = MetricsNop

	// DefaultAdvanceAckTimeout bounds how long a forwarded advance may
	// stay unacknowledged before it is logged as stuck.
	DefaultAdvanceAckTimeout = time.Minute
)

// MetricsBackends is the set of accepted metric service names.
var MetricsBackends = []string{MetricsNone, MetricsNop, MetricsExpvar, MetricsPrometheus}

// Config represents the configuration for a lattice node.
type Config struct {
	// Space is this node's address space ID; must be unique in the
	// cluster and below the address-space limit.
	Space uint32 `toml:"space"`

	// Bind is the host:port the protocol transport listens on.
	Bind string `toml:"bind"`

	// Peers lists every node in the cluster, this one included, as
	// "<space>=<host:port>" entries.
	Peers []string `toml:"peers"`

	LogPath string `toml:"log-path"`
	Verbose bool   `toml:"verbose"`

	Metric struct {
		Service string `toml:"service"`
		Bind    string `toml:"bind"`
	} `toml:"metric"`

	AdvanceAckTimeout Duration `toml:"advance-ack-timeout"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		Bind:              DefaultHost + ":" + DefaultPort,
		Peers:             []string{},
		AdvanceAckTimeout: Duration(DefaultAdvanceAckTimeout),
	}
	c.Metric.Service = DefaultMetrics
	c.Metric.Bind = DefaultHost + ":" + DefaultMetricsPort
	return c
}

// Validate that all configuration permutations are compatible with each
// other.
func (c *Config) Validate() error {
	if AddressSpaceID(c.Space) >= MaxAddressSpaces {
		return errors.Errorf("space %d exceeds the address space limit %d", c.Space, MaxAddressSpaces)
	}
	found := false
	for _, backend := range MetricsBackends {
		if c.Metric.Service == backend {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("unknown metric service %q", c.Metric.Service)
	}
	if _, err := c.ParsePeers(); err != nil {
		return err
	}
	return nil
}

// ParsePeers resolves the peer list into an address table keyed by space.
func (c *Config) ParsePeers() (map[AddressSpaceID]string, error) {
	peers := make(map[AddressSpaceID]string, len(c.Peers))
	for _, entry := range c.Peers {
		i := strings.IndexByte(entry, '=')
		if i < 0 {
			return nil, errors.Errorf("peer entry %q is not of the form <space>=<host:port>", entry)
		}
		space, err := strconv.ParseUint(entry[:i], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing space in peer entry %q", entry)
		}
		if AddressSpaceID(space) >= MaxAddressSpaces {
			return nil, errors.Errorf("peer space %d exceeds the address space limit %d", space, MaxAddressSpaces)
		}
		if _, ok := peers[AddressSpaceID(space)]; ok {
			return nil, errors.Errorf("duplicate peer entry for space %d", space)
		}
		peers[AddressSpaceID(space)] = entry[i+1:]
	}
	return peers, nil
}

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// MarshalTOML write duration into valid TOML. The value must be quoted
// or the emitted document cannot be parsed back.
func (d Duration) MarshalTOML() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

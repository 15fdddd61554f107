// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"testing"
	"time"

	toml "github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Validate())

	c.Space = uint32(MaxAddressSpaces)
	require.Error(t, c.Validate())

	c = NewConfig()
	c.Metric.Service = "statsd"
	require.Error(t, c.Validate())

	c = NewConfig()
	c.Peers = []string{"0=host:1", "0=host:2"}
	require.Error(t, c.Validate(), "duplicate peer space")
}

func TestConfig_ParsePeers(t *testing.T) {
	c := NewConfig()
	c.Peers = []string{"0=alpha:12131", "3=beta:12131"}
	peers, err := c.ParsePeers()
	require.NoError(t, err)
	assert.Equal(t, map[AddressSpaceID]string{
		0: "alpha:12131",
		3: "beta:12131",
	}, peers)

	c.Peers = []string{"alpha:12131"}
	_, err = c.ParsePeers()
	require.Error(t, err)

	c.Peers = []string{"x=alpha:12131"}
	_, err = c.ParsePeers()
	require.Error(t, err)
}

func TestConfig_TOMLRoundTrip(t *testing.T) {
	c := NewConfig()
	c.Space = 2
	c.Peers = []string{"2=gamma:12131"}
	c.AdvanceAckTimeout = Duration(30 * time.Second)

	data, err := toml.Marshal(*c)
	require.NoError(t, err)
	// Durations must be emitted quoted or the document cannot be read
	// back (generate-config output feeds serve -c).
	assert.Contains(t, string(data), `advance-ack-timeout = "30s"`)

	var got Config
	require.NoError(t, toml.Unmarshal(data, &got))
	assert.Equal(t, c.Space, got.Space)
	assert.Equal(t, c.Bind, got.Bind)
	assert.Equal(t, c.Peers, got.Peers)
	assert.Equal(t, c.Metric, got.Metric)
	assert.Equal(t, "30s", got.AdvanceAckTimeout.String())
}

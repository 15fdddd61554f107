// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package prometheus_test

import (
	"testing"

	latprom "github.com/molecula/lattice/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestPrometheusClient_Methods(t *testing.T) {
	c := latprom.NewPrometheusClient()
	c.Count("version_advances_total", 3, 1.0)
	c.CountWithCustomTags("messages_sent_total", 1, 1.0, []string{"type:advance"})
	c.Gauge("version_states_live", 7, 1.0)
	c.Histogram("advance_fanout", 2, 1.0)

	metricFams, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, metricName := range []string{
		"lattice_version_advances_total",
		"lattice_messages_sent_total_type_advance",
		"lattice_version_states_live",
		"lattice_advance_fanout",
	} {
		require.True(t, metricExists(metricName, metricFams), "metric does not exist: %s", metricName)
	}
}

func metricExists(metricName string, metricFams []*io_prometheus_client.MetricFamily) bool {
	for _, metricFam := range metricFams {
		if metricFam.GetName() == metricName {
			return true
		}
	}
	return false
}

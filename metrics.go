// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

const (
	MetricVersionStatesCreated   = "version_states_created_total"
	MetricVersionStatesCollected = "version_states_collected_total"
	MetricAdvancesApplied        = "version_advances_total"
	MetricInvalidationsSent      = "invalidations_sent_total"
	MetricRemoteStateRequests    = "remote_state_requests_total"
	MetricStateUpdatesSent       = "state_updates_sent_total"
	MetricMessagesSent           = "messages_sent_total"
	MetricMessagesReceived       = "messages_received_total"
)

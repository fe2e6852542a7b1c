/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/Avnu/gptp/port"
)

func TestPublishUpdatesGauges(t *testing.T) {
	e := NewExporter()
	e.Publish(port.Snapshot{
		ASCapable:           true,
		MasterLocalOffsetNS: 42,
		MeanLinkDelayNS:     123,
		SyncCount:           7,
		PdelayCount:         3,
		Counters: port.Counters{
			RxSync:     5,
			TxAnnounce: 1,
		},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "gptp_as_capable 1")
	require.Contains(t, body, "gptp_master_local_offset_ns 42")
	require.Contains(t, body, "gptp_mean_link_delay_ns 123")
	require.Contains(t, body, "gptp_counter_rx_sync 5")
	require.Contains(t, body, "gptp_counter_tx_announce 1")
	require.True(t, strings.Contains(body, "gptp_sync_count 7"))
}

func TestNewExporterRegistersAllCounters(t *testing.T) {
	e := NewExporter()
	require.Len(t, e.counters, len(counterNames))
}

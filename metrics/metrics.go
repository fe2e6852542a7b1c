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

// Package metrics exports the port's sixteen IEEE 802.1AS-2011 managed
// counters and its clock-quality state as Prometheus gauges, scraped
// over /metrics. It mirrors ptp/sptp/stats/prom_exporter.go's
// register-a-gauge-per-counter-then-Set shape, but registers the fixed
// set of gauges once at construction instead of re-registering on every
// scrape, since gptp's counter set (unlike sptp's map[string]int64) is
// a known, static struct.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Avnu/gptp/port"
)

// Exporter owns a private registry of gauges fed by the port's
// Snapshot on every publish.
type Exporter struct {
	registry *prometheus.Registry

	asCapable       prometheus.Gauge
	masterLocalNS   prometheus.Gauge
	meanLinkDelayNS prometheus.Gauge
	syncCount       prometheus.Gauge
	pdelayCount     prometheus.Gauge

	counters map[string]prometheus.Gauge
}

// NewExporter builds an Exporter and registers all of its gauges.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		asCapable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_as_capable",
			Help: "1 if the port currently qualifies for 802.1AS operation",
		}),
		masterLocalNS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_master_local_offset_ns",
			Help: "offset of the local clock from the grandmaster, nanoseconds",
		}),
		meanLinkDelayNS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_mean_link_delay_ns",
			Help: "mean propagation delay to the peer, nanoseconds",
		}),
		syncCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_sync_count",
			Help: "Sync messages processed since port start",
		}),
		pdelayCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_pdelay_count",
			Help: "Pdelay exchanges completed since port start",
		}),
		counters: make(map[string]prometheus.Gauge),
	}

	for _, g := range []prometheus.Gauge{e.asCapable, e.masterLocalNS, e.meanLinkDelayNS, e.syncCount, e.pdelayCount} {
		e.registry.MustRegister(g)
	}

	for name := range counterNames {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gptp_counter_" + name,
			Help: "IEEE 802.1AS-2011 managed counter " + name,
		})
		e.registry.MustRegister(g)
		e.counters[name] = g
	}

	return e
}

// Publish implements port.IPCPublisher so an Exporter can sit directly
// in the publisher chain alongside the IPC shared-memory writer.
func (e *Exporter) Publish(s port.Snapshot) {
	if s.ASCapable {
		e.asCapable.Set(1)
	} else {
		e.asCapable.Set(0)
	}
	e.masterLocalNS.Set(float64(s.MasterLocalOffsetNS))
	e.meanLinkDelayNS.Set(float64(s.MeanLinkDelayNS))
	e.syncCount.Set(float64(s.SyncCount))
	e.pdelayCount.Set(float64(s.PdelayCount))

	for name, get := range counterNames {
		e.counters[name].Set(float64(get(s.Counters)))
	}
}

// Serve blocks forever serving /metrics on addr (e.g. ":8888"),
// matching prom_exporter.go's ListenAndServe-under-log.Fatal shape.
func (e *Exporter) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.Fatal(http.ListenAndServe(addr, mux))
}

var counterNames = map[string]func(port.Counters) uint64{
	"rx_sync":                                func(c port.Counters) uint64 { return c.RxSync },
	"rx_follow_up":                            func(c port.Counters) uint64 { return c.RxFollowUp },
	"rx_pdelay_request":                       func(c port.Counters) uint64 { return c.RxPdelayRequest },
	"rx_pdelay_response":                      func(c port.Counters) uint64 { return c.RxPdelayResponse },
	"rx_pdelay_response_follow_up":            func(c port.Counters) uint64 { return c.RxPdelayResponseFollowUp },
	"rx_announce":                             func(c port.Counters) uint64 { return c.RxAnnounce },
	"rx_ptp_packet_discard":                   func(c port.Counters) uint64 { return c.RxPTPPacketDiscard },
	"rx_sync_receipt_timeouts":                func(c port.Counters) uint64 { return c.RxSyncReceiptTimeouts },
	"announce_receipt_timeouts":               func(c port.Counters) uint64 { return c.AnnounceReceiptTimeouts },
	"pdelay_allowed_lost_responses_exceeded":  func(c port.Counters) uint64 { return c.PdelayAllowedLostResponsesExceeded },
	"tx_sync":                                 func(c port.Counters) uint64 { return c.TxSync },
	"tx_follow_up":                            func(c port.Counters) uint64 { return c.TxFollowUp },
	"tx_pdelay_request":                       func(c port.Counters) uint64 { return c.TxPdelayRequest },
	"tx_pdelay_response":                      func(c port.Counters) uint64 { return c.TxPdelayResponse },
	"tx_pdelay_response_follow_up":            func(c port.Counters) uint64 { return c.TxPdelayResponseFollowUp },
	"tx_announce":                             func(c port.Counters) uint64 { return c.TxAnnounce },
}

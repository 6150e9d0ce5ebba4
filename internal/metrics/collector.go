// Copyright (C) 2025 gossip-chat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package metrics collects engine counters and exposes them as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every engine metric. One instance per process.
type Collector struct {
	registry *prometheus.Registry

	Ticks                  prometheus.Counter
	TickDuration           prometheus.Histogram
	AnnouncementsProcessed prometheus.Counter
	AnnouncementsSent      prometheus.Counter
	MessagesSent           prometheus.Counter
	MessagesDelivered      prometheus.Counter
	MessagesFailed         prometheus.Counter
	MessagesReceived       prometheus.Counter
	KeepAlivesEnqueued     prometheus.Counter
	SessionRecoveries      prometheus.Counter
	TransportErrors        prometheus.Counter
}

// NewCollector creates and registers every engine metric.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_ticks_total",
		Help: "Refresh driver ticks executed.",
	})
	c.TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gossip_tick_duration_seconds",
		Help:    "Wall time of one refresh tick.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	c.AnnouncementsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_announcements_processed_total",
		Help: "Incoming announcements handed to the crypto layer.",
	})
	c.AnnouncementsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_announcements_sent_total",
		Help: "Announcements written to the relay.",
	})
	c.MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_messages_sent_total",
		Help: "Outgoing messages accepted by the relay.",
	})
	c.MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_messages_delivered_total",
		Help: "Outgoing messages acknowledged by the peer.",
	})
	c.MessagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_messages_failed_total",
		Help: "Outgoing messages permanently failed.",
	})
	c.MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_messages_received_total",
		Help: "Incoming messages persisted after deduplication.",
	})
	c.KeepAlivesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_keepalives_enqueued_total",
		Help: "Keep-alive messages enqueued.",
	})
	c.SessionRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_session_recoveries_total",
		Help: "Recovery attempts for killed or saturated sessions.",
	})
	c.TransportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gossip_transport_errors_total",
		Help: "Transport calls that failed with a network error.",
	})

	c.registry.MustRegister(
		c.Ticks, c.TickDuration,
		c.AnnouncementsProcessed, c.AnnouncementsSent,
		c.MessagesSent, c.MessagesDelivered, c.MessagesFailed, c.MessagesReceived,
		c.KeepAlivesEnqueued, c.SessionRecoveries, c.TransportErrors,
	)
	return c
}

// ObserveTick records one tick and its duration.
func (c *Collector) ObserveTick(d time.Duration) {
	c.Ticks.Inc()
	c.TickDuration.Observe(d.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

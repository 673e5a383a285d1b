// Copyright © 2024 Genome Research Limited
//
//  This file is part of afsfys.
//
//  afsfys is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  afsfys is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with afsfys. If not, see <http://www.gnu.org/licenses/>.

package afsfys

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "afsfys"

// Upload modes, used as metric labels.
const (
	uploadSync     = "sync"
	uploadQueued   = "queued"
	uploadRecovery = "recovery"
)

// metrics holds the counters of one AfsFys, registered with its own registry
// so that several can exist in one process.
type metrics struct {
	registry   *prometheus.Registry
	rpcCalls   *prometheus.CounterVec
	rpcRetries *prometheus.CounterVec
	uploads    *prometheus.CounterVec
	fetches    prometheus.Counter
	refetches  prometheus.Counter
	recovered  *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rpc_calls_total",
			Help:      "Remote calls made, by call and outcome.",
		}, []string{"call", "outcome"}),
		rpcRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rpc_retries_total",
			Help:      "Extra attempts made after a remote call timed out.",
		}, []string{"call"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uploads_total",
			Help:      "Files successfully written back to the server, by mode.",
		}, []string{"mode"}),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetches_total",
			Help:      "Files downloaded in to the cache.",
		}),
		refetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refetches_total",
			Help:      "Cached files found to be stale and downloaded again.",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovered_total",
			Help:      "Artifacts dealt with by crash recovery, by action.",
		}, []string{"action"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Large files waiting to be uploaded.",
		}),
	}
	m.registry.MustRegister(m.rpcCalls, m.rpcRetries, m.uploads, m.fetches, m.refetches, m.recovered, m.queueDepth)
	return m
}

// rpcDone records the outcome of a remote call.
func (m *metrics) rpcDone(call string, retries int, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case isTimeout(err):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	m.rpcCalls.WithLabelValues(call, outcome).Inc()
	if retries > 0 {
		m.rpcRetries.WithLabelValues(call).Add(float64(retries))
	}
}

// handler serves the metrics in the Prometheus exposition format.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for the cache access proxy.
package metrics

import (
	"net/http"

	"github.com/projectcontour/cachegrpc/internal/build"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	BuildInfoGauge = "cachegrpc_build_info"

	EventStreamsGauge      = "cachegrpc_event_streams"
	EventRegistrationGauge = "cachegrpc_event_registrations"
	EventBufferDepthGauge  = "cachegrpc_event_buffer_depth"
	EventsDroppedTotal     = "cachegrpc_events_resource_exhausted_total"

	CursorPagesTotal   = "cachegrpc_cursor_pages_served_total"
	ExecutorQueueGauge = "cachegrpc_executor_queue_depth"
	CachesGauge        = "cachegrpc_caches"

	TopicPublishedTotal = "cachegrpc_topic_published_total"
	TopicBytesTotal     = "cachegrpc_topic_bytes_published_total"
)

// Metrics holds every Prometheus collector this proxy exposes.
type Metrics struct {
	buildInfoGauge *prometheus.GaugeVec

	EventStreams      prometheus.Gauge
	EventRegistration prometheus.Gauge
	EventBufferDepth  prometheus.Gauge
	EventsDropped     prometheus.Counter

	CursorPagesServed prometheus.Counter
	ExecutorQueueSize prometheus.Gauge
	Caches            prometheus.Gauge

	TopicPublished *prometheus.CounterVec
	TopicBytes     *prometheus.CounterVec
}

// NewMetrics creates a new set of metrics and registers them with the
// supplied registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		buildInfoGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: BuildInfoGauge,
				Help: "Build information for the cache access proxy. Labels include the branch and git SHA it was built from, and its version.",
			},
			[]string{"branch", "revision", "version"},
		),
		EventStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: EventStreamsGauge,
			Help: "Number of currently open event multiplexer streams.",
		}),
		EventRegistration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: EventRegistrationGauge,
			Help: "Number of active SUBSCRIBE registrations across all event streams.",
		}),
		EventBufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: EventBufferDepthGauge,
			Help: "Sum of outbound event buffer occupancy across all streams.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: EventsDroppedTotal,
			Help: "Total number of event streams closed with RESOURCE_EXHAUSTED due to a full outbound buffer.",
		}),
		CursorPagesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: CursorPagesTotal,
			Help: "Total number of paged-iteration pages served by the cursor engine.",
		}),
		ExecutorQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ExecutorQueueGauge,
			Help: "Current number of tasks queued on the dispatcher's executor pool.",
		}),
		Caches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: CachesGauge,
			Help: "Number of backend cache handles currently resolved.",
		}),
		TopicPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: TopicPublishedTotal,
			Help: "Total number of topic-stats channel publishes, by channel.",
		}, []string{"channel"}),
		TopicBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: TopicBytesTotal,
			Help: "Total bytes published across topic-stats channels, by channel.",
		}, []string{"channel"}),
	}
	m.buildInfoGauge.WithLabelValues(build.Branch, build.Sha, build.Version).Set(1)
	m.register(registry)
	return m
}

func (m *Metrics) register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.buildInfoGauge,
		m.EventStreams,
		m.EventRegistration,
		m.EventBufferDepth,
		m.EventsDropped,
		m.CursorPagesServed,
		m.ExecutorQueueSize,
		m.Caches,
		m.TopicPublished,
		m.TopicBytes,
	)
}

// Handler returns an http.Handler for a metrics endpoint.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

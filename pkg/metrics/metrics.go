// Copyright 2023 The ocean-go Authors
//
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

// package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted TCP connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocean_go_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// ConnectedClients tracks the current number of registered clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocean_go_connected_clients",
		Help: "The number of clients currently connected.",
	})

	// PublishesReceived counts inbound PUBLISH packets by QoS.
	PublishesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocean_go_publishes_received_total",
		Help: "The total number of PUBLISH packets received from clients.",
	},
		[]string{"qos"},
	)

	// MessagesRouted counts per-subscriber deliveries dispatched by the router.
	MessagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocean_go_messages_routed_total",
		Help: "The total number of messages dispatched to subscribers.",
	})

	// MessagesDropped counts deliveries abandoned because the target was
	// gone or its clean session was offline.
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocean_go_messages_dropped_total",
		Help: "The total number of deliveries dropped.",
	})

	// SessionTakeovers counts CONNECTs that stole an existing session.
	SessionTakeovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocean_go_session_takeovers_total",
		Help: "The total number of session takeovers.",
	})

	// WillsPublished counts will messages fired on abnormal disconnect.
	WillsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocean_go_wills_published_total",
		Help: "The total number of will messages published.",
	})
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf

/*
Copyright 2024 The Kubernetes Authors.

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

// Package metrics serves the Prometheus endpoint of the bot.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sigs.k8s.io/tugboat/pkg/interrupts"
)

// ExposeMetrics serves /metrics on the given port until interrupted.
func ExposeMetrics(port int) {
	ExposeMetricsWithRegistry(port, nil)
}

// ExposeMetricsWithRegistry is ExposeMetrics with a custom registry, which
// tests use to avoid the global one.
func ExposeMetricsWithRegistry(port int, reg prometheus.Gatherer) {
	if reg == nil {
		reg = prometheus.DefaultGatherer
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: metricsMux}
	interrupts.ListenAndServe(server, 5*time.Second)
}

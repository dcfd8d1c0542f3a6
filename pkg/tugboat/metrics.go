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

package tugboat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	tugboatMetrics = struct {
		// Per project
		pooledMRs *prometheus.GaugeVec
		outcomes  *prometheus.CounterVec
		merges    *prometheus.HistogramVec

		// Singleton
		tickDuration prometheus.Gauge
	}{
		pooledMRs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pooledmrs",
			Help: "Number of assigned merge requests in each project pool.",
		}, []string{
			"project",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outcomes",
			Help: "Count of job outcomes by kind.",
		}, []string{
			"project",
			"outcome",
		}),
		merges: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "merges",
			Help:    "Histogram of merges where values are the number of MRs merged together.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		}, []string{
			"project",
		}),
		tickDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickdur",
			Help: "The duration of the last project loop tick.",
		}),
	}
)

func init() {
	prometheus.MustRegister(tugboatMetrics.pooledMRs)
	prometheus.MustRegister(tugboatMetrics.outcomes)
	prometheus.MustRegister(tugboatMetrics.merges)
	prometheus.MustRegister(tugboatMetrics.tickDuration)
}

// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "CalcGrid"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	IdentifierAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idmap",
		Name:      "allocations_total",
		Help:      "identifiers allocated for previously unseen value keys",
	}, []string{"map"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "value lookups by where the value was found",
	}, []string{"result"})

	LiveCaches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "live",
		Help:      "view computation caches currently registered",
	})

	CacheMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cacheserver",
		Name:      "messages_total",
		Help:      "cache protocol messages by kind",
	}, []string{"kind"})

	Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "calcnode",
		Name:      "jobs_total",
		Help:      "calculation jobs by invoker type and outcome",
	}, []string{"invoker", "result"})

	RemoteNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "calcnode",
		Name:      "remote_nodes",
		Help:      "connected remote calculation nodes",
	})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		IdentifierAllocations,
		CacheLookups,
		LiveCaches,
		CacheMessages,
		Jobs,
		RemoteNodes,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}

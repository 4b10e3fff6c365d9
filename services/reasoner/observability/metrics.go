// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics for the reasoner service.
//
// # Description
//
// Prometheus metrics for run lifecycle, engine state transitions, LLM
// gateway traffic, and semantic-cache effectiveness. The engine and cache
// talk to the Sink interface; the Prometheus implementation here is wired in
// by main, while tests use the in-memory sink from sink.go.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "sitka"

// Subsystem for reasoner metrics.
const reasonerSubsystem = "reasoner"

// Metric names understood by the Prometheus sink. Callers pass these to
// Sink.Increment / Sink.Observe.
const (
	MetricRunsTotal         = "runs_total"           // labels: status
	MetricRunsActive        = "runs_active"          // gauge, labels: none
	MetricTransitionsTotal  = "transitions_total"    // labels: state
	MetricStopReasonsTotal  = "stop_reasons_total"   // labels: reason
	MetricNodesExpanded     = "nodes_expanded_total" // labels: none
	MetricLLMCallsTotal     = "llm_calls_total"      // labels: op, status
	MetricLLMRetriesTotal   = "llm_retries_total"    // labels: op
	MetricLLMCallSeconds    = "llm_call_seconds"     // labels: op
	MetricCacheLookupsTotal = "cache_lookups_total"  // labels: namespace, outcome
	MetricCacheEvictions    = "cache_evictions_total" // labels: namespace
	MetricCacheEntries      = "cache_entries"        // gauge, labels: namespace
)

// ReasonerMetrics holds all Prometheus metrics for the reasoner.
//
// # Description
//
// Initialize once at startup via InitMetrics(); the instance is then
// reachable through DefaultMetrics and the PromSink.
//
// # Thread Safety
//
// All operations are thread-safe.
type ReasonerMetrics struct {
	// RunsTotal counts finished runs by terminal status.
	RunsTotal *prometheus.CounterVec

	// RunsActive tracks currently executing runs.
	RunsActive prometheus.Gauge

	// TransitionsTotal counts engine state entries by state name.
	TransitionsTotal *prometheus.CounterVec

	// StopReasonsTotal counts terminations by stop reason.
	StopReasonsTotal *prometheus.CounterVec

	// NodesExpandedTotal counts thought-tree nodes created by proposers.
	NodesExpandedTotal prometheus.Counter

	// LLMCallsTotal counts engine chat calls by op (chat_propose,
	// chat_value, chat_finalize) and status; embedding calls are not counted.
	LLMCallsTotal *prometheus.CounterVec

	// LLMRetriesTotal counts retry attempts by op.
	LLMRetriesTotal *prometheus.CounterVec

	// LLMCallSeconds measures gateway call latency by op.
	LLMCallSeconds *prometheus.HistogramVec

	// CacheLookupsTotal counts semantic-cache lookups by namespace and
	// outcome (hit, miss, error).
	CacheLookupsTotal *prometheus.CounterVec

	// CacheEvictionsTotal counts FIFO evictions by namespace.
	CacheEvictionsTotal *prometheus.CounterVec

	// CacheEntries tracks live entries per namespace.
	CacheEntries *prometheus.GaugeVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *ReasonerMetrics

// InitMetrics creates and registers all reasoner metrics.
//
// # Description
//
// Call once at application startup. Uses promauto against the default
// registry; calling twice panics, which surfaces double-initialization
// during development.
//
// # Outputs
//
//   - *ReasonerMetrics: The initialized metrics instance.
func InitMetrics() *ReasonerMetrics {
	m := &ReasonerMetrics{
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "runs_total",
			Help:      "Finished runs by terminal status.",
		}, []string{"status"}),

		RunsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "runs_active",
			Help:      "Currently executing runs.",
		}),

		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "engine_transitions_total",
			Help:      "Engine state entries by state.",
		}, []string{"state"}),

		StopReasonsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "stop_reasons_total",
			Help:      "Run terminations by stop reason.",
		}, []string{"reason"}),

		NodesExpandedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "nodes_expanded_total",
			Help:      "Thought-tree nodes created across all runs.",
		}),

		LLMCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "llm_calls_total",
			Help:      "Gateway calls by op and status.",
		}, []string{"op", "status"}),

		LLMRetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "llm_retries_total",
			Help:      "Gateway retry attempts by op.",
		}, []string{"op"}),

		LLMCallSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "llm_call_seconds",
			Help:      "Gateway call latency by op.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"op"}),

		CacheLookupsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "cache_lookups_total",
			Help:      "Semantic cache lookups by namespace and outcome.",
		}, []string{"namespace", "outcome"}),

		CacheEvictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "cache_evictions_total",
			Help:      "Semantic cache FIFO evictions by namespace.",
		}, []string{"namespace"}),

		CacheEntries: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: reasonerSubsystem,
			Name:      "cache_entries",
			Help:      "Live semantic cache entries by namespace.",
		}, []string{"namespace"}),
	}

	DefaultMetrics = m
	return m
}

// Copyright 2023 Riverline, Inc. or its affiliates. All Rights Reserved.
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

package shardcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const TxnCommitOperation = "TxnCommit"
const EventsFailedToPublishOperation = "EventsFailedToPublish"
const StateCurrentOperation = "StateCurrent"
const StateNotCurrentOperation = "StateNotCurrent"
const DeadLetterOperation = "DeadLetter"
const ConsumerRestartOperation = "ConsumerRestart"
const ReplayOperation = "Replay"

type MetricsHandler func(Metric)

type Metric struct {
	StartTime   time.Time
	ExecuteTime time.Time
	EndTime     time.Time
	Count       int
	Bytes       int
	Partition   int32
	Operation   string
	Topic       string
	GroupId     string
}

func (m Metric) Duration() time.Duration {
	return m.EndTime.Sub(m.StartTime)
}

// NewMetricsChannel wraps a MetricsHandler in a buffered channel. If the channel is full
// (presumably because the handler can not keep up), the metric is dropped and a warning
// logged, to prevent processing slow down. Returns nil for a nil handler; emitMetric
// treats a nil channel as a no-op.
func NewMetricsChannel(handler MetricsHandler, size int) chan Metric {
	if handler == nil {
		return nil
	}
	c := make(chan Metric, size)
	go func() {
		for m := range c {
			handler(m)
		}
	}()
	return c
}

func emitMetric(c chan Metric, m Metric) {
	if c == nil {
		return
	}
	select {
	case c <- m:
	default:
		log.Warnf("metric channel full, dropping %s metric", m.Operation)
	}
}

// latencyTracker accumulates durations into an HdrHistogram so the manager's metrics
// snapshot can report commit tail latency without retaining samples.
type latencyTracker struct {
	histogram *hdrhistogram.Histogram
	mux       sync.Mutex
}

func newLatencyTracker() *latencyTracker {
	// 1us to 1 minute at 3 significant figures
	return &latencyTracker{
		histogram: hdrhistogram.New(1, time.Minute.Microseconds(), 3),
	}
}

func (lt *latencyTracker) record(d time.Duration) {
	lt.mux.Lock()
	lt.histogram.RecordValue(d.Microseconds())
	lt.mux.Unlock()
}

func (lt *latencyTracker) snapshot() map[string]int64 {
	lt.mux.Lock()
	defer lt.mux.Unlock()
	return map[string]int64{
		"latency_us_p50": lt.histogram.ValueAtQuantile(50),
		"latency_us_p99": lt.histogram.ValueAtQuantile(99),
		"latency_us_max": lt.histogram.Max(),
		"samples":        lt.histogram.TotalCount(),
	}
}

// Collector exposes core health counters as Prometheus metrics.
type Collector struct {
	inFlight        *prometheus.GaugeVec
	pendingWrites   *prometheus.GaugeVec
	pendingInits    *prometheus.GaugeVec
	currentTxnMs    *prometheus.GaugeVec
	notCurrent      prometheus.Counter
	deadLetters     prometheus.Counter
	consumerRestart prometheus.Counter
	localRegions    prometheus.Gauge
}

// NewCollector creates a collector registered on the provided registry (default if nil).
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = "shardcore"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	partitionLabel := []string{"partition"}
	return &Collector{
		inFlight: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_in_flight",
			Help:      "Records committed but not yet observed by the projection.",
		}, partitionLabel),
		pendingWrites: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_pending_writes",
			Help:      "Writes queued for the next transactional flush.",
		}, partitionLabel),
		pendingInits: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_pending_inits",
			Help:      "Outstanding is-state-current queries.",
		}, partitionLabel),
		currentTxnMs: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_current_txn_ms",
			Help:      "Milliseconds the current transaction has been open, 0 when idle.",
		}, partitionLabel),
		notCurrent: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_not_current_total",
			Help:      "Is-state-current queries that resolved false at their deadline.",
		}),
		deadLetters: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_dead_letters_total",
			Help:      "Messages the router could not route.",
		}),
		consumerRestart: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_restarts_total",
			Help:      "Supervised restarts of the consumed stream.",
		}),
		localRegions: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_local_regions",
			Help:      "Local regions currently held by the router.",
		}),
	}
}

// ObservePublisher updates per-partition publisher gauges from a health sample.
func (c *Collector) ObservePublisher(partition int32, health PublisherHealth) {
	label := prometheus.Labels{"partition": fmt.Sprintf("%d", partition)}
	c.inFlight.With(label).Set(float64(health.InFlight))
	c.pendingWrites.With(label).Set(float64(health.PendingWrites))
	c.pendingInits.With(label).Set(float64(health.PendingInits))
	c.currentTxnMs.With(label).Set(float64(health.CurrentTxnMs))
}

func (c *Collector) ObserveRouter(localRegions int) {
	c.localRegions.Set(float64(localRegions))
}

// HandleMetric is a MetricsHandler that maps core Metric events onto the counters.
func (c *Collector) HandleMetric(m Metric) {
	switch m.Operation {
	case StateNotCurrentOperation:
		c.notCurrent.Add(float64(m.Count))
	case DeadLetterOperation:
		c.deadLetters.Add(float64(m.Count))
	case ConsumerRestartOperation:
		c.consumerRestart.Add(float64(m.Count))
	}
}

// StartMetricsServer serves Prometheus metrics on addr until the context is canceled.
func StartMetricsServer(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server error: %v", err)
		}
	}()
	return nil
}

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
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLatencyTrackerSnapshot(t *testing.T) {
	tracker := newLatencyTracker()
	for i := 1; i <= 100; i++ {
		tracker.record(time.Duration(i) * time.Millisecond)
	}
	snapshot := tracker.snapshot()
	if snapshot["samples"] != 100 {
		t.Errorf("expected 100 samples, got %d", snapshot["samples"])
	}
	if snapshot["latency_us_p99"] < snapshot["latency_us_p50"] {
		t.Errorf("p99 below p50: %v", snapshot)
	}
	if snapshot["latency_us_max"] < snapshot["latency_us_p99"] {
		t.Errorf("max below p99: %v", snapshot)
	}
}

func TestMetricsChannelDelivers(t *testing.T) {
	var delivered atomic.Int32
	c := NewMetricsChannel(func(Metric) { delivered.Add(1) }, 16)
	for i := 0; i < 5; i++ {
		emitMetric(c, Metric{Operation: TxnCommitOperation, Count: 1})
	}
	waitFor(t, defaultTestTimeout, "metric delivery", func() bool {
		return delivered.Load() == 5
	})
	close(c)
}

func TestMetricsChannelNilHandler(t *testing.T) {
	if c := NewMetricsChannel(nil, 16); c != nil {
		t.Errorf("nil handler should produce a nil channel")
	}
	// emitting into a nil channel is a no-op, not a panic
	emitMetric(nil, Metric{Operation: TxnCommitOperation})
}

func TestCollectorHandleMetric(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(registry, "test")
	collector.HandleMetric(Metric{Operation: StateNotCurrentOperation, Count: 2})
	collector.HandleMetric(Metric{Operation: DeadLetterOperation, Count: 1})
	collector.ObservePublisher(0, PublisherHealth{InFlight: 3, PendingWrites: 1})
	collector.ObserveRouter(2)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	byName := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			value := 0.0
			if metric.GetCounter() != nil {
				value = metric.GetCounter().GetValue()
			} else if metric.GetGauge() != nil {
				value = metric.GetGauge().GetValue()
			}
			byName[family.GetName()] += value
		}
	}
	if byName["test_state_not_current_total"] != 2 {
		t.Errorf("not-current counter wrong: %v", byName)
	}
	if byName["test_router_dead_letters_total"] != 1 {
		t.Errorf("dead letter counter wrong: %v", byName)
	}
	if byName["test_publisher_in_flight"] != 3 {
		t.Errorf("in-flight gauge wrong: %v", byName)
	}
	if byName["test_router_local_regions"] != 2 {
		t.Errorf("local regions gauge wrong: %v", byName)
	}
}

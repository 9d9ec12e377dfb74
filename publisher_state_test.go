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
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestTxnFlagTracksTimestamp(t *testing.T) {
	s := newPublisherState()
	if s.txnInProgress() {
		t.Errorf("fresh state should have no transaction")
	}
	if s.txnAge(time.Now()) != 0 {
		t.Errorf("no transaction should report zero age")
	}
	now := time.Now()
	s.beginTxn(now)
	if !s.txnInProgress() {
		t.Errorf("beginTxn should set the in-progress flag")
	}
	if age := s.txnAge(now.Add(time.Second)); age != time.Second {
		t.Errorf("unexpected txn age: %v", age)
	}
	s.endTxn()
	if s.txnInProgress() || !s.txnStartedAt.IsZero() {
		t.Errorf("endTxn should clear both flag and timestamp")
	}
}

func TestInFlightKeepsLargestOffsetPerKey(t *testing.T) {
	s := newPublisherState()
	s.recordAck(RecordMetadata{Key: "k", Offset: 10, Topic: "state", Partition: 0})
	s.recordAck(RecordMetadata{Key: "k", Offset: 42, Topic: "state", Partition: 0})
	s.recordAck(RecordMetadata{Key: "k", Offset: 17, Topic: "state", Partition: 0})

	if len(s.inFlight) != 1 {
		t.Fatalf("expected a single in-flight record for key k, got %d", len(s.inFlight))
	}
	if got := s.inFlight["k"].Offset; got != 42 {
		t.Errorf("expected largest offset 42 to win, got %d", got)
	}
}

func TestDrainPendingWritesIsCompleteAndFIFO(t *testing.T) {
	s := newPublisherState()
	for i := 0; i < 5; i++ {
		s.enqueue(pendingWrite{entityId: fmt.Sprintf("e%d", i), done: make(chan error, 1)})
	}
	drained := s.drainPendingWrites()
	if len(drained) != 5 {
		t.Fatalf("drain must take everything, got %d", len(drained))
	}
	for i, write := range drained {
		if write.entityId != fmt.Sprintf("e%d", i) {
			t.Errorf("drain out of order at %d: %s", i, write.entityId)
		}
	}
	if len(s.pendingWrites) != 0 {
		t.Errorf("pending writes should be empty after drain")
	}
}

func TestRetireRemovesProcessedRecords(t *testing.T) {
	s := newPublisherState()
	s.recordAck(RecordMetadata{Key: "a", Offset: 10})
	s.recordAck(RecordMetadata{Key: "b", Offset: 20})
	s.recordAck(RecordMetadata{Key: "c", Offset: 30})

	if retired := s.retire(20); retired != 2 {
		t.Errorf("expected 2 records retired, got %d", retired)
	}
	if s.keyInFlight("a") || s.keyInFlight("b") {
		t.Errorf("records at or below the processed offset must retire")
	}
	if !s.keyInFlight("c") {
		t.Errorf("record above the processed offset must remain")
	}
}

// For a random interleaving of acks and retirements with a non-decreasing processed
// offset, the in-flight set is exactly the keys whose latest ack is above the processed
// offset. In particular, feeding increasing processed offsets never re-adds a key.
func TestRetirementIsMonotone(t *testing.T) {
	s := newPublisherState()
	rng := rand.New(rand.NewSource(7))
	latestAck := map[string]int64{}
	nextOffset := int64(0)
	processed := int64(-1)
	for step := 0; step < 500; step++ {
		if rng.Intn(3) == 0 {
			key := fmt.Sprintf("k%d", rng.Intn(20))
			s.recordAck(RecordMetadata{Key: key, Offset: nextOffset})
			latestAck[key] = nextOffset
			nextOffset++
		} else {
			// the projection cannot be ahead of what has been written
			processed = min(processed+int64(rng.Intn(3)), nextOffset-1)
			s.retire(processed)
		}
		for key, offset := range latestAck {
			if offset <= processed && s.keyInFlight(key) {
				t.Fatalf("step %d: key %s at offset %d survived retirement at %d", step, key, offset, processed)
			}
			if offset > processed && !s.keyInFlight(key) {
				t.Fatalf("step %d: key %s at offset %d vanished before retirement at %d", step, key, offset, processed)
			}
		}
	}
}

func TestResolveInitsSplitsCurrentAndExpired(t *testing.T) {
	s := newPublisherState()
	now := time.Now()
	s.recordAck(RecordMetadata{Key: "busy", Offset: 42})

	quiet := pendingInit{entityKey: "quiet", expiresAt: now.Add(time.Minute), reply: make(chan bool, 1)}
	blocked := pendingInit{entityKey: "busy", expiresAt: now.Add(time.Minute), reply: make(chan bool, 1)}
	stale := pendingInit{entityKey: "busy", expiresAt: now.Add(-time.Millisecond), reply: make(chan bool, 1)}
	s.addPendingInit(quiet)
	s.addPendingInit(blocked)
	s.addPendingInit(stale)

	current, expired := s.resolveInits(now)
	if len(current) != 1 || current[0].entityKey != "quiet" {
		t.Errorf("expected only the quiet key to resolve current, got %v", current)
	}
	if len(expired) != 1 {
		t.Errorf("expected the stale query to expire, got %v", expired)
	}
	if len(s.pendingInits) != 1 || s.pendingInits[0].entityKey != "busy" {
		t.Errorf("the in-deadline busy query should remain pending")
	}

	// retirement unblocks the remaining query on the next pass
	s.retire(42)
	current, expired = s.resolveInits(now)
	if len(current) != 1 || len(expired) != 0 {
		t.Errorf("expected retirement to resolve the blocked query, got %v / %v", current, expired)
	}
}

// A query must not overtake a publish that has been accepted but not yet acked.
func TestUnackedWritesBlockResolution(t *testing.T) {
	s := newPublisherState()
	write := pendingWrite{entityId: "e1", state: StateWrite{Key: "e1"}, done: make(chan error, 1)}
	s.enqueue(write)

	s.addPendingInit(pendingInit{entityKey: "e1", expiresAt: time.Now().Add(time.Minute), reply: make(chan bool, 1)})
	current, _ := s.resolveInits(time.Now())
	if len(current) != 0 {
		t.Fatalf("query resolved ahead of an unacked publish")
	}

	// the flush drains the write; still unacked until settled
	s.drainPendingWrites()
	current, _ = s.resolveInits(time.Now())
	if len(current) != 0 {
		t.Fatalf("query resolved while the write sat in an open transaction")
	}

	s.recordAck(RecordMetadata{Key: "e1", Offset: 7})
	s.settle(write)
	current, _ = s.resolveInits(time.Now())
	if len(current) != 0 {
		t.Fatalf("query resolved while the ack was still in flight")
	}

	s.retire(7)
	current, _ = s.resolveInits(time.Now())
	if len(current) != 1 {
		t.Fatalf("query should resolve once the write is fully retired")
	}
}

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
	"time"
)

// StateWrite is the per-entity state record of a publish: a nil Value produces a
// tombstone on the state topic.
type StateWrite struct {
	Key   string
	Value []byte
}

// EventWrite is one domain event record of a publish.
type EventWrite struct {
	Key   string
	Value []byte
}

type pendingWrite struct {
	entityId string
	state    StateWrite
	events   []EventWrite
	done     chan error
}

type pendingInit struct {
	entityKey string
	expiresAt time.Time
	reply     chan bool
}

// publisherState is the pure state of one TransactionalPublisher: pending writes in FIFO
// order, in-flight state records (at most one per key, the one with the largest offset),
// outstanding is-state-current queries, and the transaction timer.
//
// The transaction flag and timestamp move together: a transaction is in progress exactly
// when txnStartedAt is non-zero.
type publisherState struct {
	pendingWrites []pendingWrite
	inFlight      map[string]RecordMetadata
	pendingInits  []pendingInit
	// writes accepted but not yet acked or failed, counted per state key. A query for a
	// key with unacked writes must not resolve current even though nothing is in-flight
	// yet; the query arrived after the publish and may not overtake it.
	unacked      map[string]int
	txnStartedAt time.Time
}

func newPublisherState() *publisherState {
	return &publisherState{
		inFlight: make(map[string]RecordMetadata),
		unacked:  make(map[string]int),
	}
}

func (s *publisherState) txnInProgress() bool {
	return !s.txnStartedAt.IsZero()
}

func (s *publisherState) txnAge(now time.Time) time.Duration {
	if !s.txnInProgress() {
		return 0
	}
	return now.Sub(s.txnStartedAt)
}

func (s *publisherState) beginTxn(now time.Time) {
	s.txnStartedAt = now
}

func (s *publisherState) endTxn() {
	s.txnStartedAt = time.Time{}
}

func (s *publisherState) enqueue(w pendingWrite) {
	s.pendingWrites = append(s.pendingWrites, w)
	s.unacked[w.stateKey()]++
}

// settle marks an accepted write as acked or failed, whichever way it went.
func (s *publisherState) settle(w pendingWrite) {
	key := w.stateKey()
	if n := s.unacked[key]; n <= 1 {
		delete(s.unacked, key)
	} else {
		s.unacked[key] = n - 1
	}
}

func (w pendingWrite) stateKey() string {
	if w.state.Key != "" {
		return w.state.Key
	}
	return w.entityId
}

// drainPendingWrites empties the queue completely, in arrival order. One flush attempt
// takes everything.
func (s *publisherState) drainPendingWrites() []pendingWrite {
	drained := s.pendingWrites
	s.pendingWrites = nil
	return drained
}

// recordAck upserts an acked state-topic write, keeping only the record with the largest
// offset for the key. Superseded writes are collapsed.
func (s *publisherState) recordAck(meta RecordMetadata) {
	if existing, ok := s.inFlight[meta.Key]; ok && existing.Offset >= meta.Offset {
		return
	}
	s.inFlight[meta.Key] = meta
}

func (s *publisherState) keyInFlight(key string) bool {
	_, ok := s.inFlight[key]
	return ok
}

// keyBusy reports whether the key has any write whose effect is not yet confirmed:
// committed but unretired, or accepted but not yet acked.
func (s *publisherState) keyBusy(key string) bool {
	return s.keyInFlight(key) || s.unacked[key] > 0
}

func (s *publisherState) addPendingInit(p pendingInit) {
	s.pendingInits = append(s.pendingInits, p)
}

// retire drops every in-flight record whose offset the projection has processed.
// Retirement only removes; a key never re-enters in-flight from here.
func (s *publisherState) retire(processedOffset int64) int {
	retired := 0
	for key, meta := range s.inFlight {
		if meta.Offset <= processedOffset {
			delete(s.inFlight, key)
			retired++
		}
	}
	return retired
}

// resolveInits splits outstanding queries into those answerable now (no in-flight record
// for the key) and those past their deadline. Both sets are removed from the pending
// list; a query that is both resolvable and expired counts as resolved.
func (s *publisherState) resolveInits(now time.Time) (current, expired []pendingInit) {
	remaining := s.pendingInits[:0]
	for _, p := range s.pendingInits {
		switch {
		case !s.keyBusy(p.entityKey):
			current = append(current, p)
		case p.expiresAt.Before(now):
			expired = append(expired, p)
		default:
			remaining = append(remaining, p)
		}
	}
	s.pendingInits = remaining
	return
}

func (s *publisherState) counters() (inFlight, pendingWrites, pendingInits int) {
	return len(s.inFlight), len(s.pendingWrites), len(s.pendingInits)
}

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
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverline-io/shardcore/sak"
)

const minConsumerBackoff = time.Second
const maxConsumerBackoff = 15 * time.Second
const consumerBackoffJitter = 0.1

// EventPlusOffset pairs a consumed event with its committable offset for the business
// flow.
type EventPlusOffset struct {
	Key    []byte
	Value  []byte
	Offset CommittableOffset
}

// BusinessFlow is the user-supplied processing stage of the consumed stream. It returns
// the offset that may now be committed, normally the one it was handed.
type BusinessFlow func(ctx context.Context, event EventPlusOffset) (CommittableOffset, error)

type managerPhase int

const (
	managerStopped managerPhase = iota
	managerConsuming
	managerStopping
)

// Mailbox variants.
type startMsg struct{ done chan struct{} }
type stopReqMsg struct{ done chan struct{} }
type metricsReq struct{ reply chan metricsReply }
type supervisorExited struct{}

type metricsReply struct {
	metrics map[string]int64
	err     error
}

// StreamManager owns the lifecycle of the committable consumer pipeline: start, stop
// with drain, supervised restart with bounded exponential backoff, metrics, and replay
// coordination. It is a message-driven agent; requests arriving while a stop is draining
// are stashed and replayed once stopped.
type StreamManager struct {
	factory      ConsumerFactory
	flow         BusinessFlow
	committerCfg CommitterConfig
	groupId      string

	mailbox   chan any
	phase     managerPhase
	stash     []any
	runStatus sak.RunStatus

	consumeStatus sak.RunStatus
	consumerMux   sync.Mutex
	consumer      LogConsumer

	restarts      atomic.Int64
	commitLatency *latencyTracker
	metrics       chan Metric

	coordinator *ReplayCoordinator
}

// StreamManagerOptions carries the manager's collaborators.
type StreamManagerOptions struct {
	Consumer ConsumerFactory
	Flow     BusinessFlow
	Metrics  MetricsHandler
}

func NewStreamManager(cfg Config, opts StreamManagerOptions) *StreamManager {
	cfg.applyDefaults()
	cfg.validate()
	sm := &StreamManager{
		factory:       opts.Consumer,
		flow:          opts.Flow,
		committerCfg:  cfg.Committer,
		groupId:       cfg.ApplicationId,
		mailbox:       make(chan any, 64),
		phase:         managerStopped,
		runStatus:     sak.NewRunStatus(nil),
		commitLatency: newLatencyTracker(),
		metrics:       NewMetricsChannel(opts.Metrics, 256),
	}
	go sm.run()
	return sm
}

// SetReplayCoordinator wires the coordinator Replay delegates to. Must be called before
// Replay; typically once at assembly time.
func (sm *StreamManager) SetReplayCoordinator(rc *ReplayCoordinator) {
	sm.coordinator = rc
}

// Start begins consuming. Idempotent: starting a consuming manager is a no-op. The
// returned channel closes once the manager has entered the consuming state; the consumer
// itself is constructed asynchronously afterwards.
func (sm *StreamManager) Start() <-chan struct{} {
	done := make(chan struct{})
	select {
	case sm.mailbox <- startMsg{done: done}:
	case <-sm.runStatus.Done():
		close(done)
	}
	return done
}

// Stop drains in-progress offsets, commits them and releases the consumer. Idempotent
// and accepted in every state. The returned channel closes once the manager is stopped.
func (sm *StreamManager) Stop() <-chan struct{} {
	done := make(chan struct{})
	select {
	case sm.mailbox <- stopReqMsg{done: done}:
	case <-sm.runStatus.Done():
		close(done)
	}
	return done
}

// Metrics returns a live snapshot from the underlying consumer plus commit latency and
// restart counters. Only served while consuming.
func (sm *StreamManager) Metrics() (map[string]int64, error) {
	reply := make(chan metricsReply, 1)
	select {
	case sm.mailbox <- metricsReq{reply: reply}:
	case <-sm.runStatus.Done():
		return nil, ErrManagerStopped
	}
	select {
	case r := <-reply:
		return r.metrics, r.err
	case <-sm.runStatus.Done():
		return nil, ErrManagerStopped
	}
}

// Replay delegates to the replay coordinator: stop the group, run the replay strategy
// (typically an offset rewind), restart. An unexpected failure signals the coordinator
// to stop and is surfaced as ReplayFailed.
func (sm *StreamManager) Replay() (result ReplayResult) {
	if sm.coordinator == nil {
		return ReplayResult{Outcome: ReplayFailed, Err: ErrManagerStopped}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("replay panicked: %v", r)
			sm.coordinator.Signal()
			result = ReplayResult{Outcome: ReplayFailed, Err: ErrReplayAborted}
		}
	}()
	result = sm.coordinator.Replay(context.Background())
	if result.Err != nil {
		sm.coordinator.Signal()
	}
	return result
}

// Shutdown halts the agent itself. Used at process teardown, not for routine stops.
func (sm *StreamManager) Shutdown() {
	sm.runStatus.Halt()
}

func (sm *StreamManager) run() {
	for {
		select {
		case msg := <-sm.mailbox:
			sm.dispatch(msg)
		case <-sm.runStatus.Done():
			if sm.phase == managerConsuming || sm.phase == managerStopping {
				sm.consumeStatus.Halt()
				// wait for the supervisor to release the consumer and stop emitting
				// metrics before closing down
				for msg := range sm.mailbox {
					if _, ok := msg.(supervisorExited); ok {
						break
					}
				}
			}
			if sm.metrics != nil {
				close(sm.metrics)
			}
			return
		}
	}
}

func (sm *StreamManager) dispatch(msg any) {
	// anything arriving mid-stop waits for the drain to finish
	if sm.phase == managerStopping {
		if _, ok := msg.(supervisorExited); !ok {
			sm.stash = append(sm.stash, msg)
			return
		}
	}
	switch m := msg.(type) {
	case startMsg:
		if sm.phase == managerStopped {
			sm.phase = managerConsuming
			sm.consumeStatus = sm.runStatus.Fork()
			go sm.supervise(sm.consumeStatus)
		}
		close(m.done)
	case stopReqMsg:
		switch sm.phase {
		case managerStopped:
			close(m.done)
		case managerConsuming:
			// the supervisor observes the halt, drains, and reports supervisorExited
			sm.phase = managerStopping
			sm.consumeStatus.Halt()
			sm.stash = append(sm.stash, m)
		}
	case supervisorExited:
		sm.phase = managerStopped
		stash := sm.stash
		sm.stash = nil
		for _, stashed := range stash {
			if stop, ok := stashed.(stopReqMsg); ok {
				close(stop.done)
				continue
			}
			sm.dispatch(stashed)
		}
	case metricsReq:
		if sm.phase != managerConsuming {
			m.reply <- metricsReply{err: ErrManagerStopped}
			return
		}
		m.reply <- metricsReply{metrics: sm.snapshotMetrics()}
	}
}

func (sm *StreamManager) snapshotMetrics() map[string]int64 {
	snapshot := make(map[string]int64)
	sm.consumerMux.Lock()
	consumer := sm.consumer
	sm.consumerMux.Unlock()
	if consumer != nil {
		for name, value := range consumer.Metrics() {
			snapshot[name] = value
		}
	}
	for name, value := range sm.commitLatency.snapshot() {
		snapshot["commit_"+name] = value
	}
	snapshot["restarts"] = sm.restarts.Load()
	return snapshot
}

func (sm *StreamManager) setConsumer(consumer LogConsumer) {
	sm.consumerMux.Lock()
	sm.consumer = consumer
	sm.consumerMux.Unlock()
}

// supervise runs the consume loop, restarting it on failure with bounded exponential
// backoff and 10% jitter, until halted.
func (sm *StreamManager) supervise(runStatus sak.RunStatus) {
	// always reported: the agent drains its mailbox to this marker on shutdown
	defer func() { sm.mailbox <- supervisorExited{} }()
	backoff := minConsumerBackoff
	for runStatus.Running() {
		consumer, err := sm.factory()
		if err != nil {
			log.Errorf("consumer construction failed: %v", err)
		} else {
			sm.setConsumer(consumer)
			err = sm.consume(runStatus, consumer)
			sm.setConsumer(nil)
			if err == nil {
				// clean drain, halt requested
				return
			}
			log.Errorf("consumer pipeline failed, restarting: %v", err)
			sm.restarts.Add(1)
			emitMetric(sm.metrics, Metric{Operation: ConsumerRestartOperation, Count: 1, GroupId: sm.groupId})
		}
		if !sleepFor(runStatus, withJitter(backoff)) {
			return
		}
		backoff = sak.Min(backoff*2, maxConsumerBackoff)
	}
}

func withJitter(d time.Duration) time.Duration {
	jitter := 1 + consumerBackoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func sleepFor(runStatus sak.RunStatus, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-runStatus.Done():
		return false
	}
}

// consume runs one pipeline incarnation: poll, run the business flow, feed the returned
// offsets to the committer. Returns nil after a requested drain, non-nil on failure.
func (sm *StreamManager) consume(runStatus sak.RunStatus, consumer LogConsumer) error {
	committer := newOffsetCommitter(consumer, sm.committerCfg, sm.commitLatency)
	defer consumer.Close()

	for {
		if !runStatus.Running() {
			// drain: commit everything in progress before releasing the consumer
			return committer.drain()
		}
		ctx, cancel := context.WithTimeout(runStatus.Ctx(), 10*time.Second)
		events, err := consumer.Poll(ctx)
		cancel()
		if err != nil {
			if !runStatus.Running() {
				return committer.drain()
			}
			committer.drain()
			return err
		}
		for _, event := range events {
			offset, err := sm.flow(runStatus.Ctx(), EventPlusOffset{
				Key:    event.Key,
				Value:  event.Value,
				Offset: event.Offset,
			})
			if err != nil {
				committer.drain()
				return err
			}
			// the committer is the sole backpressure source: when its commit slots are
			// saturated this blocks, and demand propagates upstream to the poll loop
			committer.add(runStatus.Ctx(), offset)
		}
	}
}

// offsetCommitter accumulates committable offsets and flushes them by batch size or
// interval, with a bounded number of concurrent commit requests.
type offsetCommitter struct {
	consumer  LogConsumer
	cfg       CommitterConfig
	latency   *latencyTracker
	pending   []CommittableOffset
	lastFlush time.Time
	slots     chan struct{}
	wg        sync.WaitGroup
}

func newOffsetCommitter(consumer LogConsumer, cfg CommitterConfig, latency *latencyTracker) *offsetCommitter {
	return &offsetCommitter{
		consumer:  consumer,
		cfg:       cfg,
		latency:   latency,
		lastFlush: time.Now(),
		slots:     make(chan struct{}, sak.Max(cfg.Parallelism, 1)),
	}
}

func (oc *offsetCommitter) add(ctx context.Context, offset CommittableOffset) {
	oc.pending = append(oc.pending, offset)
	if len(oc.pending) >= oc.cfg.MaxBatch || time.Since(oc.lastFlush) >= oc.cfg.MaxInterval {
		oc.flush(ctx)
	}
}

func (oc *offsetCommitter) flush(ctx context.Context) {
	if len(oc.pending) == 0 {
		oc.lastFlush = time.Now()
		return
	}
	batch := oc.pending
	oc.pending = nil
	oc.lastFlush = time.Now()

	// blocks when all commit slots are busy
	select {
	case oc.slots <- struct{}{}:
	default:
		select {
		case oc.slots <- struct{}{}:
		case <-ctx.Done():
			// keep the batch; the drain commits it with its own context
			oc.pending = append(batch, oc.pending...)
			return
		}
	}
	oc.wg.Add(1)
	go func() {
		defer func() {
			<-oc.slots
			oc.wg.Done()
		}()
		start := time.Now()
		commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := oc.consumer.Commit(commitCtx, batch); err != nil {
			log.Errorf("offset commit failed: %v", err)
			return
		}
		oc.latency.record(time.Since(start))
	}()
}

// drain flushes whatever is pending and waits for in-flight commits to land.
func (oc *offsetCommitter) drain() error {
	oc.flush(context.Background())
	oc.wg.Wait()
	return nil
}

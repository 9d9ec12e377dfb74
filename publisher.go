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
	"time"

	"github.com/riverline-io/shardcore/sak"
	"golang.org/x/time/rate"
)

// A transaction open longer than this marks the publisher unhealthy.
const maxHealthyTxnAge = 2 * time.Minute

type pubPhase int

const (
	pubUninitialized pubPhase = iota
	pubInitializingTx
	pubRecoveringBacklog
	pubProcessing
	pubFenced
)

func (p pubPhase) String() string {
	switch p {
	case pubInitializingTx:
		return "initializing_tx"
	case pubRecoveringBacklog:
		return "recovering_backlog"
	case pubProcessing:
		return "processing"
	case pubFenced:
		return "fenced"
	}
	return "uninitialized"
}

// PublisherHealth is the publisher's health sample. Down when the current transaction
// has been open longer than two minutes or the instance has been fenced.
type PublisherHealth struct {
	Up            bool
	Fenced        bool
	Phase         string
	InFlight      int
	PendingWrites int
	PendingInits  int
	CurrentTxnMs  int64
}

// Mailbox variants.
type publishMsg struct{ write pendingWrite }
type isCurrentMsg struct{ query pendingInit }
type pubHealthReq struct{ reply chan PublisherHealth }

// TransactionalPublisher owns the write path for one partition of the tracked topic. It
// batches pending writes, publishes events and state atomically inside producer
// transactions, tracks in-flight state records, and answers is-state-current queries by
// comparing them against the projection's processed-offset cursor.
//
// On start the publisher initializes producer transactions, writes one non-transactional
// flush record to its partition and waits for the projection to cross that offset. That
// watermark guarantees anything written by earlier, now-fenced instances has been
// observed before this instance answers queries. Publishes and queries arriving during
// recovery are stashed and drained in order once recovered.
//
// The publisher is a message-driven agent: one goroutine owns all state, and the log
// producer is owned exclusively by this instance.
type TransactionalPublisher struct {
	tp              TopicPartition
	eventsTopic     string
	transactionalId string
	groupId         string
	producerFactory ProducerFactory
	flushWriter     FlushRecordWriter
	stateIndex      StateIndex
	producer        LogProducer
	state           *publisherState
	phase           pubPhase
	recoveryOffset  int64
	stash           []any
	mailbox         chan any
	metrics         chan Metric
	latency         *latencyTracker
	flushInterval   time.Duration
	warnLimiter     *rate.Limiter
	runStatus       sak.RunStatus
}

// PublisherOptions carries one publisher's collaborators.
type PublisherOptions struct {
	// Builds (and rebuilds, after fatal init errors) the transactional producer.
	Producer ProducerFactory
	// Writes the recovery flush record. Owned by this publisher.
	FlushWriter FlushRecordWriter
	// The projection's progress index.
	StateIndex StateIndex
	Metrics    MetricsHandler
}

// NewTransactionalPublisher starts the publisher for one partition of the tracked topic.
func NewTransactionalPublisher(cfg Config, partition int32, opts PublisherOptions) *TransactionalPublisher {
	cfg.applyDefaults()
	cfg.validate()
	tp := ntp(partition, cfg.StateTopic)
	p := &TransactionalPublisher{
		tp:              tp,
		eventsTopic:     cfg.EventsTopic,
		transactionalId: TransactionalId(cfg.TransactionalIdPrefix, tp),
		groupId:         cfg.ApplicationId,
		producerFactory: opts.Producer,
		flushWriter:     opts.FlushWriter,
		stateIndex:      opts.StateIndex,
		state:           newPublisherState(),
		phase:           pubUninitialized,
		recoveryOffset:  -1,
		mailbox:         make(chan any, 1024),
		metrics:         NewMetricsChannel(opts.Metrics, 256),
		latency:         newLatencyTracker(),
		flushInterval:   cfg.FlushInterval,
		warnLimiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		runStatus:       sak.NewRunStatus(nil),
	}
	go p.run()
	return p
}

// Publish enqueues a state record plus events for the next transactional flush. The
// returned channel yields nil only after the transaction containing these records
// commits, and an error when the flush failed and the caller should retry.
func (p *TransactionalPublisher) Publish(entityId string, state StateWrite, events []EventWrite) <-chan error {
	done := make(chan error, 1)
	write := pendingWrite{entityId: entityId, state: state, events: events, done: done}
	select {
	case p.mailbox <- publishMsg{write: write}:
	case <-p.runStatus.Done():
		done <- ErrPublisherStopped
	}
	return done
}

// IsStateCurrent resolves true as soon as no record keyed by entityId is in flight, and
// false at the deadline. It never blocks the caller.
func (p *TransactionalPublisher) IsStateCurrent(entityId string, deadline time.Time) <-chan bool {
	reply := make(chan bool, 1)
	query := pendingInit{entityKey: entityId, expiresAt: deadline, reply: reply}
	select {
	case p.mailbox <- isCurrentMsg{query: query}:
	case <-p.runStatus.Done():
		reply <- false
	}
	return reply
}

func (p *TransactionalPublisher) Health() PublisherHealth {
	reply := make(chan PublisherHealth, 1)
	select {
	case p.mailbox <- pubHealthReq{reply: reply}:
	case <-p.runStatus.Done():
		return PublisherHealth{Fenced: p.phase == pubFenced}
	}
	select {
	case h := <-reply:
		return h
	case <-p.runStatus.Done():
		return PublisherHealth{Fenced: p.phase == pubFenced}
	}
}

// Stop halts the agent. If a transaction is open a final abort is attempted; a fenced
// instance skips the abort since fencing already invalidated the transaction.
func (p *TransactionalPublisher) Stop() {
	p.runStatus.Halt()
}

// Done is closed once the publisher has terminated, fenced or stopped.
func (p *TransactionalPublisher) Done() <-chan struct{} {
	return p.runStatus.Done()
}

func (p *TransactionalPublisher) run() {
	p.phase = pubInitializingTx
	initTimer := time.NewTimer(0)
	defer initTimer.Stop()
	metaTicker := time.NewTicker(DefaultMetaRefreshInterval)
	defer metaTicker.Stop()
	flushTicker := time.NewTicker(p.flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case msg := <-p.mailbox:
			p.dispatch(msg)
		case <-initTimer.C:
			if p.phase == pubInitializingTx && !p.tryInit() {
				initTimer.Reset(DefaultInitRetryDelay)
			}
		case <-metaTicker.C:
			p.refreshMetadata()
		case <-flushTicker.C:
			// flush ticks are ignored until recovery completes
			if p.phase == pubProcessing {
				p.flush()
			}
		case <-p.runStatus.Done():
			p.shutdown()
			return
		}
		if p.phase == pubFenced {
			p.runStatus.Halt()
		}
	}
}

func (p *TransactionalPublisher) dispatch(msg any) {
	switch m := msg.(type) {
	case publishMsg:
		if p.phase == pubProcessing {
			p.state.enqueue(m.write)
		} else {
			p.stash = append(p.stash, m)
		}
	case isCurrentMsg:
		if p.phase == pubProcessing {
			p.state.addPendingInit(m.query)
		} else {
			p.stash = append(p.stash, m)
		}
	case pubHealthReq:
		m.reply <- p.health()
	}
}

func (p *TransactionalPublisher) health() PublisherHealth {
	inFlight, pendingWrites, pendingInits := p.state.counters()
	txnMs := p.state.txnAge(time.Now()).Milliseconds()
	return PublisherHealth{
		Up:            p.phase != pubFenced && p.state.txnAge(time.Now()) <= maxHealthyTxnAge,
		Fenced:        p.phase == pubFenced,
		Phase:         p.phase.String(),
		InFlight:      inFlight,
		PendingWrites: pendingWrites,
		PendingInits:  pendingInits,
		CurrentTxnMs:  txnMs,
	}
}

// tryInit performs one transaction-initialization attempt. Returns true when the
// publisher has moved on to backlog recovery.
func (p *TransactionalPublisher) tryInit() bool {
	if p.producer == nil {
		producer, err := p.producerFactory()
		if err != nil {
			log.Errorf("producer construction failed for %s: %v", p.tp, err)
			return false
		}
		p.producer = producer
	}
	ctx, cancel := context.WithTimeout(p.runStatus.Ctx(), DefaultInitRetryDelay)
	err := p.producer.InitTransactions(ctx)
	cancel()
	switch classifyProducerError(err) {
	case errorNone:
	case errorFenced:
		p.becomeFenced(err)
		return true
	case errorInitFatal:
		log.Errorf("fatal transaction init error for %s, rebuilding producer: %v", p.tp, err)
		p.producer.Close()
		p.producer = nil
		return false
	default:
		log.Warnf("transaction init failed for %s, will retry: %v", p.tp, err)
		return false
	}

	// establish the recovery watermark: one empty record, outside any transaction,
	// aimed at this exact partition
	ctx, cancel = context.WithTimeout(p.runStatus.Ctx(), DefaultInitRetryDelay)
	offset, err := p.flushWriter.WriteFlushRecord(ctx, p.tp)
	cancel()
	if err != nil {
		log.Warnf("flush record write failed for %s, will retry: %v", p.tp, err)
		return false
	}
	p.recoveryOffset = offset
	p.phase = pubRecoveringBacklog
	log.Infof("publisher for %s recovering backlog up to offset %d", p.tp, offset)
	return true
}

func (p *TransactionalPublisher) refreshMetadata() {
	switch p.phase {
	case pubRecoveringBacklog:
		if meta, ok := p.processedOffset(); ok && meta >= p.recoveryOffset {
			p.phase = pubProcessing
			log.Infof("publisher for %s recovered, projection at offset %d", p.tp, meta)
			stash := p.stash
			p.stash = nil
			for _, msg := range stash {
				p.dispatch(msg)
			}
		}
	case pubProcessing:
		if offset, ok := p.processedOffset(); ok {
			p.state.retire(offset)
		}
		p.resolvePendingInits()
	}
}

func (p *TransactionalPublisher) processedOffset() (int64, bool) {
	if p.stateIndex == nil || !p.stateIndex.IsOpen() {
		return 0, false
	}
	meta, ok := p.stateIndex.GetMeta(p.tp.String())
	if !ok {
		return 0, false
	}
	return meta.Offset, true
}

func (p *TransactionalPublisher) resolvePendingInits() {
	current, expired := p.state.resolveInits(time.Now())
	for _, query := range current {
		query.reply <- true
	}
	for _, query := range expired {
		query.reply <- false
	}
	if len(current) > 0 {
		emitMetric(p.metrics, Metric{Operation: StateCurrentOperation, Count: len(current), Partition: p.tp.Partition, Topic: p.tp.Topic, GroupId: p.groupId})
	}
	if len(expired) > 0 {
		emitMetric(p.metrics, Metric{Operation: StateNotCurrentOperation, Count: len(expired), Partition: p.tp.Partition, Topic: p.tp.Topic, GroupId: p.groupId})
	}
}

func (p *TransactionalPublisher) flush() {
	if p.state.txnInProgress() {
		if p.warnLimiter.Allow() {
			log.Warnf("flush skipped for %s, transaction open for %dms", p.tp, p.state.txnAge(time.Now()).Milliseconds())
		}
		return
	}
	writes := p.state.drainPendingWrites()
	if len(writes) == 0 {
		return
	}

	// event records first, then state records; only state acks become in-flight entries
	records := make([]OutgoingRecord, 0, len(writes)*2)
	for _, write := range writes {
		for _, event := range write.events {
			records = append(records, OutgoingRecord{
				Topic:     p.eventsTopic,
				Partition: AutoAssign,
				Key:       event.Key,
				Value:     event.Value,
			})
		}
	}
	stateStart := len(records)
	for _, write := range writes {
		records = append(records, OutgoingRecord{
			Topic:     p.tp.Topic,
			Partition: p.tp.Partition,
			Key:       write.stateKey(),
			Value:     write.state.Value,
		})
	}

	start := time.Now()
	if err := p.producer.BeginTransaction(); err != nil {
		if classifyProducerError(err) == errorFenced {
			p.becomeFenced(err)
			p.failWrites(writes, ErrFenced)
			return
		}
		log.Errorf("begin transaction failed for %s: %v", p.tp, err)
		p.reportPublishFailure(writes, err)
		return
	}
	p.state.beginTxn(start)

	ctx := p.runStatus.Ctx()
	futures := p.producer.PutRecords(ctx, records)
	results := make([]ProduceResult, len(futures))
	var produceErr error
	for i, future := range futures {
		results[i] = <-future
		if results[i].Err != nil && produceErr == nil {
			produceErr = results[i].Err
		}
	}

	if produceErr == nil {
		produceErr = p.producer.CommitTransaction(ctx)
		if produceErr == nil {
			for _, result := range results[stateStart:] {
				p.state.recordAck(result.Meta)
			}
			for _, write := range writes {
				p.state.settle(write)
				write.done <- nil
			}
			p.state.endTxn()
			p.latency.record(time.Since(start))
			emitMetric(p.metrics, Metric{
				Operation: TxnCommitOperation,
				StartTime: start,
				EndTime:   time.Now(),
				Count:     len(records),
				Partition: p.tp.Partition,
				Topic:     p.tp.Topic,
				GroupId:   p.groupId,
			})
			return
		}
	}

	if classifyProducerError(produceErr) == errorFenced {
		p.becomeFenced(produceErr)
		p.failWrites(writes, ErrFenced)
		return
	}
	log.Errorf("transaction failed for %s, aborting: %v", p.tp, produceErr)
	abortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := p.producer.AbortTransaction(abortCtx); err != nil {
		if classifyProducerError(err) == errorFenced {
			cancel()
			p.becomeFenced(err)
			p.failWrites(writes, ErrFenced)
			return
		}
		log.Errorf("abort failed for %s: %v", p.tp, err)
	}
	cancel()
	p.state.endTxn()
	p.reportPublishFailure(writes, produceErr)
}

// reportPublishFailure surfaces a failed flush to its senders so they can retry. The
// batch is not resubmitted on the next flush; retry policy belongs to the caller.
func (p *TransactionalPublisher) reportPublishFailure(writes []pendingWrite, err error) {
	emitMetric(p.metrics, Metric{
		Operation: EventsFailedToPublishOperation,
		Count:     len(writes),
		Partition: p.tp.Partition,
		Topic:     p.tp.Topic,
		GroupId:   p.groupId,
	})
	p.failWrites(writes, err)
}

func (p *TransactionalPublisher) failWrites(writes []pendingWrite, err error) {
	for _, write := range writes {
		p.state.settle(write)
		write.done <- err
	}
}

func (p *TransactionalPublisher) becomeFenced(err error) {
	log.Errorf("publisher fenced, transactional id %s: %v", p.transactionalId, err)
	p.phase = pubFenced
	// fencing already invalidated the transaction; no abort attempt
	p.state.endTxn()
}

func (p *TransactionalPublisher) shutdown() {
	// nothing buffered or queued survives the instance; senders get a definitive answer
	for _, msg := range p.stash {
		switch m := msg.(type) {
		case publishMsg:
			m.write.done <- ErrPublisherStopped
		case isCurrentMsg:
			m.query.reply <- false
		}
	}
	p.stash = nil
	p.failWrites(p.state.drainPendingWrites(), ErrPublisherStopped)
	for _, query := range p.state.pendingInits {
		query.reply <- false
	}
	p.state.pendingInits = nil

	if p.phase != pubFenced && p.state.txnInProgress() && p.producer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.producer.AbortTransaction(ctx); err != nil {
			log.Warnf("final abort failed for %s: %v", p.tp, err)
		}
		cancel()
		p.state.endTxn()
	}
	if p.producer != nil {
		p.producer.Close()
	}
	if p.flushWriter != nil {
		p.flushWriter.Close()
	}
	if p.metrics != nil {
		close(p.metrics)
	}
}

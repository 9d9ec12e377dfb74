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
)

// EntityExtractor pulls the entity id out of a routable command. An error means the
// message is not routable and goes to dead letters.
type EntityExtractor func(msg any) (string, error)

// PartitionTracker is the push-based feed of assignment snapshots the router subscribes
// to. Implementations emit a snapshot on every change and once upon registration.
type PartitionTracker interface {
	Register(subscriber chan<- PartitionAssignments)
	Up() bool
}

// DeadLetter wraps a message the router could not route.
type DeadLetter struct {
	Recipient string
	Sender    string
	Message   any
}

type DeadLetterSink interface {
	DeadLetter(DeadLetter)
}

// logDeadLetters logs the message class. Never the payload.
type logDeadLetters struct{}

func (logDeadLetters) DeadLetter(dl DeadLetter) {
	log.Warnf("dead letter from %s: message class %T", dl.Sender, dl.Message)
}

// Completable lets the router observe the completion of a forwarded request so ask
// timeouts can be logged. The router never replies on the sender's behalf; the sender
// observes the timeout from its own request.
type Completable interface {
	Completed() <-chan struct{}
}

type routerPhase int

const (
	routerUninitialized routerPhase = iota
	routerStandby
	routerActive
)

// RouterHealth is the router's health sample.
type RouterHealth struct {
	Up           bool
	TrackerUp    bool
	LocalRegions int
	Phase        string
}

func (p routerPhase) String() string {
	switch p {
	case routerStandby:
		return "standby"
	case routerActive:
		return "active"
	}
	return "uninitialized"
}

// Mailbox variants.
type routeMsg struct{ message any }
type updateAssignmentsMsg struct{ assignments PartitionAssignments }
type regionMapReq struct{ reply chan map[int32]RegionHandle }
type healthReq struct{ reply chan RouterHealth }
type regionTerminatedMsg struct{ partition int32 }

// ShardRouter maps an entity id to the node currently responsible for its partition and
// forwards commands there. It is a message-driven agent: one goroutine owns all mutable
// state and processes one message at a time.
type ShardRouter struct {
	self           HostPort
	trackedTopic   string
	extractor      EntityExtractor
	partitioner    Partitioner
	creator        RegionCreator
	transport      Transport
	tracker        PartitionTracker
	deadLetters    DeadLetterSink
	metrics        chan Metric
	mailbox        chan any
	assignmentsIn  chan PartitionAssignments
	registry       *partitionRegistry
	assignments    PartitionAssignments
	phase          routerPhase
	stash          []any
	loggedNoOwner  map[int32]struct{}
	runStatus      sak.RunStatus
	askTimeout     time.Duration
	healthDeadline time.Duration
	drStandby      bool
}

// ShardRouterOptions carries the router's collaborators.
type ShardRouterOptions struct {
	Extractor   EntityExtractor
	Partitioner Partitioner
	Creator     RegionCreator
	Transport   Transport
	Tracker     PartitionTracker
	DeadLetters DeadLetterSink
	Metrics     MetricsHandler
	// How long a forwarded request may remain uncompleted before an error is logged.
	AskTimeout time.Duration
}

func NewShardRouter(cfg Config, opts ShardRouterOptions) *ShardRouter {
	cfg.applyDefaults()
	cfg.validate()
	if opts.DeadLetters == nil {
		opts.DeadLetters = logDeadLetters{}
	}
	if opts.Partitioner == nil {
		opts.Partitioner = NewHashPartitioner(cfg.NumPartitions)
	}
	if opts.AskTimeout == 0 {
		opts.AskTimeout = 5 * time.Second
	}
	sr := &ShardRouter{
		self:           HostPort{Host: cfg.AdvertisedHost, Port: cfg.AdvertisedPort},
		trackedTopic:   cfg.StateTopic,
		extractor:      opts.Extractor,
		partitioner:    opts.Partitioner,
		creator:        opts.Creator,
		transport:      opts.Transport,
		tracker:        opts.Tracker,
		deadLetters:    opts.DeadLetters,
		metrics:        NewMetricsChannel(opts.Metrics, 256),
		mailbox:        make(chan any, 1024),
		assignmentsIn:  make(chan PartitionAssignments, 4),
		registry:       newPartitionRegistry(),
		phase:          routerUninitialized,
		loggedNoOwner:  make(map[int32]struct{}),
		runStatus:      sak.NewRunStatus(nil),
		askTimeout:     opts.AskTimeout,
		healthDeadline: DefaultHealthCheckDeadline,
		drStandby:      cfg.DRStandbyEnabled,
	}
	go sr.run()
	return sr
}

// Route forwards the command to the region responsible for its entity. Commands arriving
// before the first assignment snapshot are buffered and replayed in order.
func (sr *ShardRouter) Route(msg any) {
	select {
	case sr.mailbox <- routeMsg{message: msg}:
	case <-sr.runStatus.Done():
	}
}

// UpdateAssignments installs a new assignment snapshot, revoking and (lazily) creating
// regions as needed. Normally fed by the PartitionTracker subscription; exposed for
// direct use.
func (sr *ShardRouter) UpdateAssignments(assignments PartitionAssignments) {
	select {
	case sr.mailbox <- updateAssignmentsMsg{assignments: assignments}:
	case <-sr.runStatus.Done():
	}
}

// RegionMap returns a snapshot of partition to region handle. Diagnostic read.
func (sr *ShardRouter) RegionMap() map[int32]RegionHandle {
	reply := make(chan map[int32]RegionHandle, 1)
	select {
	case sr.mailbox <- regionMapReq{reply: reply}:
	case <-sr.runStatus.Done():
		return nil
	}
	select {
	case m := <-reply:
		return m
	case <-sr.runStatus.Done():
		return nil
	}
}

// Health reports UP when the partition tracker is up and every local region answers its
// health probe within the configured deadline.
func (sr *ShardRouter) Health() RouterHealth {
	reply := make(chan RouterHealth, 1)
	select {
	case sr.mailbox <- healthReq{reply: reply}:
	case <-sr.runStatus.Done():
		return RouterHealth{}
	}
	select {
	case h := <-reply:
		return h
	case <-sr.runStatus.Done():
		return RouterHealth{}
	}
}

// Stop signals all local regions and halts the agent. Remote selectors require no
// cleanup.
func (sr *ShardRouter) Stop() {
	sr.runStatus.Halt()
}

func (sr *ShardRouter) run() {
	if sr.tracker != nil {
		sr.tracker.Register(sr.assignmentsIn)
	}
	// re-send the subscription until the first snapshot arrives, to survive tracker
	// restarts
	registerTicker := time.NewTicker(DefaultRegistrationRetryDelay)
	defer registerTicker.Stop()

	for {
		select {
		case msg := <-sr.mailbox:
			sr.dispatch(msg)
		case pa := <-sr.assignmentsIn:
			sr.handleAssignments(pa)
		case <-registerTicker.C:
			if sr.phase == routerUninitialized && sr.tracker != nil {
				sr.tracker.Register(sr.assignmentsIn)
			} else {
				registerTicker.Stop()
			}
		case <-sr.runStatus.Done():
			sr.shutdown()
			return
		}
	}
}

func (sr *ShardRouter) dispatch(msg any) {
	switch m := msg.(type) {
	case routeMsg:
		sr.handleRoute(m.message)
	case updateAssignmentsMsg:
		sr.handleAssignments(m.assignments)
	case regionMapReq:
		m.reply <- sr.registry.snapshot()
	case healthReq:
		m.reply <- sr.handleHealth()
	case regionTerminatedMsg:
		// next command for the partition recreates the region
		if _, ok := sr.registry.drop(m.partition); ok {
			log.Infof("local region for partition %d terminated, removed from registry", m.partition)
		}
	}
}

func (sr *ShardRouter) handleRoute(msg any) {
	if sr.phase == routerUninitialized {
		sr.stash = append(sr.stash, msg)
		return
	}
	entityId, err := sr.extractor(msg)
	if err != nil {
		emitMetric(sr.metrics, Metric{Operation: DeadLetterOperation, Count: 1, Topic: sr.trackedTopic})
		sr.deadLetters.DeadLetter(DeadLetter{
			Recipient: "dead-letters",
			Sender:    "shard-router",
			Message:   msg,
		})
		return
	}
	partition, ok := sr.partitioner.PartitionFor(entityId)
	if !ok {
		log.Warnf("no partition for message class %T, dropping", msg)
		return
	}
	if sr.phase == routerStandby {
		// first routable command flips a standby router active
		log.Infof("standby router activating on first routable command")
		sr.phase = routerActive
		sr.prewarmLocalRegions()
	}
	region, ok := sr.resolveRegion(partition)
	if !ok {
		return
	}
	routed := RoutedMessage{Partition: partition, Message: msg}
	if err := region.Handle.Send(routed); err != nil {
		log.Errorf("failed to forward to partition %d, entity %s: %v", partition, entityId, err)
		return
	}
	if completable, ok := msg.(Completable); ok {
		go sr.observeAsk(completable, partition, entityId)
	}
}

func (sr *ShardRouter) observeAsk(completable Completable, partition int32, entityId string) {
	timer := time.NewTimer(sr.askTimeout)
	defer timer.Stop()
	select {
	case <-completable.Completed():
	case <-timer.C:
		log.Errorf("ask timed out for partition %d, entity %s", partition, entityId)
	case <-sr.runStatus.Done():
	}
}

func (sr *ShardRouter) resolveRegion(partition int32) (PartitionRegion, bool) {
	if region, ok := sr.registry.get(partition); ok {
		return region, true
	}
	owner, assigned := sr.assignments.HostFor(partition)
	if !assigned {
		if _, logged := sr.loggedNoOwner[partition]; !logged {
			sr.loggedNoOwner[partition] = struct{}{}
			log.Warnf("partition %d currently has no assignment, dropping until reassigned", partition)
		}
		return PartitionRegion{}, false
	}
	if owner == sr.self {
		return sr.createLocalRegion(partition)
	}
	region := PartitionRegion{
		Partition:     partition,
		Handle:        remoteSelector{peer: owner, path: routerPath, transport: sr.transport},
		AssignedSince: time.Now(),
		IsLocal:       false,
	}
	sr.registry.put(region)
	return region, true
}

func (sr *ShardRouter) createLocalRegion(partition int32) (PartitionRegion, bool) {
	handle, err := sr.creator(partition)
	if err != nil {
		log.Errorf("region creation failed for partition %d: %v", partition, err)
		return PartitionRegion{}, false
	}
	region := PartitionRegion{
		Partition:     partition,
		Handle:        handle,
		AssignedSince: time.Now(),
		IsLocal:       true,
	}
	sr.registry.put(region)
	if done := handle.Done(); done != nil {
		go func() {
			select {
			case <-done:
				select {
				case sr.mailbox <- regionTerminatedMsg{partition: partition}:
				case <-sr.runStatus.Done():
				}
			case <-sr.runStatus.Done():
			}
		}()
	}
	return region, true
}

func (sr *ShardRouter) handleAssignments(assignments PartitionAssignments) {
	first := sr.phase == routerUninitialized
	delta := assignments.Diff(sr.assignments)
	for host, partitions := range delta.Revoked {
		for _, partition := range partitions {
			region, ok := sr.registry.drop(partition)
			if !ok {
				continue
			}
			if host == sr.self && region.IsLocal {
				stopRegion(region.Handle)
			}
		}
	}
	sr.assignments = assignments
	sr.loggedNoOwner = make(map[int32]struct{})

	// regions must remain a subset of the new assignments; drop anything orphaned by an
	// ownership move that did not include this host in the revoked set
	for partition, region := range sr.registry.regions {
		owner, ok := assignments.HostFor(partition)
		if !ok || (region.IsLocal && owner != sr.self) || (!region.IsLocal && owner == sr.self) {
			sr.registry.drop(partition)
			if region.IsLocal {
				stopRegion(region.Handle)
			}
		}
	}

	if first {
		if sr.drStandby {
			sr.phase = routerStandby
			log.Infof("router initialized in DR standby, tracking %d hosts", len(assignments.Hosts()))
		} else {
			sr.phase = routerActive
			// pre-warm all currently assigned partitions to amortize first-command latency
			sr.prewarmLocalRegions()
		}
		stash := sr.stash
		sr.stash = nil
		for _, msg := range stash {
			sr.handleRoute(msg)
		}
	}
	log.Debugf("assignments updated, added: %v, revoked: %v", delta.Added, delta.Revoked)
}

func (sr *ShardRouter) prewarmLocalRegions() {
	for _, partition := range sr.assignments.PartitionsFor(sr.self) {
		if _, ok := sr.registry.get(partition); !ok {
			sr.createLocalRegion(partition)
		}
	}
}

func (sr *ShardRouter) handleHealth() RouterHealth {
	trackerUp := sr.tracker != nil && sr.tracker.Up()
	up := trackerUp
	ctx, cancel := context.WithTimeout(sr.runStatus.Ctx(), sr.healthDeadline)
	defer cancel()
	localRegions := 0
	for _, region := range sr.registry.regions {
		if !region.IsLocal {
			continue
		}
		localRegions++
		if !region.Handle.Healthy(ctx) {
			up = false
		}
	}
	return RouterHealth{
		Up:           up,
		TrackerUp:    trackerUp,
		LocalRegions: localRegions,
		Phase:        sr.phase.String(),
	}
}

func (sr *ShardRouter) shutdown() {
	for _, region := range sr.registry.dropAll() {
		if region.IsLocal {
			stopRegion(region.Handle)
		}
	}
	if sr.metrics != nil {
		close(sr.metrics)
	}
}

func stopRegion(handle RegionHandle) {
	if stoppable, ok := handle.(interface{ Stop() }); ok {
		stoppable.Stop()
	}
}

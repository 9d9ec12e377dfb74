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

// RoutedMessage is the envelope a region receives: the original command paired with the
// partition the router resolved for it.
type RoutedMessage struct {
	Partition int32
	Message   any
}

// RegionHandle is the logical address of a partition's handler. It is either a local
// mailbox owned by this router, or a remote selector pointing at the peer router that
// owns the partition.
type RegionHandle interface {
	Send(msg RoutedMessage) error
	IsLocal() bool
	// Healthy must return within the caller's context deadline. Remote handles report
	// healthy unconditionally; peer health is the peer's problem.
	Healthy(ctx context.Context) bool
	// Done is closed when a local region terminates. Remote selectors return nil; there
	// is no death watch across nodes.
	Done() <-chan struct{}
}

// RegionCreator instantiates the local handler for an assigned partition. Supplied by
// the application; typically it stands up the TransactionalPublisher pipeline for the
// partition and returns its mailbox.
type RegionCreator func(partition int32) (RegionHandle, error)

// Transport delivers a message to a peer router. The core only constructs and holds
// selector addresses; serialization and delivery are the transport's concern.
type Transport interface {
	Send(peer HostPort, path string, msg RoutedMessage) error
}

// The logical path remote selectors point at.
const routerPath = "/user/shard-router"

type remoteSelector struct {
	peer      HostPort
	path      string
	transport Transport
}

func (rs remoteSelector) Send(msg RoutedMessage) error {
	return rs.transport.Send(rs.peer, rs.path, msg)
}

func (rs remoteSelector) IsLocal() bool {
	return false
}

func (rs remoteSelector) Healthy(_ context.Context) bool {
	return true
}

func (rs remoteSelector) Done() <-chan struct{} {
	return nil
}

// LocalRegion is a mailbox-backed RegionHandle processing messages one at a time on its
// own goroutine.
type LocalRegion struct {
	mailbox   chan RoutedMessage
	runStatus sak.RunStatus
	partition int32
}

func NewLocalRegion(partition int32, capacity int, handler func(RoutedMessage)) *LocalRegion {
	lr := &LocalRegion{
		mailbox:   make(chan RoutedMessage, sak.Max(capacity, 1)),
		runStatus: sak.NewRunStatus(nil),
		partition: partition,
	}
	go func() {
		for {
			select {
			case msg := <-lr.mailbox:
				handler(msg)
			case <-lr.runStatus.Done():
				return
			}
		}
	}()
	return lr
}

func (lr *LocalRegion) Send(msg RoutedMessage) error {
	if !lr.runStatus.Running() {
		return ErrPartitionNotAssigned
	}
	lr.mailbox <- msg
	return nil
}

func (lr *LocalRegion) IsLocal() bool {
	return true
}

func (lr *LocalRegion) Healthy(_ context.Context) bool {
	return lr.runStatus.Running()
}

func (lr *LocalRegion) Done() <-chan struct{} {
	return lr.runStatus.Done()
}

func (lr *LocalRegion) Stop() {
	lr.runStatus.Halt()
}

// PartitionRegion is one row of the router's region table.
type PartitionRegion struct {
	Partition     int32
	Handle        RegionHandle
	AssignedSince time.Time
	IsLocal       bool
}

// partitionRegistry is the local table of partition to region handle. It is owned by the
// router goroutine exclusively; no locking.
type partitionRegistry struct {
	regions map[int32]PartitionRegion
}

func newPartitionRegistry() *partitionRegistry {
	return &partitionRegistry{regions: make(map[int32]PartitionRegion)}
}

func (pr *partitionRegistry) get(partition int32) (PartitionRegion, bool) {
	region, ok := pr.regions[partition]
	return region, ok
}

func (pr *partitionRegistry) put(region PartitionRegion) {
	pr.regions[region.Partition] = region
}

func (pr *partitionRegistry) drop(partition int32) (PartitionRegion, bool) {
	region, ok := pr.regions[partition]
	if ok {
		delete(pr.regions, partition)
	}
	return region, ok
}

func (pr *partitionRegistry) dropAll() []PartitionRegion {
	dropped := sak.MapValuesToSlice(pr.regions)
	pr.regions = make(map[int32]PartitionRegion)
	return dropped
}

func (pr *partitionRegistry) snapshot() map[int32]RegionHandle {
	handles := make(map[int32]RegionHandle, len(pr.regions))
	for p, region := range pr.regions {
		handles[p] = region.Handle
	}
	return handles
}

func (pr *partitionRegistry) localCount() int {
	count := 0
	for _, region := range pr.regions {
		if region.IsLocal {
			count++
		}
	}
	return count
}

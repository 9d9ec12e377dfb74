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

/*
Package shardcore is the coordination core of an event-sourced command/state service
built over Kafka. Per-entity state is maintained by replaying an event log into a
per-partition state store; shardcore decides where commands run and when an entity's
in-memory projection is consistent with durable state.

Three components do the heavy lifting:

  - [ShardRouter] maps an entity id to the node currently responsible for its
    partition, forwards commands there, and reacts to rebalances. A node can start in
    DR standby, tracking assignments without allocating local handlers until a command
    actually arrives.

  - [TransactionalPublisher], one per owned partition, batches pending writes and
    publishes events plus state atomically using producer transactions. It tracks
    in-flight state records against the projection's processed-offset cursor and
    answers "is entity X's state current?" queries. On startup it writes a
    non-transactional flush record to its partition; once the projection crosses that
    offset, writes from earlier fenced instances are known to be observed.

  - [StreamManager] owns the lifecycle of the committable consumer pipeline: start,
    stop with drain, supervised restart with bounded backoff, metrics, and replay
    coordination through [ReplayCoordinator].

Each component is a message-driven agent: a single goroutine owns its state and
processes one message at a time. Ordering is guaranteed within a partition only; writes
of one flush appear atomically to transactional consumers.

The Kafka driver is github.com/twmb/franz-go. All broker interaction goes through the
[LogProducer], [FlushRecordWriter] and [LogConsumer] contracts, so the agents can be
exercised hermetically in tests.
*/
package shardcore

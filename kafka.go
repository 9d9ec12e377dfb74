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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// RecordMetadata describes a successfully acked producer write. Only state-topic acks are
// retained, to track writes whose effect on the projection is not yet confirmed.
type RecordMetadata struct {
	Key       string
	Offset    int64
	Topic     string
	Partition int32
}

// OutgoingRecord is one record of a transactional flush. A nil Value on the state topic
// is a tombstone.
type OutgoingRecord struct {
	Topic     string
	Partition int32
	Key       string
	Value     []byte
}

type ProduceResult struct {
	Meta RecordMetadata
	Err  error
}

// LogProducer is the transactional producer contract consumed by the publisher. One
// instance is owned exclusively by one publisher; it is never shared.
type LogProducer interface {
	InitTransactions(ctx context.Context) error
	BeginTransaction() error
	// PutRecords submits all records concurrently and returns one future per record, in
	// input order. Futures resolve when the broker acks or rejects the record.
	PutRecords(ctx context.Context, records []OutgoingRecord) []<-chan ProduceResult
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	PartitionFor(key string) (int32, bool)
	Close()
}

// ProducerFactory builds (or rebuilds, after a fatal init error) the transactional
// producer for one partition.
type ProducerFactory func() (LogProducer, error)

// FlushRecordWriter writes the non-transactional flush record that establishes the
// publisher's recovery watermark, and reports the offset it landed at.
type FlushRecordWriter interface {
	WriteFlushRecord(ctx context.Context, tp TopicPartition) (int64, error)
	Close()
}

// TransactionalId derives the producer transactional id for a partition. The prefix must
// be unique per application cluster; see Config.TransactionalIdPrefix.
func TransactionalId(prefix string, tp TopicPartition) string {
	return fmt.Sprintf("%s-%s-%d", prefix, tp.Topic, tp.Partition)
}

type kafkaProducer struct {
	client      *kgo.Client
	partitioner HashPartitioner
}

// NewKafkaProducer creates the transactional LogProducer for one partition of the tracked
// topic, configured with the shared entity partitioner so write-path partitioning agrees
// with the router.
func NewKafkaProducer(cluster Cluster, cfg Config, tp TopicPartition) (LogProducer, error) {
	client, err := NewClient(cluster,
		kgo.RecordPartitioner(NewEntityPartitioner()),
		kgo.TransactionalID(TransactionalId(cfg.TransactionalIdPrefix, tp)),
		kgo.TransactionTimeout(6*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &kafkaProducer{
		client:      client,
		partitioner: NewHashPartitioner(cfg.NumPartitions),
	}, nil
}

func (kp *kafkaProducer) InitTransactions(ctx context.Context) error {
	// the producer id handshake happens on first use; a ping surfaces version and
	// authorization failures now rather than mid-transaction
	return kp.client.Ping(ctx)
}

func (kp *kafkaProducer) BeginTransaction() error {
	return kp.client.BeginTransaction()
}

func (kp *kafkaProducer) PutRecords(ctx context.Context, records []OutgoingRecord) []<-chan ProduceResult {
	futures := make([]<-chan ProduceResult, len(records))
	for i, record := range records {
		c := make(chan ProduceResult, 1)
		futures[i] = c
		kRecord := &kgo.Record{
			Topic:     record.Topic,
			Partition: record.Partition,
			Key:       []byte(record.Key),
			Value:     record.Value,
		}
		kp.client.Produce(ctx, kRecord, func(r *kgo.Record, err error) {
			c <- ProduceResult{
				Meta: RecordMetadata{
					Key:       string(r.Key),
					Offset:    r.Offset,
					Topic:     r.Topic,
					Partition: r.Partition,
				},
				Err: err,
			}
		})
	}
	return futures
}

func (kp *kafkaProducer) CommitTransaction(ctx context.Context) error {
	if err := kp.client.Flush(ctx); err != nil {
		return err
	}
	return kp.client.EndTransaction(ctx, kgo.TryCommit)
}

func (kp *kafkaProducer) AbortTransaction(ctx context.Context) error {
	if err := kp.client.AbortBufferedRecords(ctx); err != nil {
		return err
	}
	return kp.client.EndTransaction(ctx, kgo.TryAbort)
}

func (kp *kafkaProducer) PartitionFor(key string) (int32, bool) {
	return kp.partitioner.PartitionFor(key)
}

func (kp *kafkaProducer) Close() {
	kp.client.Close()
}

type flushRecordProducer struct {
	client *kgo.Client
}

// NewFlushRecordWriter creates the plain (non-transactional) producer used only for flush
// records. It is owned by the same publisher as the transactional producer.
func NewFlushRecordWriter(cluster Cluster) (FlushRecordWriter, error) {
	client, err := NewClient(cluster, kgo.RecordPartitioner(kgo.ManualPartitioner()))
	if err != nil {
		return nil, err
	}
	return &flushRecordProducer{client: client}, nil
}

func (fp *flushRecordProducer) WriteFlushRecord(ctx context.Context, tp TopicPartition) (int64, error) {
	record := &kgo.Record{
		Topic:     tp.Topic,
		Partition: tp.Partition,
	}
	done := make(chan struct{})
	var offset int64
	var err error
	fp.client.Produce(ctx, record, func(r *kgo.Record, e error) {
		offset, err = r.Offset, e
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	return offset, err
}

func (fp *flushRecordProducer) Close() {
	fp.client.Close()
}

// CommittableOffset is the commit handle carried alongside each consumed event.
type CommittableOffset struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
}

// ConsumedEvent is one record off the consumed stream, paired with its commit handle.
type ConsumedEvent struct {
	Key    []byte
	Value  []byte
	Offset CommittableOffset
}

// LogConsumer is the committable consumer contract the StreamManager drives.
type LogConsumer interface {
	Poll(ctx context.Context) ([]ConsumedEvent, error)
	Commit(ctx context.Context, offsets []CommittableOffset) error
	// Metrics is a live counter snapshot from the underlying consumer.
	Metrics() map[string]int64
	Close()
}

// ConsumerFactory builds a fresh consumer; invoked on start and after each supervised
// restart.
type ConsumerFactory func() (LogConsumer, error)

type kafkaConsumer struct {
	client        *kgo.Client
	polled        atomic.Int64
	polledBytes   atomic.Int64
	commits       atomic.Int64
	pollFailures  atomic.Int64
	commitRetries atomic.Int64
}

// NewKafkaConsumer creates the committable group consumer over the events topic. The
// consumer advertises this node's (host, port) through the recognized host-awareness
// properties so the host-aware assignor can co-locate partitions with local regions.
// When cfg.ReuseConsumerId is set, client.id and group.instance.id are pinned so a
// process bounce does not trigger a rebalance.
func NewKafkaConsumer(cluster Cluster, cfg Config, placement PlacementLookup) (LogConsumer, error) {
	props := map[string]string{
		HostAwarenessHostProp: cfg.AdvertisedHost,
		HostAwarenessPortProp: fmt.Sprintf("%d", cfg.AdvertisedPort),
	}
	opts := []kgo.Opt{
		kgo.ConsumerGroup(cfg.ApplicationId),
		kgo.ConsumeTopics(cfg.EventsTopic),
		kgo.Balancers(NewHostAwareAssignor(props, placement)),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(6 * time.Second),
		kgo.FetchMaxWait(time.Second),
	}
	if cfg.ReuseConsumerId {
		instanceId := fmt.Sprintf("%s-%s-%d", cfg.ApplicationId, cfg.AdvertisedHost, cfg.AdvertisedPort)
		opts = append(opts, kgo.ClientID(instanceId), kgo.InstanceID(instanceId))
	}
	client, err := NewClient(cluster, opts...)
	if err != nil {
		return nil, err
	}
	return &kafkaConsumer{client: client}, nil
}

func (kc *kafkaConsumer) Poll(ctx context.Context) ([]ConsumedEvent, error) {
	fetches := kc.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	for _, fetchErr := range fetches.Errors() {
		if fetchErr.Err != ctx.Err() {
			kc.pollFailures.Add(1)
			return nil, fetchErr.Err
		}
	}
	var events []ConsumedEvent
	fetches.EachRecord(func(r *kgo.Record) {
		kc.polled.Add(1)
		kc.polledBytes.Add(int64(len(r.Key) + len(r.Value)))
		events = append(events, ConsumedEvent{
			Key:   r.Key,
			Value: r.Value,
			Offset: CommittableOffset{
				Topic:       r.Topic,
				Partition:   r.Partition,
				Offset:      r.Offset,
				LeaderEpoch: r.LeaderEpoch,
			},
		})
	})
	return events, nil
}

func (kc *kafkaConsumer) Commit(ctx context.Context, offsets []CommittableOffset) error {
	toCommit := make(map[string]map[int32]kgo.EpochOffset)
	for _, offset := range offsets {
		partitions, ok := toCommit[offset.Topic]
		if !ok {
			partitions = make(map[int32]kgo.EpochOffset)
			toCommit[offset.Topic] = partitions
		}
		// commit the next offset to consume
		next := kgo.EpochOffset{Epoch: offset.LeaderEpoch, Offset: offset.Offset + 1}
		if existing, ok := partitions[offset.Partition]; !ok || existing.Offset < next.Offset {
			partitions[offset.Partition] = next
		}
	}
	var commitErr error
	kc.client.CommitOffsetsSync(ctx, toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		commitErr = err
	})
	if commitErr == nil {
		kc.commits.Add(1)
	}
	return commitErr
}

func (kc *kafkaConsumer) Metrics() map[string]int64 {
	return map[string]int64{
		"records_polled":   kc.polled.Load(),
		"bytes_polled":     kc.polledBytes.Load(),
		"commits":          kc.commits.Load(),
		"poll_failures":    kc.pollFailures.Load(),
		"commit_retries":   kc.commitRetries.Load(),
		"buffered_fetch":   kc.client.BufferedFetchRecords(),
		"buffered_produce": kc.client.BufferedProduceRecords(),
	}
}

func (kc *kafkaConsumer) Close() {
	kc.client.Close()
}

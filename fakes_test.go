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
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const defaultTestTimeout = 5 * time.Second

func testConfig() Config {
	cfg := Config{
		Brokers:        []string{"localhost:9092"},
		ApplicationId:  "orders",
		NumPartitions:  3,
		AdvertisedHost: "localhost",
		AdvertisedPort: 7070,
		FlushInterval:  5 * time.Millisecond,
	}
	cfg.applyDefaults()
	return cfg
}

// waitFor polls the condition until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testCommand routes by entity id and carries its own reply path, like a real command
// envelope would.
type testCommand struct {
	Entity string
	Reply  chan string
	done   chan struct{}
}

func newTestCommand(entity string) *testCommand {
	return &testCommand{
		Entity: entity,
		Reply:  make(chan string, 1),
		done:   make(chan struct{}),
	}
}

func (tc *testCommand) Completed() <-chan struct{} {
	return tc.done
}

// commandExtractor fails for any message that is not a *testCommand.
func commandExtractor(msg any) (string, error) {
	if cmd, ok := msg.(*testCommand); ok {
		return cmd.Entity, nil
	}
	return "", ErrUnroutable
}

// namedPartitioner maps "partitionN" to N, mirroring a partitioner keyed off the
// entity naming scheme used in these tests.
type namedPartitioner struct {
	numPartitions int32
}

func (np namedPartitioner) PartitionFor(entityId string) (int32, bool) {
	raw, ok := strings.CutPrefix(entityId, "partition")
	if !ok {
		return 0, false
	}
	partition, err := strconv.Atoi(raw)
	if err != nil || int32(partition) >= np.numPartitions {
		return 0, false
	}
	return int32(partition), true
}

type fakeTracker struct {
	mux         sync.Mutex
	subscribers []chan<- PartitionAssignments
	registered  int
	up          bool
	last        PartitionAssignments
	hasLast     bool
}

// Register matches the PartitionTracker contract: it emits the current snapshot once
// upon registration (if one has already been published), in addition to future changes.
func (ft *fakeTracker) Register(subscriber chan<- PartitionAssignments) {
	ft.mux.Lock()
	ft.subscribers = append(ft.subscribers, subscriber)
	ft.registered++
	last, hasLast := ft.last, ft.hasLast
	ft.mux.Unlock()
	if hasLast {
		subscriber <- last
	}
}

func (ft *fakeTracker) Up() bool {
	ft.mux.Lock()
	defer ft.mux.Unlock()
	return ft.up
}

func (ft *fakeTracker) publish(pa PartitionAssignments) {
	ft.mux.Lock()
	subscribers := append([]chan<- PartitionAssignments(nil), ft.subscribers...)
	ft.up = true
	ft.last = pa
	ft.hasLast = true
	ft.mux.Unlock()
	for _, subscriber := range subscribers {
		subscriber <- pa
	}
}

type sentRemote struct {
	peer HostPort
	path string
	msg  RoutedMessage
}

type fakeTransport struct {
	mux  sync.Mutex
	sent []sentRemote
}

func (ft *fakeTransport) Send(peer HostPort, path string, msg RoutedMessage) error {
	ft.mux.Lock()
	ft.sent = append(ft.sent, sentRemote{peer: peer, path: path, msg: msg})
	ft.mux.Unlock()
	return nil
}

func (ft *fakeTransport) sentTo() []sentRemote {
	ft.mux.Lock()
	defer ft.mux.Unlock()
	return append([]sentRemote(nil), ft.sent...)
}

type captureDeadLetters struct {
	mux     sync.Mutex
	letters []DeadLetter
}

func (c *captureDeadLetters) DeadLetter(dl DeadLetter) {
	c.mux.Lock()
	c.letters = append(c.letters, dl)
	c.mux.Unlock()
}

func (c *captureDeadLetters) all() []DeadLetter {
	c.mux.Lock()
	defer c.mux.Unlock()
	return append([]DeadLetter(nil), c.letters...)
}

// echoRegionCreator creates local regions that answer testCommands with a wrapped
// acknowledgment including the partition they were delivered on.
func echoRegionCreator(created *sync.Map) RegionCreator {
	return func(partition int32) (RegionHandle, error) {
		region := NewLocalRegion(partition, 16, func(msg RoutedMessage) {
			if cmd, ok := msg.Message.(*testCommand); ok {
				cmd.Reply <- "p" + strconv.Itoa(int(msg.Partition)) + ":" + cmd.Entity
				close(cmd.done)
			}
		})
		created.Store(partition, region)
		return region, nil
	}
}

// fakeProducer is a scriptable LogProducer. Offsets increase per topic partition.
type fakeProducer struct {
	mux        sync.Mutex
	offsets    map[TopicPartition]int64
	buffered   []OutgoingRecord
	committed  [][]OutgoingRecord
	aborts     int
	begins     int
	initErrs   []error
	beginErrs  []error
	putErrs    []error
	commitErrs []error
	closed     bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{offsets: map[TopicPartition]int64{}}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (fp *fakeProducer) InitTransactions(_ context.Context) error {
	fp.mux.Lock()
	defer fp.mux.Unlock()
	return popErr(&fp.initErrs)
}

func (fp *fakeProducer) BeginTransaction() error {
	fp.mux.Lock()
	defer fp.mux.Unlock()
	if err := popErr(&fp.beginErrs); err != nil {
		return err
	}
	fp.begins++
	return nil
}

func (fp *fakeProducer) PutRecords(_ context.Context, records []OutgoingRecord) []<-chan ProduceResult {
	fp.mux.Lock()
	defer fp.mux.Unlock()
	err := popErr(&fp.putErrs)
	futures := make([]<-chan ProduceResult, len(records))
	for i, record := range records {
		c := make(chan ProduceResult, 1)
		futures[i] = c
		if err != nil {
			c <- ProduceResult{Err: err}
			continue
		}
		tp := ntp(record.Partition, record.Topic)
		offset := fp.offsets[tp]
		fp.offsets[tp] = offset + 1
		fp.buffered = append(fp.buffered, record)
		c <- ProduceResult{Meta: RecordMetadata{
			Key:       record.Key,
			Offset:    offset,
			Topic:     record.Topic,
			Partition: record.Partition,
		}}
	}
	return futures
}

func (fp *fakeProducer) CommitTransaction(_ context.Context) error {
	fp.mux.Lock()
	defer fp.mux.Unlock()
	if err := popErr(&fp.commitErrs); err != nil {
		fp.buffered = nil
		return err
	}
	fp.committed = append(fp.committed, fp.buffered)
	fp.buffered = nil
	return nil
}

func (fp *fakeProducer) AbortTransaction(_ context.Context) error {
	fp.mux.Lock()
	defer fp.mux.Unlock()
	fp.aborts++
	fp.buffered = nil
	return nil
}

func (fp *fakeProducer) PartitionFor(_ string) (int32, bool) {
	return 0, true
}

func (fp *fakeProducer) Close() {
	fp.mux.Lock()
	fp.closed = true
	fp.mux.Unlock()
}

func (fp *fakeProducer) commitCount() int {
	fp.mux.Lock()
	defer fp.mux.Unlock()
	return len(fp.committed)
}

func (fp *fakeProducer) abortCount() int {
	fp.mux.Lock()
	defer fp.mux.Unlock()
	return fp.aborts
}

// seedOffset pre-positions the next offset handed out for a topic partition.
func (fp *fakeProducer) seedOffset(tp TopicPartition, offset int64) {
	fp.mux.Lock()
	fp.offsets[tp] = offset
	fp.mux.Unlock()
}

type fakeFlushWriter struct {
	mux    sync.Mutex
	offset int64
	errs   []error
	writes int
	closed bool
}

func (fw *fakeFlushWriter) WriteFlushRecord(_ context.Context, _ TopicPartition) (int64, error) {
	fw.mux.Lock()
	defer fw.mux.Unlock()
	if err := popErr(&fw.errs); err != nil {
		return -1, err
	}
	fw.writes++
	return fw.offset, nil
}

func (fw *fakeFlushWriter) Close() {
	fw.mux.Lock()
	fw.closed = true
	fw.mux.Unlock()
}

type fakeStateIndex struct {
	mux   sync.Mutex
	open  bool
	metas map[string]StateMeta
}

func newFakeStateIndex() *fakeStateIndex {
	return &fakeStateIndex{open: true, metas: map[string]StateMeta{}}
}

func (fs *fakeStateIndex) IsOpen() bool {
	fs.mux.Lock()
	defer fs.mux.Unlock()
	return fs.open
}

func (fs *fakeStateIndex) GetMeta(key string) (StateMeta, bool) {
	fs.mux.Lock()
	defer fs.mux.Unlock()
	meta, ok := fs.metas[key]
	return meta, ok
}

func (fs *fakeStateIndex) setProcessed(tp TopicPartition, offset int64) {
	fs.mux.Lock()
	fs.metas[tp.String()] = StateMeta{Topic: tp.Topic, Partition: tp.Partition, Offset: offset}
	fs.mux.Unlock()
}

// fakeConsumer serves scripted poll batches, then blocks until canceled or closed.
type fakeConsumer struct {
	mux       sync.Mutex
	polls     [][]ConsumedEvent
	pollErrs  []error
	committed []CommittableOffset
	commits   int
	closed    bool
	closeCh   chan struct{}
}

func newFakeConsumer(polls ...[]ConsumedEvent) *fakeConsumer {
	return &fakeConsumer{polls: polls, closeCh: make(chan struct{})}
}

func (fc *fakeConsumer) Poll(ctx context.Context) ([]ConsumedEvent, error) {
	fc.mux.Lock()
	if err := popErr(&fc.pollErrs); err != nil {
		fc.mux.Unlock()
		return nil, err
	}
	if len(fc.polls) > 0 {
		batch := fc.polls[0]
		fc.polls = fc.polls[1:]
		fc.mux.Unlock()
		return batch, nil
	}
	fc.mux.Unlock()
	select {
	case <-ctx.Done():
		return nil, nil
	case <-fc.closeCh:
		return nil, nil
	}
}

func (fc *fakeConsumer) Commit(_ context.Context, offsets []CommittableOffset) error {
	fc.mux.Lock()
	fc.committed = append(fc.committed, offsets...)
	fc.commits++
	fc.mux.Unlock()
	return nil
}

func (fc *fakeConsumer) Metrics() map[string]int64 {
	fc.mux.Lock()
	defer fc.mux.Unlock()
	return map[string]int64{"records_polled": int64(len(fc.committed))}
}

func (fc *fakeConsumer) Close() {
	fc.mux.Lock()
	if !fc.closed {
		fc.closed = true
		close(fc.closeCh)
	}
	fc.mux.Unlock()
}

func (fc *fakeConsumer) committedOffsets() []CommittableOffset {
	fc.mux.Lock()
	defer fc.mux.Unlock()
	return append([]CommittableOffset(nil), fc.committed...)
}

func (fc *fakeConsumer) isClosed() bool {
	fc.mux.Lock()
	defer fc.mux.Unlock()
	return fc.closed
}

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
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/btree"
	"github.com/riverline-io/shardcore/sak"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

type TopicPartition struct {
	Partition int32
	Topic     string
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s:%d", tp.Topic, tp.Partition)
}

// ntp == 'New Topic Partition'. Essentially a macro for TopicPartition{Parition: p, Topic: t} which is quite verbose
func ntp(p int32, t string) TopicPartition {
	return TopicPartition{Partition: p, Topic: t}
}

var tpSetFreeList = btree.NewFreeListG[TopicPartition](128)

// A Set of TopicPartitions, ordered by (partition, topic).
// This data structure is not thread-safe. You will need to providde your own locking mechanism.
type TopicPartitionSet struct {
	*btree.BTreeG[TopicPartition]
}

// Comparator for TopicPartitions
func topicPartitionLess(a, b TopicPartition) bool {
	res := a.Partition - b.Partition
	if res != 0 {
		return res < 0
	}
	return a.Topic < b.Topic
}

// Returns a new, empty TopicPartitionSet.
func NewTopicPartitionSet() TopicPartitionSet {
	return TopicPartitionSet{btree.NewWithFreeListG(16, topicPartitionLess, tpSetFreeList)}
}

// Insert the TopicPartition. Returns true if the item was inserted, false if the item was aready present
func (tps TopicPartitionSet) Insert(tp TopicPartition) bool {
	_, ok := tps.ReplaceOrInsert(tp)
	return !ok
}

func (tps TopicPartitionSet) Contains(tp TopicPartition) bool {
	_, ok := tps.Get(tp)
	return ok
}

// Removes tp from the TopicPartitionSet. Rerurns true is the item was present.
func (tps TopicPartitionSet) Remove(tp TopicPartition) bool {
	_, ok := tps.Delete(tp)
	return ok
}

// Converts the set to a newly allocate slice of TopicPartitions.
func (tps TopicPartitionSet) Items() []TopicPartition {
	slice := make([]TopicPartition, 0, tps.Len())
	tps.Ascend(func(tp TopicPartition) bool {
		slice = append(slice, tp)
		return true
	})
	return slice
}

// An interface for implementing a resusable Kafka client configuration.
type Cluster interface {
	// Returns the list of kgo.Opt(s) that will be used whenever a connection is made to this cluster.
	// At minimum, it should return the kgo.SeedBrokers() option.
	Config() ([]kgo.Opt, error)
}

// A [Cluster] implementation useful for local development/testing. Establishes a plain text
// connection to a Kafka cluster.
//
//	cluster := shardcore.SimpleCluster([]string{"127.0.0.1:9092"})
type SimpleCluster []string

// Returns []kgo.Opt{kgo.SeedBrokers(sc...)}
func (sc SimpleCluster) Config() ([]kgo.Opt, error) {
	return []kgo.Opt{kgo.SeedBrokers(sc...)}, nil
}

// NewClient creates a kgo.Client from the options retuned from the provided [Cluster] and
// addtional `options`. Used internally and exposed for convenience.
func NewClient(cluster Cluster, options ...kgo.Opt) (*kgo.Client, error) {
	configOptions := []kgo.Opt{kgo.WithLogger(kgoLogger), kgo.ProducerBatchCompression(kgo.NoCompression())}
	clusterOpts, err := cluster.Config()
	if err != nil {
		return nil, err
	}
	configOptions = append(configOptions, clusterOpts...)
	configOptions = append(configOptions, options...)
	return kgo.NewClient(configOptions...)
}

func createTopic(adminClient *kadm.Client, numPartitions int32, replicationFactor int16, config map[string]*string, topic ...string) error {
	res, err := adminClient.CreateTopics(context.Background(), numPartitions, replicationFactor, config, topic...)
	log.Infof("createTopic res: %+v, err: %v", res, err)
	return err
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var opError *net.OpError
	if errors.As(err, &opError) {
		log.Warnf("network error for operation: %s, error: %v", opError.Op, opError)
		return true
	}
	return false
}

// Creates the events and state topics for an application as defined by Config.
// Ignores TOPIC_ALREADY_EXISTS errors. Both topics are created with cfg.NumPartitions
// partitions; the state topic (the tracked topic) is compacted.
// Returns a corrected Config where NumPartitions is pulled from a ListTopics call, to
// prevent drift errors between deployed instances.
func CreateTopology(cluster Cluster, cfg Config) (Config, error) {
	var err error
	for retryCount := 0; retryCount < 15; retryCount++ {
		cfg, err = createTopology(cluster, cfg)
		if isNetworkError(err) {
			time.Sleep(time.Second)
		} else {
			break
		}
	}
	return cfg, err
}

func createTopology(cluster Cluster, cfg Config) (Config, error) {
	client, err := NewClient(cluster, kgo.RequestRetries(20), kgo.RetryTimeout(30*time.Second))
	if err != nil {
		return cfg, err
	}
	defer client.Close()
	adminClient := kadm.NewClient(client)

	replicationFactor := int16(sak.Max(cfg.ReplicationFactor, 1))
	createTopic(adminClient, int32(cfg.NumPartitions), replicationFactor, map[string]*string{
		"min.insync.replicas": sak.Ptr(minInSyncConfig(cfg)),
	}, cfg.EventsTopic)

	createTopic(adminClient, int32(cfg.NumPartitions), replicationFactor, map[string]*string{
		"cleanup.policy":            sak.Ptr("compact"),
		"min.insync.replicas":       sak.Ptr(minInSyncConfig(cfg)),
		"min.cleanable.dirty.ratio": sak.Ptr("0.5"),
	}, cfg.StateTopic)

	return resolveTopicMetadata(adminClient, cfg)
}

func resolveTopicMetadata(adminClient *kadm.Client, cfg Config) (Config, error) {
	res, err := adminClient.ListTopicsWithInternal(context.Background(), cfg.EventsTopic, cfg.StateTopic)
	if err != nil {
		return cfg, err
	}
	stateDetail, ok := res[cfg.StateTopic]
	if !ok {
		return cfg, fmt.Errorf("state topic does not exist")
	}
	eventsDetail, ok := res[cfg.EventsTopic]
	if !ok {
		return cfg, fmt.Errorf("events topic does not exist")
	}
	statePartitions := len(stateDetail.Partitions.Numbers())
	eventsPartitions := len(eventsDetail.Partitions.Numbers())
	if statePartitions == 0 || eventsPartitions == 0 {
		return cfg, fmt.Errorf("topology has empty partition sets")
	}
	cfg.NumPartitions = statePartitions
	return cfg, nil
}

func minInSyncConfig(cfg Config) string {
	if cfg.ReplicationFactor <= 1 {
		return "1"
	}
	if cfg.MinInSync >= cfg.ReplicationFactor {
		return fmt.Sprintf("%d", cfg.ReplicationFactor-1)
	}
	return fmt.Sprintf("%d", sak.Max(cfg.MinInSync, 1))
}

// DescribeGroup reports the consumer group's state and member count. Used by
// operators to confirm the whole group is parked before a manual replay, and surfaced in
// diagnostics.
func DescribeGroup(cluster Cluster, groupId string) (state string, members int, err error) {
	client, err := NewClient(cluster)
	if err != nil {
		return "", 0, err
	}
	defer client.Close()
	adminClient := kadm.NewClient(client)
	groups, err := adminClient.DescribeGroups(context.Background(), groupId)
	if err != nil || len(groups) == 0 {
		return "", 0, err
	}
	group := groups[groupId]
	return group.State, len(group.Members), nil
}

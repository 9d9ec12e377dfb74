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
	"github.com/cespare/xxhash/v2"
	"github.com/twmb/franz-go/pkg/kgo"
)

// AutoAssign marks a record partition as "let the partitioner decide".
const AutoAssign = int32(-1)

// Partitioner maps an entity id to the partition of the tracked topic responsible for it.
// The mapping must be deterministic and identical to the one used on the produce path;
// the router and the publishers both resolve through it.
type Partitioner interface {
	PartitionFor(entityId string) (int32, bool)
}

// HashPartitioner hashes the entity id with xxhash and takes it modulo the partition
// count. This is the default for both routing and producing.
type HashPartitioner struct {
	numPartitions int32
}

func NewHashPartitioner(numPartitions int) HashPartitioner {
	return HashPartitioner{numPartitions: int32(numPartitions)}
}

func (hp HashPartitioner) PartitionFor(entityId string) (int32, bool) {
	if hp.numPartitions <= 0 || len(entityId) == 0 {
		return 0, false
	}
	return int32(xxhash.Sum64String(entityId) % uint64(hp.numPartitions)), true
}

// EntityPartitioner is a kgo compatible partitioner which respects record partitions that
// are manually assigned. If the record partition is [AutoAssign], the record key is hashed
// exactly as [HashPartitioner] hashes entity ids, keeping the produce path and the routing
// path in agreement.
type EntityPartitioner struct {
	manualPartitioner kgo.Partitioner
}

func NewEntityPartitioner() EntityPartitioner {
	return EntityPartitioner{manualPartitioner: kgo.ManualPartitioner()}
}

func (ep EntityPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	return entityTopicPartitioner{
		manualTopicPartitioner: ep.manualPartitioner.ForTopic(topic),
	}
}

type entityTopicPartitioner struct {
	manualTopicPartitioner kgo.TopicPartitioner
}

func (etp entityTopicPartitioner) RequiresConsistency(_ *kgo.Record) bool {
	return true
}

func (etp entityTopicPartitioner) Partition(r *kgo.Record, n int) int {
	if r.Partition == AutoAssign {
		return int(xxhash.Sum64(r.Key) % uint64(n))
	}
	return etp.manualTopicPartitioner.Partition(r, n)
}

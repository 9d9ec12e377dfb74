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
	"fmt"
	"sort"
)

// HostPort identifies a peer node. Equality is by value.
type HostPort struct {
	Host string
	Port uint16
}

func (hp HostPort) String() string {
	return fmt.Sprintf("%s:%d", hp.Host, hp.Port)
}

// PartitionAssignments is an immutable snapshot of which host owns which partitions of
// the tracked topic. A partition is assigned to at most one host; during a rebalance a
// partition may temporarily have no owner at all.
type PartitionAssignments struct {
	topic       string
	byHost      map[HostPort]TopicPartitionSet
	byPartition map[int32]HostPort
}

// AssignmentDelta is the result of diffing two snapshots, keyed by host.
type AssignmentDelta struct {
	Added   map[HostPort][]int32
	Revoked map[HostPort][]int32
}

// NewPartitionAssignments builds a snapshot from a per-host partition listing. Entries
// for topics other than `topic` are not representable by construction; the input is
// copied, so the caller may reuse its maps.
func NewPartitionAssignments(topic string, byHost map[HostPort][]int32) PartitionAssignments {
	pa := PartitionAssignments{
		topic:       topic,
		byHost:      make(map[HostPort]TopicPartitionSet, len(byHost)),
		byPartition: make(map[int32]HostPort),
	}
	for host, partitions := range byHost {
		set := NewTopicPartitionSet()
		for _, p := range partitions {
			if set.Insert(ntp(p, topic)) {
				pa.byPartition[p] = host
			}
		}
		pa.byHost[host] = set
	}
	return pa
}

func (pa PartitionAssignments) Topic() string {
	return pa.topic
}

// IsZero reports whether this snapshot was never populated. A populated snapshot with
// zero hosts is not zero; it means every partition is currently unowned.
func (pa PartitionAssignments) IsZero() bool {
	return pa.byHost == nil
}

// HostFor returns the owner of a partition, if any.
func (pa PartitionAssignments) HostFor(partition int32) (HostPort, bool) {
	host, ok := pa.byPartition[partition]
	return host, ok
}

// PartitionsFor returns the partitions assigned to host, in ascending order.
func (pa PartitionAssignments) PartitionsFor(host HostPort) []int32 {
	set, ok := pa.byHost[host]
	if !ok {
		return nil
	}
	partitions := make([]int32, 0, set.Len())
	set.Ascend(func(tp TopicPartition) bool {
		partitions = append(partitions, tp.Partition)
		return true
	})
	return partitions
}

func (pa PartitionAssignments) Hosts() []HostPort {
	hosts := make([]HostPort, 0, len(pa.byHost))
	for host := range pa.byHost {
		hosts = append(hosts, host)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Host != hosts[j].Host {
			return hosts[i].Host < hosts[j].Host
		}
		return hosts[i].Port < hosts[j].Port
	})
	return hosts
}

// Diff compares this snapshot against a previous one and yields, per host, the
// partitions that appeared and the partitions that were taken away.
func (pa PartitionAssignments) Diff(prev PartitionAssignments) AssignmentDelta {
	delta := AssignmentDelta{
		Added:   make(map[HostPort][]int32),
		Revoked: make(map[HostPort][]int32),
	}
	for host := range pa.byHost {
		if added := difference(pa.PartitionsFor(host), prev.PartitionsFor(host)); len(added) > 0 {
			delta.Added[host] = added
		}
	}
	for host := range prev.byHost {
		if revoked := difference(prev.PartitionsFor(host), pa.PartitionsFor(host)); len(revoked) > 0 {
			delta.Revoked[host] = revoked
		}
	}
	return delta
}

// difference returns members of a that are not in b. Both inputs are ascending.
func difference(a, b []int32) []int32 {
	var out []int32
	i, j := 0, 0
	for i < len(a) {
		switch {
		case j >= len(b) || a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] == b[j]:
			i++
			j++
		default:
			j++
		}
	}
	return out
}

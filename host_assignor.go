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
	"sort"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// The two recognized consumer properties through which a consumer declares its own
// address to the host-aware assignor.
const HostAwarenessHostProp = "host.awareness.host"
const HostAwarenessPortProp = "host.awareness.port"

const HostAffinityProtocol = "host_affinity"

// PlacementLookup is the leader-side hint for partition placement: where does the local
// region for this partition currently live. Typically backed by the latest
// PartitionAssignments snapshot. May be nil, in which case assignment degrades to
// least-loaded round robin.
type PlacementLookup func(partition int32) (HostPort, bool)

type hostMeta struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// HostAwareAssignor is a kgo.GroupBalancer that prefers co-locating a topic partition
// with the node that holds the corresponding local region, so the consumed stream and
// the router's command path land on the same host. Each member advertises its address
// via the recognized host-awareness properties; the group leader matches partitions to
// members by host and spreads the remainder by load.
type HostAwareAssignor struct {
	self      hostMeta
	placement PlacementLookup
}

func NewHostAwareAssignor(props map[string]string, placement PlacementLookup) *HostAwareAssignor {
	return &HostAwareAssignor{
		self:      hostAwarenessFromProps(props),
		placement: placement,
	}
}

func hostAwarenessFromProps(props map[string]string) hostMeta {
	meta := hostMeta{Host: props[HostAwarenessHostProp]}
	if port, err := strconv.ParseUint(props[HostAwarenessPortProp], 10, 16); err == nil {
		meta.Port = uint16(port)
	}
	return meta
}

func (ha *HostAwareAssignor) ProtocolName() string {
	return HostAffinityProtocol
}

func (ha *HostAwareAssignor) IsCooperative() bool {
	return false
}

// We use the same metadata format as kgo itself and carry the host declaration in the
// UserData field, so this protocol can coexist with the stock assignors in a group.
func (ha *HostAwareAssignor) JoinGroupMetadata(interests []string, currentAssignment map[string][]int32, _ int32) []byte {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Topics = interests
	meta.Version = 1
	for topic, partitions := range currentAssignment {
		metaPart := kmsg.NewConsumerMemberMetadataOwnedPartition()
		metaPart.Topic = topic
		metaPart.Partitions = partitions
		meta.OwnedPartitions = append(meta.OwnedPartitions, metaPart)
	}
	metaOwned := meta.OwnedPartitions
	sort.Slice(metaOwned, func(i, j int) bool { return metaOwned[i].Topic < metaOwned[j].Topic })
	meta.UserData, _ = json.Marshal(ha.self)
	return meta.AppendTo(nil)
}

func (ha *HostAwareAssignor) ParseSyncAssignment(assignment []byte) (map[string][]int32, error) {
	cma := new(kmsg.ConsumerMemberAssignment)
	if err := cma.ReadFrom(assignment); err != nil {
		return nil, err
	}
	parsed := make(map[string][]int32, len(cma.Topics))
	for _, topic := range cma.Topics {
		parsed[topic.Topic] = topic.Partitions
	}
	return parsed, nil
}

func (ha *HostAwareAssignor) MemberBalancer(members []kmsg.JoinGroupResponseMember) (kgo.GroupMemberBalancer, map[string]struct{}, error) {
	cb, err := kgo.NewConsumerBalancer(hostAffinityController{placement: ha.placement}, members)
	return hostBalanceWrapper{consumerBalancer: cb}, cb.MemberTopics(), err
}

type hostBalanceWrapper struct {
	consumerBalancer *kgo.ConsumerBalancer
}

func (bw hostBalanceWrapper) Balance(topics map[string]int32) kgo.IntoSyncAssignment {
	return bw.consumerBalancer.Balance(topics)
}

func (bw hostBalanceWrapper) BalanceOrError(topics map[string]int32) (kgo.IntoSyncAssignment, error) {
	return bw.consumerBalancer.BalanceOrError(topics)
}

type affinityMember struct {
	member *kmsg.JoinGroupResponseMember
	meta   hostMeta
	load   int
}

type hostAffinityController struct {
	placement PlacementLookup
}

func (hc hostAffinityController) Balance(cb *kgo.ConsumerBalancer, topicData map[string]int32) kgo.IntoSyncAssignment {
	plan := cb.NewPlan()

	var members []*affinityMember
	byHost := make(map[string][]*affinityMember)
	cb.EachMember(func(member *kmsg.JoinGroupResponseMember, meta *kmsg.ConsumerMemberMetadata) {
		am := &affinityMember{member: member}
		// members that predate the host-awareness properties just get no affinity
		json.Unmarshal(meta.UserData, &am.meta)
		members = append(members, am)
		if am.meta.Host != "" {
			byHost[am.meta.Host] = append(byHost[am.meta.Host], am)
		}
	})
	if len(members) == 0 {
		return plan
	}
	// deterministic iteration regardless of join order
	sort.Slice(members, func(i, j int) bool { return members[i].member.MemberID < members[j].member.MemberID })

	for topic, partitionCount := range topicData {
		assigned := make(map[int32]*affinityMember, partitionCount)
		for p := int32(0); p < partitionCount; p++ {
			if hc.placement == nil {
				continue
			}
			if host, ok := hc.placement(p); ok {
				if am := leastLoaded(byHost[host.Host]); am != nil {
					assigned[p] = am
					am.load++
				}
			}
		}
		for p := int32(0); p < partitionCount; p++ {
			if _, ok := assigned[p]; ok {
				continue
			}
			am := leastLoaded(members)
			assigned[p] = am
			am.load++
		}
		partitionsByMember := make(map[*affinityMember][]int32)
		for p := int32(0); p < partitionCount; p++ {
			am := assigned[p]
			partitionsByMember[am] = append(partitionsByMember[am], p)
		}
		for am, partitions := range partitionsByMember {
			plan.AddPartitions(am.member, topic, partitions)
		}
	}
	return plan
}

func leastLoaded(members []*affinityMember) *affinityMember {
	var pick *affinityMember
	for _, am := range members {
		if pick == nil || am.load < pick.load {
			pick = am
		}
	}
	return pick
}

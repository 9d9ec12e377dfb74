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
	"reflect"
	"testing"
)

var hostA = HostPort{Host: "localhost", Port: 7070}
var hostB = HostPort{Host: "peer-1", Port: 7070}

func TestAssignmentsDerivedView(t *testing.T) {
	pa := NewPartitionAssignments("orders_state", map[HostPort][]int32{
		hostA: {1, 0},
		hostB: {2},
	})

	if owner, ok := pa.HostFor(0); !ok || owner != hostA {
		t.Errorf("expected partition 0 owned by %v, got %v ok=%v", hostA, owner, ok)
	}
	if owner, ok := pa.HostFor(2); !ok || owner != hostB {
		t.Errorf("expected partition 2 owned by %v, got %v ok=%v", hostB, owner, ok)
	}
	if _, ok := pa.HostFor(9); ok {
		t.Errorf("partition 9 should have no owner")
	}
	if got := pa.PartitionsFor(hostA); !reflect.DeepEqual(got, []int32{0, 1}) {
		t.Errorf("partitions for host A should come back ordered, got %v", got)
	}
	if pa.IsZero() {
		t.Errorf("populated snapshot reported zero")
	}
	if !(PartitionAssignments{}).IsZero() {
		t.Errorf("empty snapshot should report zero")
	}
}

func TestAssignmentsDiff(t *testing.T) {
	prev := NewPartitionAssignments("orders_state", map[HostPort][]int32{
		hostA: {0, 1},
		hostB: {2},
	})
	next := NewPartitionAssignments("orders_state", map[HostPort][]int32{
		hostA: {0, 1, 2},
		hostB: {},
	})

	delta := next.Diff(prev)
	if !reflect.DeepEqual(delta.Added, map[HostPort][]int32{hostA: {2}}) {
		t.Errorf("unexpected added set: %v", delta.Added)
	}
	if !reflect.DeepEqual(delta.Revoked, map[HostPort][]int32{hostB: {2}}) {
		t.Errorf("unexpected revoked set: %v", delta.Revoked)
	}
}

func TestAssignmentsDiffAgainstZero(t *testing.T) {
	next := NewPartitionAssignments("orders_state", map[HostPort][]int32{
		hostA: {0, 1},
	})
	delta := next.Diff(PartitionAssignments{})
	if !reflect.DeepEqual(delta.Added, map[HostPort][]int32{hostA: {0, 1}}) {
		t.Errorf("everything should be added on first snapshot, got %v", delta.Added)
	}
	if len(delta.Revoked) != 0 {
		t.Errorf("nothing should be revoked on first snapshot, got %v", delta.Revoked)
	}
}

func TestAssignmentsHostRemoval(t *testing.T) {
	prev := NewPartitionAssignments("orders_state", map[HostPort][]int32{
		hostA: {0},
		hostB: {1, 2},
	})
	next := NewPartitionAssignments("orders_state", map[HostPort][]int32{
		hostA: {0},
	})
	delta := next.Diff(prev)
	if !reflect.DeepEqual(delta.Revoked, map[HostPort][]int32{hostB: {1, 2}}) {
		t.Errorf("partitions of a departed host should be revoked, got %v", delta.Revoked)
	}
	if _, ok := next.HostFor(1); ok {
		t.Errorf("partition 1 should be unowned after host departure")
	}
}

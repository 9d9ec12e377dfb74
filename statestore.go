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

// StateMeta is one row of the projection's per-partition progress index: the highest
// offset of the tracked topic the projection has folded into its queryable view.
type StateMeta struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
}

// StateIndex is the read interface of the state-store metadata index. The publisher polls
// it to retire in-flight records; everything else about the store is someone else's
// concern.
type StateIndex interface {
	IsOpen() bool
	// GetMeta looks up progress by "topic:partition" key (see TopicPartition.String).
	GetMeta(key string) (StateMeta, bool)
}

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
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"
)

var (
	// Another producer with the same transactional id took over this partition.
	// Fatal to the publisher instance; it terminates cleanly and a replacement is
	// expected to be started by the cluster layer.
	ErrFenced = errors.New("producer fenced")

	// The requested partition is not present in the current assignment snapshot.
	ErrPartitionNotAssigned = errors.New("partition not assigned")

	// The entity id extractor did not match the message.
	ErrUnroutable = errors.New("message is unroutable")

	// The StreamManager received a request in a state that cannot serve it.
	ErrManagerStopped = errors.New("stream manager is stopped")

	// The publisher instance has terminated; requests cannot be served and should be
	// retried against its replacement.
	ErrPublisherStopped = errors.New("publisher is stopped")
)

// errorKind buckets producer errors by how the publisher must react to them.
type errorKind int

const (
	// no error
	errorNone errorKind = iota
	// begin/commit/submit failed without fencing. Abort the transaction, log, and
	// fail the drained batch back to its senders; it is not resubmitted.
	errorTransient
	// the producer cannot be (re)used at all. Rebuild the producer and retry init.
	errorInitFatal
	// another instance with the same transactional id took over. Terminal.
	errorFenced
)

func classifyProducerError(err error) errorKind {
	if err == nil {
		return errorNone
	}
	if errors.Is(err, ErrFenced) ||
		errors.Is(err, kerr.ProducerFenced) ||
		errors.Is(err, kerr.InvalidProducerEpoch) {
		return errorFenced
	}
	if errors.Is(err, kerr.UnsupportedVersion) ||
		errors.Is(err, kerr.UnsupportedSaslMechanism) ||
		errors.Is(err, kerr.ClusterAuthorizationFailed) ||
		errors.Is(err, kerr.TransactionalIDAuthorizationFailed) ||
		errors.Is(err, kerr.InvalidTxnState) {
		return errorInitFatal
	}
	return errorTransient
}

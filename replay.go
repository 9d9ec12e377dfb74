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
	"time"

	"github.com/google/uuid"
	"github.com/riverline-io/shardcore/sak"
)

var ErrReplayAborted = errors.New("replay aborted")

type ReplayOutcome int

const (
	ReplaySuccessfullyStarted ReplayOutcome = iota
	ReplayFailed
)

type ReplayResult struct {
	Outcome ReplayOutcome
	Err     error
}

// ReplayStrategy performs the actual rewind while every consumer in the group is
// stopped: typically it resets the group's committed offsets and clears derived state.
type ReplayStrategy func(ctx context.Context) error

// ReplayCoordinator orchestrates a stop, rewind, restart cycle across the consumer
// group members managed on this node. The whole cycle is bounded by the configured
// replay timeout; Signal aborts an in-progress cycle.
type ReplayCoordinator struct {
	managers  []*StreamManager
	strategy  ReplayStrategy
	timeout   time.Duration
	metrics   chan Metric
	runStatus sak.RunStatus
}

func NewReplayCoordinator(strategy ReplayStrategy, timeout time.Duration, managers ...*StreamManager) *ReplayCoordinator {
	if timeout == 0 {
		timeout = DefaultReplayTimeout
	}
	return &ReplayCoordinator{
		managers:  managers,
		strategy:  strategy,
		timeout:   timeout,
		runStatus: sak.NewRunStatus(nil),
	}
}

// SetMetricsHandler wires replay metrics emission. Optional.
func (rc *ReplayCoordinator) SetMetricsHandler(handler MetricsHandler) {
	rc.metrics = NewMetricsChannel(handler, 16)
}

// Signal instructs the coordinator to stop: an in-progress replay is abandoned at its
// next step boundary.
func (rc *ReplayCoordinator) Signal() {
	rc.runStatus.Halt()
}

// Replay stops every managed consumer, invokes the replay strategy, then restarts the
// consumers. Consumers are restarted even when the strategy fails; the group should not
// be left parked because a rewind misfired.
func (rc *ReplayCoordinator) Replay(ctx context.Context) ReplayResult {
	start := time.Now()
	// correlates the stop/rewind/restart log lines of one cycle across nodes
	replayId := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	log.Infof("replay %s stopping %d consumers", replayId, len(rc.managers))
	if err := rc.stopAll(ctx); err != nil {
		rc.startAll()
		return ReplayResult{Outcome: ReplayFailed, Err: err}
	}
	strategyErr := rc.runStrategy(ctx)
	rc.startAll()
	if strategyErr != nil {
		log.Errorf("replay %s strategy failed after %v: %v", replayId, time.Since(start), strategyErr)
		return ReplayResult{Outcome: ReplayFailed, Err: strategyErr}
	}
	log.Infof("replay %s started, group stopped and rewound in %v", replayId, time.Since(start))
	emitMetric(rc.metrics, Metric{Operation: ReplayOperation, StartTime: start, EndTime: time.Now(), Count: 1})
	return ReplayResult{Outcome: ReplaySuccessfullyStarted}
}

func (rc *ReplayCoordinator) stopAll(ctx context.Context) error {
	for _, manager := range rc.managers {
		select {
		case <-manager.Stop():
		case <-ctx.Done():
			return ctx.Err()
		case <-rc.runStatus.Done():
			return ErrReplayAborted
		}
	}
	return nil
}

func (rc *ReplayCoordinator) runStrategy(ctx context.Context) error {
	if !rc.runStatus.Running() {
		return ErrReplayAborted
	}
	if rc.strategy == nil {
		return nil
	}
	return rc.strategy(ctx)
}

func (rc *ReplayCoordinator) startAll() {
	for _, manager := range rc.managers {
		manager.Start()
	}
}

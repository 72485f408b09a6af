package scheduler

import (
	"os"
	"sync"
	"time"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/metrics"
	"github.com/edgerun/flotilla/pkg/queue"
	"github.com/edgerun/flotilla/pkg/registry"
	"github.com/edgerun/flotilla/pkg/types"
)

// selectFailureBackoff is slept after a selection failure so a fleet with no
// schedulable nodes does not spin on the queue.
const selectFailureBackoff = 100 * time.Millisecond

// Dispatcher delivers a task payload to a worker node.
type Dispatcher interface {
	Dispatch(dev types.Device, task types.ImageTask, payload []byte) error
}

// Scheduler is the dispatch loop: it pops pending tasks, asks the policy for
// a target node, ships the payload, and records the task as running.
type Scheduler struct {
	queue      *queue.Manager
	policy     *Policy
	dispatcher Dispatcher

	startOnce sync.Once
	done      chan struct{}
}

// New creates a scheduler. Start must be called to begin dispatching.
func New(q *queue.Manager, reg *registry.Registry, d Dispatcher) *Scheduler {
	return &Scheduler{
		queue:      q,
		policy:     NewPolicy(reg),
		dispatcher: d,
		done:       make(chan struct{}),
	}
}

// Policy exposes the scheduler's policy for callers that select nodes
// outside the dispatch loop (hot start, inline proxying).
func (s *Scheduler) Policy() *Policy {
	return s.policy
}

// Start launches the dispatch loop once; further calls are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop closes the queue, which unblocks the loop and lets it exit. It
// returns once the loop has drained.
func (s *Scheduler) Stop() {
	s.queue.Close()
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	logger := log.WithComponent("scheduler")
	logger.Info().Msg("scheduler loop started")

	for {
		task, ok := s.queue.Pop()
		if !ok {
			logger.Info().Msg("scheduler loop stopped")
			return
		}
		s.dispatchOne(task)
	}
}

func (s *Scheduler) dispatchOne(task types.ImageTask) {
	logger := log.WithTaskID(task.TaskID)

	target, err := s.policy.Select(task.TaskType, task.Strategy)
	if err != nil {
		logger.Error().Err(err).Msg("schedule failed")
		s.retryOrFail(task)
		time.Sleep(selectFailureBackoff)
		return
	}

	payload, err := os.ReadFile(task.FilePath)
	if err != nil {
		logger.Error().Err(err).Str("file_path", task.FilePath).Msg("failed to read task file")
		s.retryOrFail(task)
		return
	}

	if err := s.dispatcher.Dispatch(target, task, payload); err != nil {
		logger.Warn().Err(err).Str("device_ip", target.IPAddress).Msg("dispatch failed")
		metrics.DispatchFailuresTotal.Inc()
		s.retryOrFail(task)
		return
	}

	s.queue.AddRunning(target.GlobalID, task)
	metrics.DispatchesTotal.Inc()
	logger.Info().Str("device_ip", target.IPAddress).Msg("task dispatched")
}

// retryOrFail re-pushes the task at the front of the queue unless it has
// exhausted its retries, in which case it is parked in the failed history.
func (s *Scheduler) retryOrFail(task types.ImageTask) {
	task.RetryCount++
	if task.RetryCount <= queue.MaxRetries {
		metrics.RetriesTotal.Inc()
		s.queue.Push(task, true)
		return
	}
	logger := log.WithTaskID(task.TaskID)
	logger.Error().Int("retry_count", task.RetryCount).
		Msg("task exceeded retry cap, moving to failed history")
	s.queue.MoveToFailed(task)
}

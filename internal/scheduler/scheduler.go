// Package scheduler runs the per-target due-time loop that drives the
// Fetch Pipeline on its own background worker.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nitterfetch/nitterfetch/internal/broker"
	"github.com/nitterfetch/nitterfetch/internal/model"
	"github.com/nitterfetch/nitterfetch/internal/pipeline"
	"github.com/nitterfetch/nitterfetch/internal/store"
)

// quantum is the fixed sleep between scheduling cycles.
const quantum = 5 * time.Second

// Scheduler periodically walks every registered target, running the
// Fetch Pipeline synchronously for each one that is due.
type Scheduler struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	broker   *broker.Broker
	log      *zap.Logger

	queueSize int32
	lastRun   atomic.Value // string, ISO-8601

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler. It does not start running until Start is called.
func New(st *store.Store, p *pipeline.Pipeline, b *broker.Broker, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:    st,
		pipeline: p,
		broker:   b,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduler's single long-lived worker goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop signals the worker to exit at the next cycle boundary and waits
// for it to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// QueueSize returns the number of targets currently being fetched.
func (s *Scheduler) QueueSize() int {
	return int(atomic.LoadInt32(&s.queueSize))
}

// LastRun returns the ISO-8601 timestamp of the most recent successful
// fetch, or "" if none has succeeded yet.
func (s *Scheduler) LastRun() string {
	if v, ok := s.lastRun.Load().(string); ok {
		return v
	}
	return ""
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.cycle()

		select {
		case <-s.stopCh:
			return
		case <-time.After(quantum):
		}
	}
}

func (s *Scheduler) cycle() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler cycle panicked", zap.Any("recovered", r))
			if s.broker != nil {
				s.broker.Publish("error", map[string]interface{}{"message": "scheduler cycle panicked"})
			}
		}
	}()

	targets, err := s.store.GetTargets()
	if err != nil {
		s.log.Error("scheduler: failed to list targets", zap.Error(err))
		if s.broker != nil {
			s.broker.Publish("error", map[string]interface{}{"message": err.Error()})
		}
		return
	}

	now := time.Now().UTC()
	for _, t := range targets {
		if !isDue(t, now) {
			continue
		}

		atomic.AddInt32(&s.queueSize, 1)
		if s.broker != nil {
			s.broker.Publish("tick", map[string]interface{}{
				"target":       t.Value,
				"target_id":    t.ID,
				"scheduled_at": now.Format(time.RFC3339),
			})
		}

		summary := s.pipeline.Run(context.Background(), t)
		if summary.Error == "" {
			s.lastRun.Store(time.Now().UTC().Format(time.RFC3339))
		}

		atomic.AddInt32(&s.queueSize, -1)
	}
}

// isDue reports whether t should be fetched now: never fetched, or its
// last fetch is at least poll_interval_seconds old. A malformed timestamp
// counts as due.
func isDue(t model.Target, now time.Time) bool {
	if t.LastFetchedAt == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, t.LastFetchedAt)
	if err != nil {
		return true
	}
	return now.Sub(last) >= time.Duration(t.PollIntervalSeconds)*time.Second
}

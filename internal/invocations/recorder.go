package invocations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/metrics"
)

const (
	DefaultQueueSize       = 1024
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultCleanupSchedule = "@hourly"

	writeTimeout   = 5 * time.Second
	cleanupTimeout = time.Minute
)

// ErrRecorderStopped is reported when the recorder is started after Stop.
var ErrRecorderStopped = errors.New("recorder stopped")

// RecorderOptions tunes a Recorder. Zero values fall back to the defaults.
type RecorderOptions struct {
	QueueSize int
	// Retention of zero or less keeps records forever.
	Retention       time.Duration
	CleanupSchedule string
}

// Recorder persists invocation records off the request path. Record never
// blocks: when the queue is full the record is dropped and counted.
type Recorder struct {
	store     *Store
	queue     chan Record
	retention time.Duration
	schedule  string
	scheduler *cron.Cron

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

var _ functions.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *Store, opts RecorderOptions) (*Recorder, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = DefaultCleanupSchedule
	}

	r := &Recorder{
		store:     store,
		queue:     make(chan Record, opts.QueueSize),
		retention: opts.Retention,
		schedule:  opts.CleanupSchedule,
		scheduler: cron.New(),
	}

	if r.retention > 0 {
		if _, err := r.scheduler.AddFunc(r.schedule, r.cleanup); err != nil {
			return nil, fmt.Errorf("parsing cleanup schedule %q: %w", r.schedule, err)
		}
	}

	return r, nil
}

// Store returns the underlying store.
func (r *Recorder) Store() *Store {
	return r.store
}

// Pending returns the number of records waiting to be written.
func (r *Recorder) Pending() int {
	return len(r.queue)
}

// Capacity is the queue size; Record drops once Pending reaches it.
func (r *Recorder) Capacity() int {
	return cap(r.queue)
}

// Start launches the writer and the retention schedule.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderStopped
	}
	if r.started {
		return nil
	}
	r.started = true

	r.wg.Add(1)
	go r.run()

	if r.retention > 0 {
		r.scheduler.Start()
		log.Debug().
			Str("schedule", r.schedule).
			Dur("retention", r.retention).
			Msg("Invocation retention scheduled")
	}

	return nil
}

// Stop stops accepting records, drains the queue and waits for any running
// cleanup to finish.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	close(r.queue)
	r.mu.Unlock()

	if !started {
		r.wg.Add(1)
		go r.run()
	}
	r.wg.Wait()

	<-r.scheduler.Stop().Done()
}

// Record enqueues rec for persistence.
func (r *Recorder) Record(rec Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(rec, "stopped")
		return
	}

	select {
	case r.queue <- rec:
		metrics.SetRecorderQueueDepth(len(r.queue))
	default:
		r.drop(rec, "queue_full")
	}
}

func (r *Recorder) drop(rec Record, reason string) {
	metrics.RecordRecorderFailure(reason)
	log.Warn().
		Str("function_id", rec.FunctionID).
		Str("invocation_id", rec.InvocationID).
		Str("reason", reason).
		Msg("Dropped invocation record")
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for rec := range r.queue {
		metrics.SetRecorderQueueDepth(len(r.queue))
		r.write(rec)
	}
}

func (r *Recorder) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.Insert(ctx, rec); err != nil {
		metrics.RecordRecorderFailure("store")
		log.Error().
			Err(err).
			Str("function_id", rec.FunctionID).
			Str("invocation_id", rec.InvocationID).
			Msg("Failed to persist invocation record")
	}
}

// Cleanup deletes records older than the retention window now.
func (r *Recorder) Cleanup(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	return r.store.DeleteOlderThan(ctx, r.retention)
}

func (r *Recorder) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	deleted, err := r.Cleanup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clean up old invocation records")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Cleaned up old invocation records")
	}
}

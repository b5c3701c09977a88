// Package ingest runs accepted jobs through their vendor providers one at a
// time, records successful uploads in the catalog and reports progress.
package ingest

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"videoingest/internal/broadcast"
	"videoingest/internal/catalog"
	"videoingest/internal/ledger"
	"videoingest/internal/models"
	"videoingest/internal/observability/logging"
	"videoingest/internal/observability/metrics"
	"videoingest/internal/upload"
)

var (
	// ErrQueueFull is returned when the queue did not accept a job in time.
	ErrQueueFull = errors.New("job queue is full")
	// ErrJobNotFound is returned for unknown or already finished jobs.
	ErrJobNotFound = errors.New("job not found")
	// ErrCoordinatorClosed is returned once Shutdown has begun.
	ErrCoordinatorClosed = errors.New("coordinator is shut down")
	// ErrDuplicateJob is returned when a job id is already live.
	ErrDuplicateJob = errors.New("job already submitted")
)

const (
	defaultQueueSize      = 64
	defaultWorkers        = 1
	defaultEnqueueTimeout = 5 * time.Second
	defaultPublishTimeout = 2 * time.Second
	finishedMemory        = 1024
)

// Ledger persists terminal job states.
type Ledger interface {
	Put(state models.JobState) error
	Get(jobID string) (models.JobState, error)
}

// Metrics receives job lifecycle observations. *metrics.Recorder satisfies it.
type Metrics interface {
	JobSubmitted(sourceType string)
	JobFinished(sourceType, outcome string, duration time.Duration)
	SetQueueDepth(depth int)
}

type noopMetrics struct{}

func (noopMetrics) JobSubmitted(string) {}

func (noopMetrics) JobFinished(string, string, time.Duration) {}

func (noopMetrics) SetQueueDepth(int) {}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Resolver    *upload.Resolver
	Catalog     catalog.Store
	Broadcaster broadcast.Broadcaster
	Ledger      Ledger
	Metrics     Metrics
	Logger      *slog.Logger

	QueueSize int
	// Workers above one lets jobs overlap and gives up queue-order execution.
	Workers        int
	EnqueueTimeout time.Duration
	PublishTimeout time.Duration
	Now            func() time.Time
}

type jobEntry struct {
	job      *models.Job
	admitted chan struct{}

	// emit serialises event publication so nothing follows the terminal event.
	emit sync.Mutex

	state     models.JobState
	cancel    context.CancelFunc
	canceled  bool
	startedAt time.Time
}

// Coordinator owns the bounded job queue and its consumers.
type Coordinator struct {
	resolver       *upload.Resolver
	catalog        catalog.Store
	broadcaster    broadcast.Broadcaster
	ledger         Ledger
	metrics        Metrics
	logger         *slog.Logger
	workers        int
	enqueueTimeout time.Duration
	publishTimeout time.Duration
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *models.Job
	wg     sync.WaitGroup

	// submitMu is held shared by Submit while it enqueues and exclusively by
	// Shutdown when it closes the intake.
	submitMu sync.RWMutex
	closed   bool

	mu            sync.Mutex
	started       bool
	live          map[string]*jobEntry
	finished      map[string]models.JobState
	finishedOrder *list.List
}

// NewCoordinator validates cfg and builds a coordinator. Call Start to begin
// consuming.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		resolver:       cfg.Resolver,
		catalog:        cfg.Catalog,
		broadcaster:    cfg.Broadcaster,
		ledger:         cfg.Ledger,
		metrics:        cfg.Metrics,
		logger:         logging.WithComponent(cfg.Logger, "coordinator"),
		workers:        cfg.Workers,
		enqueueTimeout: cfg.EnqueueTimeout,
		publishTimeout: cfg.PublishTimeout,
		now:            cfg.Now,
		ctx:            ctx,
		cancel:         cancel,
		queue:          make(chan *models.Job, cfg.QueueSize),
		live:           make(map[string]*jobEntry),
		finished:       make(map[string]models.JobState),
		finishedOrder:  list.New(),
	}, nil
}

// Start launches the consumers. Calling it again has no effect.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.workers > 1 {
		c.logger.Warn("running jobs concurrently; execution no longer follows queue order", "workers", c.workers)
	}
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.consume()
	}
}

// SourceTypes lists the registered provider tags.
func (c *Coordinator) SourceTypes() []string {
	return c.resolver.SourceTypes()
}

// Validate reports whether a job could be accepted without enqueueing it.
func (c *Coordinator) Validate(job *models.Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	provider, err := c.resolver.Resolve(job.SourceType)
	if err != nil {
		return err
	}
	if kinder, ok := provider.(upload.PayloadKinder); ok && kinder.Payload() != job.Kind() {
		return upload.Fail(upload.FailureConfiguration, "validate job", "source type %s expects a %s payload, got %s", job.SourceType, kinder.Payload(), job.Kind())
	}
	return nil
}

// Submit enqueues job, waiting until the queue accepts it, ctx ends or the
// enqueue timeout passes. A job that is not accepted is left to the caller to
// release.
func (c *Coordinator) Submit(ctx context.Context, job *models.Job) error {
	if err := c.Validate(job); err != nil {
		return err
	}

	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if c.closed {
		return ErrCoordinatorClosed
	}

	entry := &jobEntry{
		job:      job,
		admitted: make(chan struct{}),
		state: models.JobState{
			JobID:      job.ID,
			SourceType: job.SourceType,
			Scope:      job.Scope,
			TargetID:   job.TargetID,
			Status:     models.StatusQueued,
			QueuedAt:   c.now(),
		},
	}
	c.mu.Lock()
	if _, exists := c.live[job.ID]; exists {
		c.mu.Unlock()
		return ErrDuplicateJob
	}
	c.live[job.ID] = entry
	c.mu.Unlock()

	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()
	var err error
	select {
	case c.queue <- job:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = ErrQueueFull
	case <-c.ctx.Done():
		err = ErrCoordinatorClosed
	}
	if err != nil {
		c.mu.Lock()
		delete(c.live, job.ID)
		c.mu.Unlock()
		c.logger.Warn("job not accepted", "job_id", job.ID, "source_type", job.SourceType, "error", err)
		return err
	}

	c.metrics.JobSubmitted(job.SourceType)
	c.metrics.SetQueueDepth(len(c.queue))
	entry.emit.Lock()
	c.publish(models.Event{
		JobID:   job.ID,
		Type:    models.EventProgress,
		Status:  models.StatusQueued,
		Percent: models.IntPtr(0),
		At:      c.now(),
	})
	entry.emit.Unlock()
	close(entry.admitted)
	c.logger.Info("job queued", "job_id", job.ID, "source_type", job.SourceType, "scope", job.Scope, "target_id", job.TargetID)
	return nil
}

// Cancel stops a running job or marks a queued one to be skipped.
func (c *Coordinator) Cancel(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.live[jobID]
	if !ok || entry.state.Status.Terminal() {
		return ErrJobNotFound
	}
	entry.canceled = true
	if entry.cancel != nil {
		entry.cancel()
	}
	c.logger.Info("job cancellation requested", "job_id", jobID, "status", entry.state.Status)
	return nil
}

// Status returns the live state of a job, falling back to recently finished
// jobs and then the ledger.
func (c *Coordinator) Status(ctx context.Context, jobID string) (models.JobState, error) {
	c.mu.Lock()
	if entry, ok := c.live[jobID]; ok {
		state := entry.state
		c.mu.Unlock()
		return state, nil
	}
	if state, ok := c.finished[jobID]; ok {
		c.mu.Unlock()
		return state, nil
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return models.JobState{}, err
	}
	if c.ledger == nil {
		return models.JobState{}, ErrJobNotFound
	}
	state, err := c.ledger.Get(jobID)
	if errors.Is(err, ledger.ErrNotFound) {
		return models.JobState{}, ErrJobNotFound
	}
	if err != nil {
		return models.JobState{}, fmt.Errorf("read ledger: %w", err)
	}
	return state, nil
}

// Shutdown stops intake, cancels the running job, reports queued jobs as
// canceled and waits for the consumers to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	c.submitMu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.submitMu.Unlock()
	if alreadyClosed {
		return nil
	}

	drained := c.drain()
	if drained > 0 {
		c.logger.Info("queued jobs canceled at shutdown", "count", drained)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) drain() int {
	count := 0
	for {
		select {
		case job := <-c.queue:
			c.skip(job, upload.Fail(upload.FailureCanceled, "shutdown", "service stopped before the job started"))
			count++
		default:
			c.metrics.SetQueueDepth(0)
			return count
		}
	}
}

func (c *Coordinator) consume() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.queue:
			c.metrics.SetQueueDepth(len(c.queue))
			c.process(job)
		}
	}
}

func (c *Coordinator) entry(jobID string) *jobEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[jobID]
}

// skip finishes a job that never reached its provider.
func (c *Coordinator) skip(job *models.Job, failure *upload.Failure) {
	defer c.release(job)
	entry := c.entry(job.ID)
	if entry == nil {
		return
	}
	<-entry.admitted
	c.finish(entry, upload.Failed(failure))
}

func (c *Coordinator) process(job *models.Job) {
	entry := c.entry(job.ID)
	if entry == nil {
		c.release(job)
		return
	}
	<-entry.admitted

	jobCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	c.mu.Lock()
	skipped := entry.canceled
	if !skipped {
		now := c.now()
		entry.cancel = cancel
		entry.startedAt = now
		entry.state.StartedAt = &now
	}
	c.mu.Unlock()
	if skipped {
		c.skip(job, upload.Fail(upload.FailureCanceled, "dequeue job", "canceled before the job started"))
		return
	}

	defer c.release(job)
	jobCtx = logging.ContextWithJobID(jobCtx, job.ID)
	result := c.run(jobCtx, entry)
	c.finish(entry, result)
}

// run executes the provider and records the vendor source. Panics become
// internal failures.
func (c *Coordinator) run(ctx context.Context, entry *jobEntry) (result upload.Result) {
	job := entry.job
	logger := logging.WithContext(ctx, c.logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			result = upload.Failed(upload.Fail(upload.FailureInternal, "execute job", "panic: %v", r))
		}
	}()

	provider, err := c.resolver.Resolve(job.SourceType)
	if err != nil {
		return upload.Failed(err)
	}
	logger.Info("job started", "source_type", job.SourceType, "payload", job.Kind())
	result = provider.Execute(ctx, job, c.sinkFor(entry))
	if !result.Success {
		if result.Err == nil {
			result.Err = upload.Fail(upload.FailureInternal, "execute job", "provider reported failure without an error")
		}
		if ctx.Err() != nil && upload.KindOf(result.Err) != upload.FailureCanceled {
			result.Err = upload.Wrap(upload.FailureCanceled, "execute job", result.Err)
		}
		return result
	}
	if strings.TrimSpace(result.VendorID) == "" {
		return upload.Failed(upload.Fail(upload.FailureInternal, "execute job", "provider succeeded without a vendor id"))
	}

	src := catalog.VendorSource{
		Scope:        job.Scope,
		TargetID:     job.TargetID,
		SourceType:   strings.ToLower(job.SourceType),
		Vendor:       catalog.VendorName(job.SourceType),
		VendorID:     result.VendorID,
		VendorPath:   result.VendorPath,
		PlayerURL:    result.PlayerURL,
		Language:     job.Language,
		Quality:      job.Quality,
		Title:        job.Title,
		Published:    job.Visibility.Published,
		Downloadable: job.Visibility.Downloadable,
		UploadedAt:   c.now(),
	}
	resp, err := catalog.Upsert(ctx, c.catalog, src)
	switch {
	case err != nil && ctx.Err() != nil:
		return upload.Failed(upload.Wrap(upload.FailureCanceled, "record vendor source", ctx.Err()))
	case err != nil:
		return upload.Failed(upload.Wrap(upload.FailureCatalog, "record vendor source", err))
	case resp.Code != catalog.CodeOK:
		return upload.Failed(upload.Wrap(upload.FailureCatalog, "record vendor source", resp.Err()))
	}
	logger.Info("vendor source recorded", "vendor", src.Vendor, "vendor_id", src.VendorID, "catalog_message", resp.Message)
	return result
}

func (c *Coordinator) sinkFor(entry *jobEntry) upload.ProgressSink {
	return func(p upload.Progress) {
		entry.emit.Lock()
		defer entry.emit.Unlock()

		status := p.Status
		if status == "" || status.Terminal() || status == models.StatusQueued {
			status = models.StatusUploading
		}
		event := models.Event{
			JobID:  entry.job.ID,
			Type:   models.EventProgress,
			Status: status,
			Text:   p.Text,
			At:     c.now(),
		}

		c.mu.Lock()
		if entry.state.Status.Terminal() {
			c.mu.Unlock()
			return
		}
		entry.state.Status = status
		entry.state.Text = p.Text
		if p.Percent >= 0 {
			pct := clampPercent(p.Percent)
			if pct < entry.state.Percent {
				pct = entry.state.Percent
			}
			entry.state.Percent = pct
			event.Percent = models.IntPtr(pct)
		}
		c.mu.Unlock()

		c.publish(event)
	}
}

func clampPercent(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}

// finish publishes the single terminal event and records the outcome.
func (c *Coordinator) finish(entry *jobEntry, result upload.Result) {
	job := entry.job
	finishedAt := c.now()

	entry.emit.Lock()
	c.mu.Lock()
	if entry.state.Status.Terminal() {
		c.mu.Unlock()
		entry.emit.Unlock()
		return
	}
	state := entry.state
	state.FinishedAt = &finishedAt
	state.Text = ""
	event := models.Event{JobID: job.ID, At: finishedAt}
	outcome := metrics.OutcomeDone
	if result.Success {
		state.Status = models.StatusDone
		state.Percent = 100
		state.VendorID = result.VendorID
		state.VendorPath = result.VendorPath
		state.PlayerURL = result.PlayerURL
		event.Type = models.EventDone
		event.Status = models.StatusDone
		event.Percent = models.IntPtr(100)
		event.VendorID = result.VendorID
		event.PlayerURL = result.PlayerURL
	} else {
		kind := upload.KindOf(result.Err)
		state.Status = models.StatusError
		state.Error = result.Err.Error()
		state.Kind = string(kind)
		event.Type = models.EventError
		event.Status = models.StatusError
		event.Error = state.Error
		event.Kind = state.Kind
		outcome = metrics.OutcomeError
		if kind == upload.FailureCanceled {
			outcome = metrics.OutcomeCanceled
		}
	}
	entry.state = state
	started := entry.startedAt
	c.mu.Unlock()

	c.publish(event)
	entry.emit.Unlock()

	c.remember(state)
	if c.ledger != nil {
		if err := c.ledger.Put(state); err != nil {
			c.logger.Error("ledger write failed", "job_id", job.ID, "error", err)
		}
	}
	var duration time.Duration
	if !started.IsZero() {
		duration = finishedAt.Sub(started)
	}
	c.metrics.JobFinished(job.SourceType, outcome, duration)

	if result.Success {
		c.logger.Info("job finished", "job_id", job.ID, "vendor_id", result.VendorID, "player_url", result.PlayerURL, "duration", duration)
	} else {
		c.logger.Warn("job failed", "job_id", job.ID, "kind", state.Kind, "error", result.Err, "duration", duration)
	}
}

// remember moves a terminal state out of the live set into a bounded
// in-memory history.
func (c *Coordinator) remember(state models.JobState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, state.JobID)
	if _, exists := c.finished[state.JobID]; !exists {
		c.finishedOrder.PushBack(state.JobID)
	}
	c.finished[state.JobID] = state
	for c.finishedOrder.Len() > finishedMemory {
		oldest := c.finishedOrder.Front()
		c.finishedOrder.Remove(oldest)
		delete(c.finished, oldest.Value.(string))
	}
}

func (c *Coordinator) release(job *models.Job) {
	if err := job.Release(); err != nil {
		c.logger.Warn("job release failed", "job_id", job.ID, "error", err)
	}
}

// publish is best effort and independent of the job context so terminal
// events still go out after cancellation.
func (c *Coordinator) publish(event models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()
	if err := c.broadcaster.Publish(ctx, event); err != nil {
		c.logger.Warn("event publish failed", "job_id", event.JobID, "type", event.Type, "error", err)
	}
}

// Package ingest drives document ingestion jobs: local preflight, upload or
// remote enqueue, polling of the backend training task, and reconciliation of
// the session's source list once the task finishes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/dgpt/internal/gateway"
	"github.com/kalambet/dgpt/internal/session"
	"github.com/kalambet/dgpt/internal/storage"
)

// Gateway is the subset of the backend client the orchestrator uses.
type Gateway interface {
	Upload(ctx context.Context, name string, paths []string, progress gateway.ProgressFunc) (gateway.TaskAccepted, error)
	IngestRemote(ctx context.Context, req gateway.RemoteRequest, progress gateway.ProgressFunc) (gateway.TaskAccepted, error)
	TaskStatus(ctx context.Context, taskID string) (gateway.TaskStatus, error)
	Sources(ctx context.Context) ([]gateway.Document, error)
}

// Session is the shared state the orchestrator reconciles after a job.
type Session interface {
	SourceDocs() []gateway.Document
	SetSelectedDocs(docs []gateway.Document) error
	RefreshSources(ctx context.Context, lister session.SourceLister) ([]gateway.Document, error)
}

// Ledger persists task progress so jobs can be listed and re-attached after
// the client exits.
type Ledger interface {
	RecordTask(r storage.TaskRecord) error
	GetTask(taskID string) (storage.TaskRecord, error)
}

type Options struct {
	PollInterval  time.Duration
	GraceInterval time.Duration
	// MaxPollFaults caps consecutive transient poll faults. 0 means no cap.
	MaxPollFaults int
	// OnChange is called with a snapshot after every job mutation.
	OnChange func(Job)
	// OnSuccessfulUpload is called once when a job succeeds, on the poll
	// goroutine. It must not call Close or Reset.
	OnSuccessfulUpload func(Job)
	Logger             *slog.Logger
}

// Orchestrator tracks a single ingestion job. It is safe for concurrent use;
// Close must be called when the owner goes away.
type Orchestrator struct {
	gw     Gateway
	sess   Session
	ledger Ledger
	opts   Options
	poller *Poller
	logger *slog.Logger

	mu     sync.Mutex
	// gen identifies the current job. Results carrying an older gen, or
	// arriving after Close, are dropped.
	gen    uint64
	job    Job
	known  map[string]bool
	handle *Handle
	done   chan struct{}
	closed chan struct{}
}

// New returns an orchestrator with a fresh idle job. ledger may be nil.
func New(gw Gateway, sess Session, ledger Ledger, opts Options) *Orchestrator {
	if opts.GraceInterval == 0 {
		opts.GraceInterval = 3 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		gw:     gw,
		sess:   sess,
		ledger: ledger,
		opts:   opts,
		logger: logger.With("component", "ingest"),
	}
	o.poller = o.newPoller(opts.GraceInterval)
	o.job = o.newJob()
	o.done = make(chan struct{})
	o.closed = make(chan struct{})
	return o
}

func (o *Orchestrator) newPoller(grace time.Duration) *Poller {
	p := NewPoller(o.gw, o.opts.PollInterval, grace, o.opts.MaxPollFaults)
	p.logger = o.logger.With("component", "ingest.poller")
	return p
}

func (o *Orchestrator) newJob() Job {
	now := time.Now().UTC()
	return Job{ID: uuid.New().String(), Phase: PhaseIdle, CreatedAt: now, UpdatedAt: now}
}

// Job returns a snapshot of the current job.
func (o *Orchestrator) Job() Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job.clone()
}

// Reset stops any polling and replaces the job with a fresh idle one. The
// backend task, if any, keeps running.
func (o *Orchestrator) Reset() {
	o.Close()

	o.mu.Lock()
	o.gen++
	o.job = o.newJob()
	o.known = nil
	o.done = make(chan struct{})
	o.closed = make(chan struct{})
	snap := o.job.clone()
	o.mu.Unlock()

	o.emit(snap)
}

// Close stops polling and detaches from the job. Pending Wait calls return
// ErrDetached unless the job already finished.
func (o *Orchestrator) Close() {
	o.stopPolling()

	o.mu.Lock()
	select {
	case <-o.closed:
	default:
		close(o.closed)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) stopPolling() {
	o.mu.Lock()
	h := o.handle
	o.handle = nil
	o.mu.Unlock()

	if h != nil {
		h.Stop()
	}
}

// Wait blocks until the job is terminal and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context) (Job, error) {
	o.mu.Lock()
	done, closed := o.done, o.closed
	o.mu.Unlock()

	select {
	case <-done:
		return o.Job(), nil
	case <-closed:
		select {
		case <-done:
			return o.Job(), nil
		default:
			return o.Job(), ErrDetached
		}
	case <-ctx.Done():
		return o.Job(), ctx.Err()
	}
}

// claim moves an idle job to uploading and returns the generation that
// owns it.
func (o *Orchestrator) claim(name string, kind Kind, t IngestorType, cfg Config) (uint64, error) {
	o.mu.Lock()
	switch {
	case o.job.Phase.Terminal():
		o.mu.Unlock()
		return 0, ErrJobTerminal
	case o.job.Phase != PhaseIdle:
		o.mu.Unlock()
		return 0, ErrJobActive
	case !o.attached():
		o.mu.Unlock()
		return 0, ErrDetached
	}
	o.gen++
	gen := o.gen
	o.job.Name = name
	o.job.Kind = kind
	o.job.Ingestor = t
	o.job.Config = cfg
	o.job.Phase = PhaseUploading
	o.job.Percentage = 0
	o.job.UpdatedAt = time.Now().UTC()
	snap := o.job.clone()
	o.mu.Unlock()

	o.emit(snap)
	return gen, nil
}

// attached reports whether Close has not been called since the last Reset.
// Callers hold o.mu.
func (o *Orchestrator) attached() bool {
	select {
	case <-o.closed:
		return false
	default:
		return true
	}
}

// live reports whether gen still owns the job. Callers hold o.mu.
func (o *Orchestrator) live(gen uint64) bool {
	return gen == o.gen && o.attached()
}

func (o *Orchestrator) checkIdle() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.job.Phase.Terminal():
		return ErrJobTerminal
	case o.job.Phase != PhaseIdle:
		return ErrJobActive
	}
	return nil
}

// UploadFiles preflights paths, uploads them under name and starts polling
// the resulting task. Preflight and validation failures leave the job idle.
func (o *Orchestrator) UploadFiles(ctx context.Context, name string, paths []string) error {
	if err := o.checkIdle(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Fields: []FieldError{{Field: "name", Reason: "must not be blank"}}}
	}
	if err := Preflight(paths); err != nil {
		return err
	}

	o.snapshotKnown(ctx)
	gen, err := o.claim(name, KindFile, "", nil)
	if err != nil {
		return err
	}

	accepted, err := o.gw.Upload(ctx, name, paths, func(sent, total int64) {
		o.uploadProgress(gen, sent, total)
	})
	return o.accept(ctx, gen, name, accepted, err)
}

// IngestRemote validates cfg against t's schema, sends the prepared config
// and starts polling the resulting task.
func (o *Orchestrator) IngestRemote(ctx context.Context, name string, t IngestorType, cfg Config) error {
	if err := o.checkIdle(); err != nil {
		return err
	}
	var verr ValidationError
	name = strings.TrimSpace(name)
	if name == "" {
		verr.Fields = append(verr.Fields, FieldError{Field: "name", Reason: "must not be blank"})
	}
	if err := Validate(t, cfg); err != nil {
		var ve *ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		verr.Fields = append(verr.Fields, ve.Fields...)
	}
	if len(verr.Fields) > 0 {
		return &verr
	}
	data, err := Prepare(t, cfg)
	if err != nil {
		return err
	}

	o.snapshotKnown(ctx)
	gen, err := o.claim(name, KindRemote, t, data)
	if err != nil {
		return err
	}

	accepted, err := o.gw.IngestRemote(ctx, gateway.RemoteRequest{
		Name:   name,
		User:   gateway.LocalUser,
		Source: string(t),
		Data:   data,
	}, func(sent, total int64) {
		o.uploadProgress(gen, sent, total)
	})
	return o.accept(ctx, gen, name, accepted, err)
}

// Watch attaches to a task that is already running on the backend, skipping
// the upload and the grace interval.
func (o *Orchestrator) Watch(ctx context.Context, taskID, name string) error {
	if taskID == "" {
		return fmt.Errorf("watching task: empty task id")
	}
	if err := o.checkIdle(); err != nil {
		return err
	}

	kind, ingestor := Kind(""), IngestorType("")
	if o.ledger != nil {
		if rec, err := o.ledger.GetTask(taskID); err == nil {
			kind, ingestor = Kind(rec.Kind), IngestorType(rec.Ingestor)
			if name == "" {
				name = rec.Name
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("reading task ledger", "task_id", taskID, "error", err)
		}
	}

	o.snapshotKnown(ctx)
	o.mu.Lock()
	if o.job.Phase != PhaseIdle {
		o.mu.Unlock()
		return ErrJobActive
	}
	if !o.attached() {
		o.mu.Unlock()
		return ErrDetached
	}
	o.gen++
	gen := o.gen
	o.job.Name = name
	o.job.Kind = kind
	o.job.Ingestor = ingestor
	o.job.TaskID = taskID
	o.job.Phase = PhaseQueued
	o.job.UpdatedAt = time.Now().UTC()
	snap := o.job.clone()
	o.mu.Unlock()

	o.emit(snap)
	if !o.start(ctx, gen, taskID, 0) {
		return ErrDetached
	}
	return nil
}

// snapshotKnown records the source ids present before submission. New ids
// seen after success are the job's documents.
func (o *Orchestrator) snapshotKnown(ctx context.Context) {
	docs := o.sess.SourceDocs()
	if len(docs) == 0 {
		var err error
		if docs, err = o.sess.RefreshSources(ctx, o.gw); err != nil {
			o.logger.Warn("loading sources before ingest", "error", err)
		}
	}
	known := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d.ID != "" {
			known[d.ID] = true
		}
	}

	o.mu.Lock()
	o.known = known
	o.mu.Unlock()
}

func (o *Orchestrator) uploadProgress(gen uint64, sent, total int64) {
	if total <= 0 {
		return
	}
	pct := clampPercent(int(sent * 100 / total))

	o.mu.Lock()
	if !o.live(gen) || o.job.Phase != PhaseUploading || pct <= o.job.Percentage {
		o.mu.Unlock()
		return
	}
	o.job.Percentage = pct
	o.job.UpdatedAt = time.Now().UTC()
	snap := o.job.clone()
	o.mu.Unlock()

	o.emit(snap)
}

// accept handles the submission response: a transport failure ends the job
// in upload_failed, a task id queues it and starts polling. A response for a
// job that was closed or reset in the meantime is dropped.
func (o *Orchestrator) accept(ctx context.Context, gen uint64, name string, accepted gateway.TaskAccepted, err error) error {
	if err != nil {
		if o.update(gen, func(j *Job) {
			j.Phase = PhaseUploadFailed
			j.Err = err
		}) {
			o.finish(gen)
		}
		return fmt.Errorf("submitting %s: %w", name, err)
	}

	if !o.update(gen, func(j *Job) {
		j.TaskID = accepted.TaskID
		j.Phase = PhaseQueued
		j.Percentage = 0
	}) {
		o.logger.Info("ingest task accepted after detach; not polling", "task_id", accepted.TaskID)
		return ErrDetached
	}
	o.logger.Info("ingest task queued", "task_id", accepted.TaskID)
	if !o.start(ctx, gen, accepted.TaskID, o.opts.GraceInterval) {
		return ErrDetached
	}
	return nil
}

// start launches the poll loop unless gen no longer owns the job. The loop
// outlives ctx's cancellation; only Close, Reset or a terminal status stop it.
func (o *Orchestrator) start(ctx context.Context, gen uint64, taskID string, grace time.Duration) bool {
	p := o.poller
	if grace != o.opts.GraceInterval {
		p = o.newPoller(grace)
	}

	o.mu.Lock()
	if !o.live(gen) {
		o.mu.Unlock()
		return false
	}
	h := p.Start(context.WithoutCancel(ctx), taskID, o.statusHandler(gen))
	o.handle = h
	o.mu.Unlock()

	go func() {
		<-h.Done()
		o.mu.Lock()
		current := o.handle == h
		o.mu.Unlock()
		if !current {
			return
		}
		if err := h.Err(); errors.Is(err, ErrTooManyFaults) {
			o.logger.Warn("giving up on task", "task_id", taskID, "error", err)
			if o.update(gen, func(j *Job) {
				j.Phase = PhaseFailed
				j.Err = err
			}) {
				o.finish(gen)
			}
		}
	}()
	return true
}

func (o *Orchestrator) statusHandler(gen uint64) StatusHandler {
	return func(ctx context.Context, st gateway.TaskStatus) bool {
		return o.handleStatus(ctx, gen, st)
	}
}

func (o *Orchestrator) handleStatus(ctx context.Context, gen uint64, st gateway.TaskStatus) bool {
	switch st.Status {
	case gateway.TaskProgress:
		o.update(gen, func(j *Job) {
			if j.Phase != PhaseTraining {
				j.Phase = PhaseTraining
			}
			j.Percentage = max(j.Percentage, clampPercent(st.Result.Current))
		})
		return false
	case gateway.TaskSuccess:
		if st.Result.Limited {
			o.finishLimited(ctx, gen)
		} else {
			o.finishSucceeded(ctx, gen)
		}
		return true
	}
	return false
}

// finishLimited handles a task that stopped at the token ceiling. The newest
// local document is still selected.
func (o *Orchestrator) finishLimited(ctx context.Context, gen uint64) {
	docs, err := o.sess.RefreshSources(ctx, o.gw)
	if err != nil {
		o.logger.Warn("refreshing sources after limited ingest", "error", err)
	} else if doc, ok := latestLocal(docs); ok {
		if err := o.sess.SetSelectedDocs([]gateway.Document{doc}); err != nil {
			o.logger.Warn("selecting document", "id", doc.ID, "error", err)
		}
	}

	if o.update(gen, func(j *Job) {
		j.Phase = PhaseFailed
		j.TokenLimited = true
		j.Percentage = 100
	}) {
		o.finish(gen)
	}
}

func (o *Orchestrator) finishSucceeded(ctx context.Context, gen uint64) {
	docs, err := o.sess.RefreshSources(ctx, o.gw)
	if err != nil {
		o.logger.Warn("refreshing sources after ingest", "error", err)
	} else {
		o.mu.Lock()
		known := o.known
		o.mu.Unlock()

		var added []gateway.Document
		for _, d := range docs {
			if d.ID != "" && !known[d.ID] {
				added = append(added, d)
			}
		}
		if len(added) > 0 {
			if err := o.sess.SetSelectedDocs(added); err != nil {
				o.logger.Warn("selecting new documents", "error", err)
			}
		}
	}

	if !o.update(gen, func(j *Job) {
		j.Phase = PhaseSucceeded
		j.Percentage = 100
	}) {
		return
	}
	job := o.Job()
	o.logger.Info("ingest finished", "task_id", job.TaskID)
	if o.opts.OnSuccessfulUpload != nil {
		o.opts.OnSuccessfulUpload(job)
	}
	o.finish(gen)
}

func latestLocal(docs []gateway.Document) (gateway.Document, bool) {
	var best gateway.Document
	var bestTime time.Time
	found := false
	for _, d := range docs {
		if !strings.EqualFold(d.Type, "local") {
			continue
		}
		t, _ := d.Time()
		if !found || t.After(bestTime) {
			best, bestTime, found = d, t, true
		}
	}
	return best, found
}

// update applies fn to the job, records it in the ledger and notifies. It
// reports false and changes nothing when gen no longer owns the job.
func (o *Orchestrator) update(gen uint64, fn func(*Job)) bool {
	o.mu.Lock()
	if !o.live(gen) {
		o.mu.Unlock()
		return false
	}
	fn(&o.job)
	o.job.UpdatedAt = time.Now().UTC()
	snap := o.job.clone()
	o.mu.Unlock()

	if o.ledger != nil && snap.TaskID != "" {
		if err := o.ledger.RecordTask(snap.record()); err != nil {
			o.logger.Warn("recording task", "task_id", snap.TaskID, "error", err)
		}
	}
	o.emit(snap)
	return true
}

func (o *Orchestrator) finish(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return
	}
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

func (o *Orchestrator) emit(j Job) {
	if o.opts.OnChange != nil {
		o.opts.OnChange(j)
	}
}

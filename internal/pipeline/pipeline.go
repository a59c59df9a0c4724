// Package pipeline drives one analysis job end to end: store the image,
// recognize wines, enrich each one, and keep the job record current after
// every step so polling clients see live progress.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cellarsight/cellarsight/internal/blob"
	"github.com/cellarsight/cellarsight/internal/config"
	"github.com/cellarsight/cellarsight/internal/job"
	"github.com/cellarsight/cellarsight/internal/sommelier"
	"github.com/cellarsight/cellarsight/internal/vision"
	"github.com/cellarsight/cellarsight/internal/webhook"
)

// Event represents a Server-Sent Events event.
type Event struct {
	Event string // "status", "progress", "result"
	Data  string // JSON string
}

// Recognizer extracts wine candidates from a stored image.
type Recognizer interface {
	Recognize(ctx context.Context, imageURL string) ([]vision.Candidate, error)
}

// Enricher produces a tasting note for one candidate. It must not fail;
// problems are reported through Note.Err.
type Enricher interface {
	Enrich(ctx context.Context, c vision.Candidate, locale string) sommelier.Note
}

// Image carries validated raw bytes from the submit handler to the worker
// that uploads them.
type Image struct {
	Data        []byte
	ContentType string
	Ext         string
}

type submission struct {
	jobID string
	// image is nil when the job is re-run at startup recovery; the worker
	// then relies on the image URL already stored on the record.
	image *Image
}

// Runner owns the job queue and its workers. Each job id is enqueued exactly
// once, so a single worker owns all store writes for that job.
type Runner struct {
	jobs       chan submission
	store      job.Store
	blobs      blob.Store
	recognizer Recognizer
	enricher   Enricher
	subs       map[string][]chan Event
	mu         sync.RWMutex
	cfg        *config.Config
}

// New creates a Runner. Start must be called before jobs make progress.
func New(cfg *config.Config, store job.Store, blobs blob.Store, r Recognizer, e Enricher) *Runner {
	return &Runner{
		jobs:       make(chan submission, cfg.QueueSize),
		store:      store,
		blobs:      blobs,
		recognizer: r,
		enricher:   e,
		subs:       make(map[string][]chan Event),
		cfg:        cfg,
	}
}

// Enqueue hands a job to the worker pool. Returns an error if the queue is full.
func (r *Runner) Enqueue(jobID string, img *Image) error {
	select {
	case r.jobs <- submission{jobID: jobID, image: img}:
		return nil
	default:
		return fmt.Errorf("queue full: cannot enqueue job %s", jobID)
	}
}

// Start launches cfg.Concurrency workers as goroutines.
func (r *Runner) Start(ctx context.Context) {
	for range r.cfg.Concurrency {
		go r.runWorker(ctx)
	}
}

// Recovery re-enqueues jobs that a previous process left mid-pipeline. Jobs
// whose image never reached blob storage cannot be restarted and are failed.
func (r *Runner) Recovery(ctx context.Context) error {
	ids, err := r.store.ResetStuck(ctx)
	if err != nil {
		return fmt.Errorf("reset stuck: %w", err)
	}
	for _, id := range ids {
		j, err := r.store.Get(ctx, id)
		if err != nil || j == nil {
			slog.Warn("recovery: cannot load job", "job_id", id, "error", err)
			continue
		}
		if j.ImageURL == "" {
			r.failJob(ctx, id, fmt.Errorf("interrupted before image upload"), j.CallbackURL)
			continue
		}
		if err := r.Enqueue(id, nil); err != nil {
			slog.Warn("recovery: failed to enqueue job", "job_id", id, "error", err)
		}
	}
	return nil
}

// StartCleanup runs the retention sweeper when ttlHours > 0.
func (r *Runner) StartCleanup(ctx context.Context, ttlHours, intervalMinutes int) {
	if ttlHours <= 0 {
		return
	}
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	go func() {
		ticker := time.NewTicker(time.Duration(intervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweeper, ok := r.store.(interface {
					DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
				})
				if !ok {
					return
				}
				cutoff := time.Now().Add(-time.Duration(ttlHours) * time.Hour)
				n, err := sweeper.DeleteTerminalBefore(ctx, cutoff)
				if err != nil {
					slog.Error("cleanup sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("cleanup removed terminal jobs", "count", n)
				}
			}
		}
	}()
}

// Subscribe creates a buffered event channel for a job and returns it.
func (r *Runner) Subscribe(jobID string) chan Event {
	ch := make(chan Event, 64)
	r.mu.Lock()
	r.subs[jobID] = append(r.subs[jobID], ch)
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes an event channel from the map.
func (r *Runner) Unsubscribe(jobID string, ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chans := r.subs[jobID]
	for i, c := range chans {
		if c == ch {
			r.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(r.subs[jobID]) == 0 {
		delete(r.subs, jobID)
	}
}

func (r *Runner) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-r.jobs:
			r.process(ctx, sub)
		}
	}
}

// process runs the whole pipeline for one job. Every failure path funnels
// into failJob so the record always reaches a terminal state; no error or
// panic escapes.
func (r *Runner) process(ctx context.Context, sub submission) {
	j, err := r.store.Get(ctx, sub.jobID)
	if err != nil {
		slog.Error("worker: get job", "job_id", sub.jobID, "error", err)
		return
	}
	if j == nil {
		slog.Warn("worker: job not found (deleted?)", "job_id", sub.jobID)
		return
	}
	if j.Status.IsTerminal() {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.failJob(ctx, sub.jobID, fmt.Errorf("panic: %v", rec), j.CallbackURL)
		}
	}()

	// Stage 1: durable image storage.
	imageURL := j.ImageURL
	if imageURL == "" {
		if sub.image == nil {
			r.failJob(ctx, sub.jobID, fmt.Errorf("image data unavailable"), j.CallbackURL)
			return
		}
		key := fmt.Sprintf("jobs/%s/image%s", sub.jobID, sub.image.Ext)
		url, err := r.blobs.Put(ctx, key, sub.image.Data, sub.image.ContentType)
		if err != nil {
			r.failJob(ctx, sub.jobID, fmt.Errorf("store image: %w", err), j.CallbackURL)
			return
		}
		imageURL = url
	}

	processing := job.StatusProcessing
	err = r.store.Patch(ctx, sub.jobID, job.Patch{
		Status:   &processing,
		ImageURL: &imageURL,
	})
	if err != nil {
		r.failJob(ctx, sub.jobID, fmt.Errorf("mark processing: %w", err), j.CallbackURL)
		return
	}
	r.notify(sub.jobID, Event{Event: "status", Data: `{"status":"processing"}`})

	// Stage 2: recognition. A throwing call fails the job; an empty answer
	// completes it, because an image without wines is a valid submission.
	candidates, err := r.recognizer.Recognize(ctx, imageURL)
	if err != nil {
		r.failJob(ctx, sub.jobID, err, j.CallbackURL)
		return
	}
	if len(candidates) == 0 {
		r.completeJob(ctx, sub.jobID, job.Result{
			Wines:    []job.Wine{},
			ImageURL: imageURL,
			Message:  noWinesMessage(j.Locale),
		}, j.CallbackURL)
		return
	}

	// Stage 3: enrichment, strictly one wine at a time to bound provider
	// load, patching the partial result after every item.
	total := len(candidates)
	wines := make([]job.Wine, 0, total)
	for i, c := range candidates {
		note := r.enricher.Enrich(ctx, c, j.Locale)
		wine := job.Wine{
			Name:     c.Name,
			Vintage:  c.Vintage,
			Producer: c.Producer,
			Region:   c.Region,
			Varietal: c.Varietal,
			Score:    note.Score,
			Summary:  note.Summary,
			ImageURL: imageURL,
		}
		if note.Err != nil {
			wine.ProcessingError = note.Err.Error()
			slog.Warn("enrichment degraded to defaults",
				"job_id", sub.jobID, "wine", c.Name, "error", note.Err)
		}
		wines = append(wines, wine)

		partial := job.Result{
			Wines:          append([]job.Wine(nil), wines...),
			ImageURL:       imageURL,
			Incomplete:     true,
			ProcessedCount: i + 1,
			TotalCount:     total,
		}
		if err := r.store.Patch(ctx, sub.jobID, job.Patch{PartialResult: &partial}); err != nil {
			r.failJob(ctx, sub.jobID, fmt.Errorf("store partial result: %w", err), j.CallbackURL)
			return
		}

		data, _ := json.Marshal(map[string]int{"processed": i + 1, "total": total})
		r.notify(sub.jobID, Event{Event: "progress", Data: string(data)})
	}

	r.completeJob(ctx, sub.jobID, job.Result{
		Wines:    wines,
		ImageURL: imageURL,
	}, j.CallbackURL)
}

func (r *Runner) completeJob(ctx context.Context, jobID string, result job.Result, callbackURL string) {
	now := time.Now().UTC()
	result.CompletedAt = &now

	completed := job.StatusCompleted
	err := r.store.Patch(ctx, jobID, job.Patch{
		Status:      &completed,
		Result:      &result,
		CompletedAt: &now,
	})
	if err != nil {
		// Without the terminal write, pollers would still see processing; do
		// not tell push consumers a different story.
		slog.Error("worker: write completed", "job_id", jobID, "error", err)
		return
	}

	data, _ := json.Marshal(map[string]any{
		"status": string(job.StatusCompleted),
		"wines":  len(result.Wines),
	})
	r.notifyAndClose(jobID, Event{Event: "result", Data: string(data)})
	r.callback(ctx, jobID, callbackURL, string(job.StatusCompleted), "")
}

func (r *Runner) failJob(ctx context.Context, jobID string, cause error, callbackURL string) {
	now := time.Now().UTC()
	failed := job.StatusFailed
	msg := cause.Error()

	err := r.store.Patch(ctx, jobID, job.Patch{
		Status:   &failed,
		Error:    &msg,
		FailedAt: &now,
	})
	if err != nil {
		// The store itself is unreachable; the job stays stuck and the
		// client keeps seeing processing. Accepted limitation. Push
		// delivery is skipped so it never disagrees with the record.
		slog.Error("worker: write failed state", "job_id", jobID, "error", err)
		return
	}
	slog.Error("job failed", "job_id", jobID, "error", msg)

	data, _ := json.Marshal(map[string]string{
		"status": string(job.StatusFailed),
		"error":  msg,
	})
	r.notifyAndClose(jobID, Event{Event: "result", Data: string(data)})
	r.callback(ctx, jobID, callbackURL, string(job.StatusFailed), msg)
}

func (r *Runner) callback(ctx context.Context, jobID, callbackURL, status, errMsg string) {
	if callbackURL == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"job_id": jobID,
		"status": status,
		"error":  errMsg,
	})
	webhook.Send(context.WithoutCancel(ctx), callbackURL, payload)
}

// notify sends an event to all subscribers of a job without blocking.
func (r *Runner) notify(jobID string, event Event) {
	r.mu.RLock()
	chans := r.subs[jobID]
	r.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (r *Runner) notifyAndClose(jobID string, event Event) {
	r.mu.Lock()
	chans := r.subs[jobID]
	delete(r.subs, jobID)
	r.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}

var noWinesMessages = map[string]string{
	"en": "No wines were detected in the image.",
	"fr": "Aucun vin n'a été détecté dans l'image.",
	"ja": "画像からワインは検出されませんでした。",
}

func noWinesMessage(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if idx := strings.IndexAny(locale, "-_"); idx != -1 {
		locale = locale[:idx]
	}
	if msg, ok := noWinesMessages[locale]; ok {
		return msg
	}
	return noWinesMessages["en"]
}

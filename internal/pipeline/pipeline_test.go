package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cellarsight/cellarsight/internal/blob"
	"github.com/cellarsight/cellarsight/internal/config"
	"github.com/cellarsight/cellarsight/internal/job"
	"github.com/cellarsight/cellarsight/internal/sommelier"
	"github.com/cellarsight/cellarsight/internal/vision"
)

type fakeRecognizer struct {
	candidates []vision.Candidate
	err        error
}

func (f *fakeRecognizer) Recognize(_ context.Context, _ string) ([]vision.Candidate, error) {
	return f.candidates, f.err
}

// fakeEnricher fails for any candidate whose name appears in failFor.
type fakeEnricher struct {
	failFor map[string]bool
}

func (f *fakeEnricher) Enrich(_ context.Context, c vision.Candidate, locale string) sommelier.Note {
	if f.failFor[c.Name] {
		return sommelier.Note{
			Summary: "Tasting note unavailable.",
			Score:   sommelier.FallbackScore,
			Err:     errors.New("provider timeout"),
		}
	}
	return sommelier.Note{Summary: "A fine bottle of " + c.Name + ".", Score: 92}
}

// recordingStore captures every partial-result patch so tests can check the
// progression, delegating everything else to the wrapped store.
type recordingStore struct {
	job.Store
	mu       sync.Mutex
	partials []job.Result
}

func (s *recordingStore) Patch(ctx context.Context, id string, p job.Patch) error {
	if p.PartialResult != nil {
		s.mu.Lock()
		s.partials = append(s.partials, *p.PartialResult)
		s.mu.Unlock()
	}
	return s.Store.Patch(ctx, id, p)
}

func newTestRunner(t *testing.T, rec Recognizer, enr Enricher) (*Runner, job.Store) {
	t.Helper()
	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{Concurrency: 1, QueueSize: 8}
	blobs := blob.LocalFS{Root: t.TempDir(), BaseURL: "http://localhost:8080"}
	return New(cfg, store, blobs, rec, enr), store
}

func createJob(t *testing.T, store job.Store, id, locale string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Create(context.Background(), &job.Job{
		ID:        id,
		Status:    job.StatusUploading,
		Locale:    locale,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
}

// pngBytes is a minimal payload that sniffs as image/png.
func pngBytes() []byte {
	return []byte("\x89PNG\r\n\x1a\npayload")
}

func waitForTerminal(t *testing.T, store job.Store, id string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if j != nil && j.Status.IsTerminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return nil
}

func TestProcess_HappyPath(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{candidates: []vision.Candidate{
		{Name: "Château Margaux", Vintage: "2015", Region: "Bordeaux"},
		{Name: "Opus One", Vintage: "2018", Producer: "Opus One Winery"},
	}}
	runner, store := newTestRunner(t, rec, &fakeEnricher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	createJob(t, store, "job-happy", "en")
	if err := runner.Enqueue("job-happy", &Image{Data: pngBytes(), ContentType: "image/png", Ext: ".png"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j := waitForTerminal(t, store, "job-happy")
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want %s (error: %s)", j.Status, job.StatusCompleted, j.Error)
	}
	if j.Result == nil {
		t.Fatal("completed job has no result")
	}
	if len(j.Result.Wines) != 2 {
		t.Fatalf("got %d wines, want 2", len(j.Result.Wines))
	}
	if j.Result.Wines[0].Name != "Château Margaux" {
		t.Errorf("wine order not preserved, first = %q", j.Result.Wines[0].Name)
	}
	if j.Result.Wines[0].Score != 92 {
		t.Errorf("score = %d, want 92", j.Result.Wines[0].Score)
	}
	if j.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if j.ImageURL == "" {
		t.Error("image URL not persisted on the record")
	}
	if !strings.Contains(j.Result.Wines[0].Summary, "Château Margaux") {
		t.Errorf("summary = %q, want it to mention the wine", j.Result.Wines[0].Summary)
	}
}

func TestProcess_NoWinesCompletesWithMessage(t *testing.T) {
	t.Parallel()

	runner, store := newTestRunner(t, &fakeRecognizer{}, &fakeEnricher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	createJob(t, store, "job-empty", "fr")
	if err := runner.Enqueue("job-empty", &Image{Data: pngBytes(), ContentType: "image/png", Ext: ".png"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j := waitForTerminal(t, store, "job-empty")
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if j.Result == nil || j.Result.Wines == nil {
		t.Fatal("result wines should be an empty slice, not nil")
	}
	if len(j.Result.Wines) != 0 {
		t.Fatalf("got %d wines, want 0", len(j.Result.Wines))
	}
	if j.Result.Message != noWinesMessages["fr"] {
		t.Errorf("message = %q, want the French no-wines message", j.Result.Message)
	}
}

func TestProcess_EnrichmentFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{candidates: []vision.Candidate{
		{Name: "First"}, {Name: "Second"}, {Name: "Third"},
	}}
	runner, store := newTestRunner(t, rec, &fakeEnricher{failFor: map[string]bool{"Second": true}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	createJob(t, store, "job-degraded", "en")
	if err := runner.Enqueue("job-degraded", &Image{Data: pngBytes(), ContentType: "image/png", Ext: ".png"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j := waitForTerminal(t, store, "job-degraded")
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed despite one failed item", j.Status)
	}
	if len(j.Result.Wines) != 3 {
		t.Fatalf("got %d wines, want 3", len(j.Result.Wines))
	}
	second := j.Result.Wines[1]
	if second.ProcessingError == "" {
		t.Error("failed item should carry a processing error")
	}
	if second.Score != sommelier.FallbackScore {
		t.Errorf("failed item score = %d, want fallback %d", second.Score, sommelier.FallbackScore)
	}
	if j.Result.Wines[0].ProcessingError != "" || j.Result.Wines[2].ProcessingError != "" {
		t.Error("healthy items should not carry processing errors")
	}
}

func TestProcess_RecognizerErrorFailsJob(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{err: errors.New("vision provider returned 502")}
	runner, store := newTestRunner(t, rec, &fakeEnricher{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	createJob(t, store, "job-broken", "en")
	if err := runner.Enqueue("job-broken", &Image{Data: pngBytes(), ContentType: "image/png", Ext: ".png"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	j := waitForTerminal(t, store, "job-broken")
	if j.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if !strings.Contains(j.Error, "502") {
		t.Errorf("error = %q, want the provider error preserved", j.Error)
	}
	if j.FailedAt == nil {
		t.Error("failedAt not set")
	}
	if j.Result != nil {
		t.Error("failed job should not carry a result")
	}
}

func TestProcess_PartialResultsAreMonotonic(t *testing.T) {
	t.Parallel()

	var candidates []vision.Candidate
	for i := range 4 {
		candidates = append(candidates, vision.Candidate{Name: fmt.Sprintf("Wine %d", i)})
	}
	inner, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { inner.Close() })
	store := &recordingStore{Store: inner}

	cfg := &config.Config{Concurrency: 1, QueueSize: 8}
	blobs := blob.LocalFS{Root: t.TempDir(), BaseURL: "http://localhost:8080"}
	runner := New(cfg, store, blobs, &fakeRecognizer{candidates: candidates}, &fakeEnricher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	createJob(t, store, "job-partial", "en")
	if err := runner.Enqueue("job-partial", &Image{Data: pngBytes(), ContentType: "image/png", Ext: ".png"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForTerminal(t, store, "job-partial")

	store.mu.Lock()
	partials := store.partials
	store.mu.Unlock()

	if len(partials) != 4 {
		t.Fatalf("got %d partial patches, want 4", len(partials))
	}
	prev := 0
	for i, p := range partials {
		if p.ProcessedCount <= prev {
			t.Errorf("partial %d: processedCount %d did not advance past %d", i, p.ProcessedCount, prev)
		}
		if p.ProcessedCount > p.TotalCount {
			t.Errorf("partial %d: processedCount %d exceeds total %d", i, p.ProcessedCount, p.TotalCount)
		}
		if len(p.Wines) != p.ProcessedCount {
			t.Errorf("partial %d: %d wines but processedCount %d", i, len(p.Wines), p.ProcessedCount)
		}
		if !p.Incomplete {
			t.Errorf("partial %d not flagged incomplete", i)
		}
		prev = p.ProcessedCount
	}
}

func TestRecovery_FailsJobsWithoutStoredImage(t *testing.T) {
	t.Parallel()

	runner, store := newTestRunner(t, &fakeRecognizer{}, &fakeEnricher{})
	createJob(t, store, "job-lost", "en")

	processing := job.StatusProcessing
	if err := store.Patch(context.Background(), "job-lost", job.Patch{Status: &processing}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	if err := runner.Recovery(context.Background()); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	j, err := store.Get(context.Background(), "job-lost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed for a job with no stored image", j.Status)
	}
	if j.Error == "" {
		t.Error("failed job should carry an error message")
	}
}

func TestRecovery_ReenqueuesJobsWithStoredImage(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{candidates: []vision.Candidate{{Name: "Barolo"}}}
	runner, store := newTestRunner(t, rec, &fakeEnricher{})

	createJob(t, store, "job-resume", "en")
	processing := job.StatusProcessing
	imageURL := "http://localhost:8080/images/jobs/job-resume/image.png"
	err := store.Patch(context.Background(), "job-resume", job.Patch{Status: &processing, ImageURL: &imageURL})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}

	if err := runner.Recovery(context.Background()); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	j := waitForTerminal(t, store, "job-resume")
	if j.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed after recovery re-run (error: %s)", j.Status, j.Error)
	}
	if len(j.Result.Wines) != 1 || j.Result.Wines[0].Name != "Barolo" {
		t.Fatalf("unexpected recovered result: %+v", j.Result)
	}
}

// terminalWriteFailStore rejects any patch that would move a job into a
// terminal state.
type terminalWriteFailStore struct {
	job.Store
}

func (s *terminalWriteFailStore) Patch(ctx context.Context, id string, p job.Patch) error {
	if p.Status != nil && p.Status.IsTerminal() {
		return errors.New("disk full")
	}
	return s.Store.Patch(ctx, id, p)
}

func TestProcess_TerminalWriteFailureSkipsPushDelivery(t *testing.T) {
	t.Parallel()

	inner, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { inner.Close() })
	store := &terminalWriteFailStore{Store: inner}

	cfg := &config.Config{Concurrency: 1, QueueSize: 8}
	blobs := blob.LocalFS{Root: t.TempDir(), BaseURL: "http://localhost:8080"}
	rec := &fakeRecognizer{candidates: []vision.Candidate{{Name: "Barolo"}}}
	runner := New(cfg, store, blobs, rec, &fakeEnricher{})

	createJob(t, store, "job-sink", "en")
	ch := runner.Subscribe("job-sink")

	runner.process(context.Background(), submission{
		jobID: "job-sink",
		image: &Image{Data: pngBytes(), ContentType: "image/png", Ext: ".png"},
	})

	// The record could not be moved to completed, so subscribers must not
	// hear a result and their channel stays open for a later attempt.
	for {
		select {
		case ev, open := <-ch:
			if !open {
				t.Fatal("subscriber channel closed despite failed terminal write")
			}
			if ev.Event == "result" {
				t.Fatalf("result event delivered while the record still says processing: %s", ev.Data)
			}
		default:
			j, err := store.Get(context.Background(), "job-sink")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if j.Status != job.StatusProcessing {
				t.Fatalf("status = %s, want processing after the terminal write failed", j.Status)
			}
			return
		}
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	t.Parallel()

	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{Concurrency: 1, QueueSize: 1}
	runner := New(cfg, store, blob.LocalFS{Root: t.TempDir()}, &fakeRecognizer{}, &fakeEnricher{})

	// No workers started, so the second enqueue finds the channel full.
	if err := runner.Enqueue("a", nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := runner.Enqueue("b", nil); err == nil {
		t.Fatal("expected queue-full error")
	}
}

func TestSubscribe_ReceivesProgressEvents(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{candidates: []vision.Candidate{{Name: "Rioja"}}}
	runner, store := newTestRunner(t, rec, &fakeEnricher{})

	createJob(t, store, "job-events", "en")
	ch := runner.Subscribe("job-events")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	if err := runner.Enqueue("job-events", &Image{Data: pngBytes(), ContentType: "image/png", Ext: ".png"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				goto done
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for the channel to close")
		}
	}
done:
	var sawProgress, sawResult bool
	for _, ev := range events {
		switch ev.Event {
		case "progress":
			sawProgress = true
		case "result":
			sawResult = true
		}
	}
	if !sawProgress {
		t.Error("no progress event observed")
	}
	if !sawResult {
		t.Error("no result event observed")
	}
}

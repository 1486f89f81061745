package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/dgpt/internal/backendtest"
	"github.com/kalambet/dgpt/internal/gateway"
	"github.com/kalambet/dgpt/internal/session"
	"github.com/kalambet/dgpt/internal/storage"
)

type harness struct {
	srv   *backendtest.Server
	store *storage.Store
	sess  *session.Session
	orch  *Orchestrator

	mu        sync.Mutex
	changes   []Job
	successes int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{srv: backendtest.New("")}
	t.Cleanup(h.srv.Close)

	gw, err := gateway.New(gateway.Options{BaseURL: h.srv.URL})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	h.store, err = storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { h.store.Close() })
	h.sess, err = session.Open(h.store, "")
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}

	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.GraceInterval == 0 {
		opts.GraceInterval = time.Millisecond
	}
	opts.OnChange = func(j Job) {
		h.mu.Lock()
		h.changes = append(h.changes, j)
		h.mu.Unlock()
	}
	opts.OnSuccessfulUpload = func(Job) {
		h.mu.Lock()
		h.successes++
		h.mu.Unlock()
	}
	h.orch = New(gw, h.sess, h.store, opts)
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) wait(t *testing.T) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := h.orch.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v (job %+v)", err, job)
	}
	return job
}

func (h *harness) phases() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Phase
	for _, j := range h.changes {
		if len(out) == 0 || out[len(out)-1] != j.Phase {
			out = append(out, j.Phase)
		}
	}
	return out
}

func tempFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("# handbook\n\nsome text"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUploadFiles_ProgressThenSuccess(t *testing.T) {
	h := newHarness(t, Options{})
	h.srv.SetDocs(gateway.Document{ID: "old", Name: "existing", Type: "local"})
	h.srv.QueueTask(backendtest.TaskScript{
		{State: gateway.TaskProgress, Current: 30},
		{State: gateway.TaskProgress, Current: 70},
		{State: gateway.TaskSuccess, AddDocs: []gateway.Document{
			{ID: "new-1", Name: "handbook", Type: "local"},
			{ID: "new-2", Name: "handbook part 2", Type: "local"},
		}},
	})

	path := tempFile(t, "handbook.md")
	if err := h.orch.UploadFiles(context.Background(), "handbook", []string{path}); err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}
	job := h.wait(t)

	if job.Phase != PhaseSucceeded || job.Percentage != 100 || job.TokenLimited {
		t.Fatalf("job = %+v", job)
	}
	if job.TaskID == "" || job.Kind != KindFile {
		t.Errorf("job = %+v", job)
	}

	want := []Phase{PhaseUploading, PhaseQueued, PhaseTraining, PhaseSucceeded}
	if got := h.phases(); !slices.Equal(got, want) {
		t.Errorf("phases = %v, want %v", got, want)
	}

	h.mu.Lock()
	var training []int
	for _, j := range h.changes {
		if j.Phase == PhaseTraining {
			training = append(training, j.Percentage)
		}
	}
	successes := h.successes
	h.mu.Unlock()
	if !slices.IsSorted(training) || len(training) == 0 || training[len(training)-1] != 70 {
		t.Errorf("training percentages = %v", training)
	}
	if successes != 1 {
		t.Errorf("OnSuccessfulUpload called %d times", successes)
	}

	var ids []string
	for _, d := range h.sess.SelectedDocs() {
		ids = append(ids, d.ID)
	}
	if !slices.Equal(ids, []string{"new-1", "new-2"}) {
		t.Errorf("selected = %v, want the new documents", ids)
	}
	if len(h.sess.SourceDocs()) != 3 {
		t.Errorf("source list not refreshed: %v", h.sess.SourceDocs())
	}

	ups := h.srv.Uploads()
	if len(ups) != 1 || ups[0].Name != "handbook" || ups[0].User != gateway.LocalUser || !slices.Equal(ups[0].Files, []string{"handbook.md"}) {
		t.Errorf("uploads = %+v", ups)
	}

	rec, err := h.store.GetTask(job.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.Phase != string(PhaseSucceeded) || rec.Percentage != 100 || rec.Name != "handbook" {
		t.Errorf("ledger = %+v", rec)
	}
}

func TestUploadFiles_UploadProgressReported(t *testing.T) {
	h := newHarness(t, Options{})
	path := tempFile(t, "notes.txt")

	if err := h.orch.UploadFiles(context.Background(), "notes", []string{path}); err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	last := -1
	for _, j := range h.changes {
		if j.Phase != PhaseUploading {
			continue
		}
		if j.Percentage < last {
			t.Errorf("upload percentage went backwards: %d after %d", j.Percentage, last)
		}
		last = j.Percentage
	}
	if last != 100 {
		t.Errorf("final upload percentage = %d, want 100", last)
	}
}

func TestTokenLimitedSelectsNewestLocal(t *testing.T) {
	h := newHarness(t, Options{})
	h.srv.QueueTask(backendtest.TaskScript{
		{State: gateway.TaskProgress, Current: 40},
		{State: gateway.TaskSuccess, Limited: true, AddDocs: []gateway.Document{
			{ID: "older", Type: "local", Date: "2024-01-01 10:00:00"},
			{ID: "remote", Type: "remote", Date: "2025-06-01 10:00:00"},
			{ID: "newest", Type: "LOCAL", Date: "2025-03-01 10:00:00"},
		}},
	})

	if err := h.orch.UploadFiles(context.Background(), "big", []string{tempFile(t, "big.pdf.txt")}); err != nil {
		t.Fatal(err)
	}
	job := h.wait(t)

	if job.Phase != PhaseFailed || !job.TokenLimited || job.Percentage != 100 {
		t.Errorf("job = %+v", job)
	}
	sel := h.sess.SelectedDocs()
	if len(sel) != 1 || sel[0].ID != "newest" {
		t.Errorf("selected = %+v, want newest local document", sel)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.successes != 0 {
		t.Error("OnSuccessfulUpload called for a limited job")
	}
}

func TestPollFaultsDoNotChangePhase(t *testing.T) {
	h := newHarness(t, Options{})
	h.srv.QueueTask(backendtest.TaskScript{
		{State: gateway.TaskProgress, Current: 20},
		{HTTPStatus: 502},
		{State: gateway.TaskPending},
		{State: "GARBAGE"},
		{State: gateway.TaskProgress, Current: 60},
		{State: gateway.TaskSuccess},
	})

	h.orch.UploadFiles(context.Background(), "doc", []string{tempFile(t, "doc.md")})
	job := h.wait(t)

	if job.Phase != PhaseSucceeded {
		t.Fatalf("phase = %s", job.Phase)
	}
	want := []Phase{PhaseUploading, PhaseQueued, PhaseTraining, PhaseSucceeded}
	if got := h.phases(); !slices.Equal(got, want) {
		t.Errorf("phases = %v, want %v", got, want)
	}
	if n := h.srv.StatusCalls(job.TaskID); n != 6 {
		t.Errorf("status calls = %d, want 6", n)
	}
}

// lockedBuffer collects log output written from poll goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPollerLogsThroughConfiguredLogger(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newHarness(t, Options{Logger: logger.With("run", "import")})
	h.srv.QueueTask(backendtest.TaskScript{
		{HTTPStatus: 502},
		{State: gateway.TaskSuccess},
	})

	h.orch.UploadFiles(context.Background(), "doc", []string{tempFile(t, "doc.md")})
	h.wait(t)

	var fault string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "transient task status fault") {
			fault = line
		}
	}
	if fault == "" {
		t.Fatalf("poll fault not logged through Options.Logger:\n%s", logs.String())
	}
	if !strings.Contains(fault, "run=import") || !strings.Contains(fault, "component=ingest.poller") {
		t.Errorf("poll fault line lost logger attributes: %s", fault)
	}
}

func TestPollFaultCeiling(t *testing.T) {
	h := newHarness(t, Options{MaxPollFaults: 3})
	h.srv.QueueTask(backendtest.TaskScript{{HTTPStatus: 500}})

	h.orch.UploadFiles(context.Background(), "doc", []string{tempFile(t, "doc.md")})
	job := h.wait(t)

	if job.Phase != PhaseFailed || !errors.Is(job.Err, ErrTooManyFaults) {
		t.Errorf("job = %+v", job)
	}
	if n := h.srv.StatusCalls(job.TaskID); n != 3 {
		t.Errorf("status calls = %d, want 3", n)
	}
}

func TestUploadFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.srv.FailUploads(1)
	path := tempFile(t, "doc.md")
	ctx := context.Background()

	err := h.orch.UploadFiles(ctx, "doc", []string{path})
	var se *gateway.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *gateway.StatusError", err)
	}
	job := h.wait(t)
	if job.Phase != PhaseUploadFailed || job.TaskID != "" {
		t.Errorf("job = %+v", job)
	}

	if err := h.orch.UploadFiles(ctx, "doc", []string{path}); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("resubmit err = %v, want ErrJobTerminal", err)
	}

	h.orch.Reset()
	if j := h.orch.Job(); j.Phase != PhaseIdle || j.ID == job.ID {
		t.Fatalf("after Reset job = %+v", j)
	}
	if err := h.orch.UploadFiles(ctx, "doc", []string{path}); err != nil {
		t.Fatalf("UploadFiles after Reset: %v", err)
	}
	if j := h.wait(t); j.Phase != PhaseSucceeded {
		t.Errorf("phase = %s", j.Phase)
	}
}

func TestPreflightBlocksUpload(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.orch.UploadFiles(context.Background(), "bin", []string{tempFile(t, "tool.exe")})

	var pe *PreflightError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PreflightError", err)
	}
	if len(h.srv.Uploads()) != 0 {
		t.Error("gateway called despite preflight failure")
	}
	if h.orch.Job().Phase != PhaseIdle {
		t.Errorf("phase = %s, want idle", h.orch.Job().Phase)
	}
}

func TestIngestRemote_RejectsMissingRequiredField(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.orch.IngestRemote(context.Background(), "reddit dump", IngestorReddit, Config{
		"client_id": "id", "client_secret": "secret", "user_agent": "", "search_queries": "golang",
	})

	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Fields) != 1 || ve.Fields[0].Field != "user_agent" {
		t.Fatalf("err = %v", err)
	}
	if len(h.srv.Uploads()) != 0 {
		t.Error("gateway called for invalid config")
	}
	if h.orch.Job().Phase != PhaseIdle {
		t.Errorf("phase = %s, want idle", h.orch.Job().Phase)
	}
}

func TestIngestRemote_RejectsBlankName(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.orch.IngestRemote(context.Background(), " ", IngestorURL, Config{"url": "https://example.com"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Fields[0].Field != "name" {
		t.Fatalf("err = %v", err)
	}
}

func TestIngestRemote_SendsPreparedConfig(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.orch.IngestRemote(context.Background(), "docsgpt", IngestorGitHub, Config{
		"repo_url": "https://github.com/arc53/DocsGPT",
		"branch":   "",
	})
	if err != nil {
		t.Fatalf("IngestRemote: %v", err)
	}
	job := h.wait(t)
	if job.Kind != KindRemote || job.Ingestor != IngestorGitHub {
		t.Errorf("job = %+v", job)
	}

	ups := h.srv.Uploads()
	if len(ups) != 1 {
		t.Fatalf("uploads = %d", len(ups))
	}
	up := ups[0]
	if up.Source != "github" || up.Name != "docsgpt" || up.User != gateway.LocalUser {
		t.Errorf("upload = %+v", up)
	}
	if up.Data["repo_url"] != "https://github.com/arc53/DocsGPT" {
		t.Errorf("data = %v", up.Data)
	}
	if _, ok := up.Data["branch"]; ok {
		t.Errorf("empty optional field sent: %v", up.Data)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	last := -1
	for _, j := range h.changes {
		if j.Phase == PhaseUploading {
			last = j.Percentage
		}
	}
	if last != 100 {
		t.Errorf("final remote upload percentage = %d, want 100", last)
	}
}

func TestSubmitWhileActive(t *testing.T) {
	h := newHarness(t, Options{})
	h.srv.QueueTask(backendtest.TaskScript{{State: gateway.TaskProgress, Current: 10}})

	ctx := context.Background()
	if err := h.orch.UploadFiles(ctx, "a", []string{tempFile(t, "a.md")}); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.UploadFiles(ctx, "b", []string{tempFile(t, "b.md")}); !errors.Is(err, ErrJobActive) {
		t.Errorf("err = %v, want ErrJobActive", err)
	}
	if err := h.orch.Watch(ctx, "other", ""); !errors.Is(err, ErrJobActive) {
		t.Errorf("Watch err = %v, want ErrJobActive", err)
	}
}

func TestCloseStopsPolling(t *testing.T) {
	h := newHarness(t, Options{})
	h.srv.QueueTask(backendtest.TaskScript{{State: gateway.TaskProgress, Current: 10}})

	if err := h.orch.UploadFiles(context.Background(), "a", []string{tempFile(t, "a.md")}); err != nil {
		t.Fatal(err)
	}
	taskID := h.orch.Job().TaskID

	deadline := time.Now().Add(5 * time.Second)
	for h.srv.StatusCalls(taskID) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	h.orch.Close()
	calls := h.srv.StatusCalls(taskID)
	time.Sleep(30 * time.Millisecond)
	if got := h.srv.StatusCalls(taskID); got != calls {
		t.Errorf("status polled after Close: %d -> %d", calls, got)
	}

	job, err := h.orch.Wait(context.Background())
	if !errors.Is(err, ErrDetached) {
		t.Errorf("Wait err = %v, want ErrDetached", err)
	}
	if job.Phase != PhaseTraining {
		t.Errorf("phase = %s, want training", job.Phase)
	}

	rec, err := h.store.GetTask(taskID)
	if err != nil || rec.Phase != string(PhaseTraining) {
		t.Errorf("ledger = %+v, %v", rec, err)
	}
}

func TestWatchExistingTask(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.RecordTask(storage.TaskRecord{TaskID: "task-ext", Name: "wiki", Kind: "remote", Ingestor: "crawler", Phase: "training"})
	h.srv.AddTask("task-ext", backendtest.TaskScript{
		{State: gateway.TaskProgress, Current: 90},
		{State: gateway.TaskSuccess, AddDocs: []gateway.Document{{ID: "wiki-doc", Name: "wiki"}}},
	})

	if err := h.orch.Watch(context.Background(), "task-ext", ""); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	job := h.wait(t)

	if job.Phase != PhaseSucceeded || job.Name != "wiki" || job.Ingestor != IngestorCrawler {
		t.Errorf("job = %+v", job)
	}
	if sel := h.sess.SelectedDocs(); len(sel) != 1 || sel[0].ID != "wiki-doc" {
		t.Errorf("selected = %+v", sel)
	}
	if len(h.srv.Uploads()) != 0 {
		t.Error("Watch uploaded")
	}
}

// heldGateway blocks Upload until release is closed and counts status polls.
type heldGateway struct {
	started chan struct{}
	release chan struct{}
	result  error
	calls   atomic.Int32
}

func newHeldGateway(result error) *heldGateway {
	return &heldGateway{started: make(chan struct{}), release: make(chan struct{}), result: result}
}

func (g *heldGateway) Upload(ctx context.Context, name string, paths []string, progress gateway.ProgressFunc) (gateway.TaskAccepted, error) {
	close(g.started)
	<-g.release
	if g.result != nil {
		return gateway.TaskAccepted{}, g.result
	}
	return gateway.TaskAccepted{TaskID: "t-old"}, nil
}

func (g *heldGateway) IngestRemote(ctx context.Context, req gateway.RemoteRequest, progress gateway.ProgressFunc) (gateway.TaskAccepted, error) {
	return gateway.TaskAccepted{}, errors.New("not used")
}

func (g *heldGateway) TaskStatus(ctx context.Context, taskID string) (gateway.TaskStatus, error) {
	g.calls.Add(1)
	return gateway.TaskStatus{Status: gateway.TaskProgress, Result: gateway.TaskResult{Current: 50}}, nil
}

func (g *heldGateway) Sources(ctx context.Context) ([]gateway.Document, error) {
	return nil, nil
}

func newHeldOrchestrator(t *testing.T, gw *heldGateway) (*Orchestrator, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	sess, err := session.Open(store, "")
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	o := New(gw, sess, store, Options{PollInterval: time.Millisecond, GraceInterval: time.Millisecond})
	t.Cleanup(o.Close)
	return o, store
}

// uploadInBackground starts UploadFiles and returns a channel with its result.
func uploadInBackground(t *testing.T, o *Orchestrator, gw *heldGateway) <-chan error {
	t.Helper()
	path := tempFile(t, "a.md")
	errc := make(chan error, 1)
	go func() { errc <- o.UploadFiles(context.Background(), "a", []string{path}) }()
	select {
	case <-gw.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}
	return errc
}

func TestCloseDuringUploadNeverPolls(t *testing.T) {
	gw := newHeldGateway(nil)
	o, store := newHeldOrchestrator(t, gw)
	errc := uploadInBackground(t, o, gw)

	o.Close()
	close(gw.release)
	if err := <-errc; !errors.Is(err, ErrDetached) {
		t.Errorf("UploadFiles err = %v, want ErrDetached", err)
	}

	time.Sleep(30 * time.Millisecond)
	if n := gw.calls.Load(); n != 0 {
		t.Errorf("status polled %d times after Close", n)
	}
	if job := o.Job(); job.Phase != PhaseUploading || job.TaskID != "" {
		t.Errorf("job changed after Close: %+v", job)
	}
	if _, err := store.GetTask("t-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ledger recorded a detached task: %v", err)
	}
}

func TestResetDuringUploadKeepsFreshJob(t *testing.T) {
	gw := newHeldGateway(nil)
	o, _ := newHeldOrchestrator(t, gw)
	errc := uploadInBackground(t, o, gw)

	o.Reset()
	fresh := o.Job()
	close(gw.release)
	<-errc

	time.Sleep(30 * time.Millisecond)
	job := o.Job()
	if job.ID != fresh.ID || job.Phase != PhaseIdle || job.TaskID != "" {
		t.Errorf("fresh job after Reset = %+v, want idle", job)
	}
	if n := gw.calls.Load(); n != 0 {
		t.Errorf("status polled %d times for the abandoned upload", n)
	}
}

func TestResetDuringFailedUploadLeavesWaitPending(t *testing.T) {
	gw := newHeldGateway(errors.New("connection reset"))
	o, _ := newHeldOrchestrator(t, gw)
	errc := uploadInBackground(t, o, gw)

	o.Reset()
	close(gw.release)
	if err := <-errc; err == nil {
		t.Error("expected the upload error to be returned")
	}

	if job := o.Job(); job.Phase != PhaseIdle || job.Err != nil {
		t.Errorf("fresh job after Reset = %+v, want idle", job)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v, want the fresh job still pending", err)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/", Token: "tok"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func collect(t *testing.T, s *Stream) ([]Fragment, error) {
	t.Helper()
	var out []Fragment
	for {
		f, err := s.Next(context.Background())
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestAsk_ParsesEvents(t *testing.T) {
	var gotBody AskRequest
	var gotAuth, gotRequestID string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			t.Errorf("path = %s, want /stream", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"type\":\"answer\",\"answer\":\"Hel\"}\n\n")
		fmt.Fprint(w, "data:{\"type\":\"answer\",\"answer\":\"lo\"}\n\n")
		fmt.Fprint(w, "event: message\n")
		fmt.Fprint(w, "data: {\"type\":\"thought\",\"thought\":\"hmm\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"source\",\"source\":[{\"title\":\"a.md\",\"text\":\"alpha\"}]}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"tool_calls\",\"tool_calls\":[{\"tool_name\":\"search\"}]}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"id\",\"id\":\"conv-1\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"end\"}\n\n")
	}))

	s, err := c.Ask(context.Background(), AskRequest{Question: "hi", History: "[]", PromptID: "default", Chunks: 2})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	defer s.Close()

	frags, err := collect(t, s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	wantKinds := []FragmentKind{FragmentToken, FragmentToken, FragmentSources, FragmentToolCalls, FragmentConversationID, FragmentEnd}
	if len(frags) != len(wantKinds) {
		t.Fatalf("got %d fragments, want %d: %+v", len(frags), len(wantKinds), frags)
	}
	for i, k := range wantKinds {
		if frags[i].Kind != k {
			t.Errorf("fragment %d kind = %v, want %v", i, frags[i].Kind, k)
		}
	}
	if frags[0].Token+frags[1].Token != "Hello" {
		t.Errorf("tokens = %q + %q", frags[0].Token, frags[1].Token)
	}
	if len(frags[2].Sources) != 1 || frags[2].Sources[0].Title != "a.md" {
		t.Errorf("sources = %+v", frags[2].Sources)
	}
	if frags[3].ToolCalls[0].ToolName != "search" {
		t.Errorf("tool calls = %+v", frags[3].ToolCalls)
	}
	if frags[4].ConversationID != "conv-1" {
		t.Errorf("conversation id = %q", frags[4].ConversationID)
	}

	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotRequestID == "" {
		t.Error("missing X-Request-ID header")
	}
	if gotBody.Question != "hi" || gotBody.History != "[]" || gotBody.Chunks != 2 {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestAsk_TruncatedStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"answer\",\"answer\":\"partial\"}\n\n")
	}))

	s, err := c.Ask(context.Background(), AskRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	defer s.Close()

	frags, err := collect(t, s)
	if !errors.Is(err, ErrStreamTruncated) {
		t.Fatalf("err = %v, want ErrStreamTruncated", err)
	}
	if len(frags) != 1 || frags[0].Token != "partial" {
		t.Errorf("frags = %+v", frags)
	}
}

func TestAsk_ErrorEvent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":\"model overloaded\"}\n\n")
	}))

	s, err := c.Ask(context.Background(), AskRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	defer s.Close()

	f, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Kind != FragmentError || f.Err != "model overloaded" {
		t.Errorf("fragment = %+v", f)
	}
}

func TestAsk_MalformedEvent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json\n\n")
	}))

	s, err := c.Ask(context.Background(), AskRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	defer s.Close()

	if _, err := s.Next(context.Background()); err == nil || errors.Is(err, ErrStreamTruncated) {
		t.Fatalf("err = %v, want malformed event error", err)
	}
	if _, err := s.Next(context.Background()); err != io.EOF {
		t.Errorf("after failure err = %v, want io.EOF", err)
	}
}

func TestAsk_StatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.Ask(context.Background(), AskRequest{Question: "q"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusInternalServerError || !strings.Contains(se.Body, "boom") {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestStream_ContextCancelledBetweenFragments(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"answer\",\"answer\":\"a\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"end\"}\n\n")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Ask(ctx, AskRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	defer s.Close()

	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDataPayload(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"data: {\"a\":1}", "{\"a\":1}", true},
		{"data:{\"a\":1}", "{\"a\":1}", true},
		{"data: {\"a\":1}\r", "{\"a\":1}", true},
		{"", "", false},
		{": comment", "", false},
		{"event: answer", "", false},
		{"data: ", "", false},
	}
	for _, tt := range tests {
		got, ok := dataPayload(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("dataPayload(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFeedback_Body(t *testing.T) {
	var bodies []map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		json.NewDecoder(r.Body).Decode(&m)
		bodies = append(bodies, m)
		w.Write([]byte(`{"success":true}`))
	}))

	ctx := context.Background()
	if err := c.Feedback(ctx, FeedbackRequest{Question: "q", Answer: "a", Feedback: FeedbackLike, ConversationID: "c1", QuestionIndex: 2}); err != nil {
		t.Fatalf("Feedback like: %v", err)
	}
	if err := c.Feedback(ctx, FeedbackRequest{Question: "q", Answer: "a", Feedback: FeedbackNone}); err != nil {
		t.Fatalf("Feedback clear: %v", err)
	}

	if bodies[0]["feedback"] != "LIKE" || bodies[0]["question_index"] != float64(2) || bodies[0]["conversation_id"] != "c1" {
		t.Errorf("like body = %v", bodies[0])
	}
	v, present := bodies[1]["feedback"]
	if !present || v != nil {
		t.Errorf("cleared feedback = %v (present=%v), want explicit null", v, present)
	}
}

func TestRetryOn429(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))

	docs, err := c.Sources(context.Background())
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("docs = %v", docs)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryOn429_GivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Sources(context.Background())
	if !IsStatus(err, http.StatusTooManyRequests) {
		t.Fatalf("err = %v, want 429 StatusError", err)
	}
	if calls.Load() != maxRetries {
		t.Errorf("calls = %d, want %d", calls.Load(), maxRetries)
	}
}

func TestNoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	if _, err := c.TaskStatus(context.Background(), "t1"); !IsStatus(err, http.StatusBadGateway) {
		t.Fatalf("err = %v, want 502", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRateLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, RateLimit: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	for range 15 {
		if _, err := c.Sources(context.Background()); err != nil {
			t.Fatalf("Sources: %v", err)
		}
	}
	// 10 burst + 5 at 10/s needs roughly 500ms.
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("15 requests at 10/s took %v, want >= 400ms", elapsed)
	}
}

func TestNoTokenOmitsAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Authenticated() {
		t.Error("Authenticated() = true without token")
	}
	if _, err := c.Sources(context.Background()); err != nil {
		t.Fatalf("Sources: %v", err)
	}
}

func TestUpload_MultipartAndProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	content := strings.Repeat("# notes\n", 4096)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.ContentLength <= 0 {
			t.Errorf("ContentLength = %d, want known size", r.ContentLength)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if r.FormValue("name") != "handbook" || r.FormValue("user") != LocalUser {
			t.Errorf("form = name:%q user:%q", r.FormValue("name"), r.FormValue("user"))
		}
		files := r.MultipartForm.File["file"]
		if len(files) != 1 || files[0].Filename != "notes.md" {
			t.Errorf("files = %+v", files)
		}
		w.Write([]byte(`{"success":true,"task_id":"task-9"}`))
	}))

	var mu sync.Mutex
	var last, total int64
	var calls int
	accepted, err := c.Upload(context.Background(), "handbook", []string{path}, func(sent, tot int64) {
		mu.Lock()
		defer mu.Unlock()
		if sent < last {
			t.Errorf("progress went backwards: %d -> %d", last, sent)
		}
		last, total = sent, tot
		calls++
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if accepted.TaskID != "task-9" {
		t.Errorf("TaskID = %q", accepted.TaskID)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls == 0 || last != total {
		t.Errorf("progress calls=%d last=%d total=%d", calls, last, total)
	}
}

func TestUpload_MissingTaskID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("a"), 0o644)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}))

	if _, err := c.Upload(context.Background(), "n", []string{path}, nil); err == nil {
		t.Fatal("expected error when task id is missing")
	}
}

func TestIngestRemote_Form(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if r.FormValue("source") != "github" || r.FormValue("name") != "repo" || r.FormValue("user") != LocalUser {
			t.Errorf("form fields = %v", r.MultipartForm.Value)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(r.FormValue("data")), &data); err != nil {
			t.Errorf("data: %v", err)
		}
		if data["repo_url"] != "https://github.com/arc53/DocsGPT" {
			t.Errorf("data = %v", data)
		}
		w.Write([]byte(`{"success":true,"task_id":"task-r"}`))
	}))

	var mu sync.Mutex
	var last, total int64
	accepted, err := c.IngestRemote(context.Background(), RemoteRequest{
		Name:   "repo",
		Source: "github",
		Data:   map[string]any{"repo_url": "https://github.com/arc53/DocsGPT"},
	}, func(sent, tot int64) {
		mu.Lock()
		defer mu.Unlock()
		last, total = sent, tot
	})
	if err != nil {
		t.Fatalf("IngestRemote: %v", err)
	}
	if accepted.TaskID != "task-r" {
		t.Errorf("TaskID = %q", accepted.TaskID)
	}
	mu.Lock()
	defer mu.Unlock()
	if total == 0 || last != total {
		t.Errorf("remote progress last=%d total=%d, want the full body reported", last, total)
	}
}

func TestTaskStatus_Decoding(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    TaskStatus
		wantErr bool
	}{
		{"progress", `{"status":"PROGRESS","result":{"current":42}}`, TaskStatus{Status: TaskProgress, Result: TaskResult{Current: 42}}, false},
		{"float progress", `{"status":"PROGRESS","result":{"current":42.7}}`, TaskStatus{Status: TaskProgress, Result: TaskResult{Current: 42}}, false},
		{"limited", `{"status":"SUCCESS","result":{"limited":true}}`, TaskStatus{Status: TaskSuccess, Result: TaskResult{Limited: true}}, false},
		{"failure string", `{"status":"FAILURE","result":"worker crashed"}`, TaskStatus{Status: TaskFailure}, false},
		{"pending null", `{"status":"PENDING","result":null}`, TaskStatus{Status: TaskPending}, false},
		{"garbage", `not json`, TaskStatus{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("task_id") != "t1" {
					t.Errorf("task_id = %q", r.URL.Query().Get("task_id"))
				}
				w.Write([]byte(tt.body))
			}))
			got, err := c.TaskStatus(context.Background(), "t1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDocumentDecoding(t *testing.T) {
	var docs []Document
	body := `[{"id":"1","name":"a","date":"2024-05-01T10:00:00","tokens":1500,"type":"local"},
		{"id":"2","name":"b","date":"Wed, 01 May 2024 12:00:00 GMT","tokens":"2000000","type":"remote","syncFrequency":"daily"}]`
	if err := json.Unmarshal([]byte(body), &docs); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if docs[0].TokenCount() != 1500 || docs[1].TokenCount() != 2000000 {
		t.Errorf("tokens = %q, %q", docs[0].Tokens, docs[1].Tokens)
	}
	t0, ok0 := docs[0].Time()
	t1, ok1 := docs[1].Time()
	if !ok0 || !ok1 {
		t.Fatalf("dates not parsed: %v %v", ok0, ok1)
	}
	if !t1.After(t0) {
		t.Errorf("expected %v after %v", t1, t0)
	}
	if docs[1].SyncFrequency != "daily" {
		t.Errorf("SyncFrequency = %q", docs[1].SyncFrequency)
	}
}

func TestManageSync_RejectsUnknownFrequency(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway should not be called")
	}))
	if err := c.ManageSync(context.Background(), "d1", "hourly"); err == nil {
		t.Fatal("expected error for unknown frequency")
	}
}

func TestPaginatedSources_Query(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("sort") != "date" || q.Get("order") != "desc" || q.Get("page") != "2" || q.Get("rows") != "5" || q.Get("search") != "hand" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"total":6,"totalPages":2,"currentPage":2,"paginated":[{"id":"6","name":"handbook"}]}`))
	}))

	page, err := c.PaginatedSources(context.Background(), PageQuery{Page: 2, Rows: 5, Search: "hand"})
	if err != nil {
		t.Fatalf("PaginatedSources: %v", err)
	}
	if page.Total != 6 || page.TotalPages != 2 || len(page.Documents) != 1 {
		t.Errorf("page = %+v", page)
	}
}

func TestEncodeHistory(t *testing.T) {
	if got := EncodeHistory(nil); got != "[]" {
		t.Errorf("EncodeHistory(nil) = %q, want []", got)
	}
	got := EncodeHistory([]HistoryTurn{{Prompt: "p", Response: "r"}})
	if got != `[{"prompt":"p","response":"r"}]` {
		t.Errorf("EncodeHistory = %q", got)
	}
}

// Package backendtest provides an in-memory DocsGPT-compatible backend for tests.
package backendtest

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/dgpt/internal/gateway"
)

const maxUploadMemory = 32 << 20

// StreamStep is one step of a scripted answer stream. Exactly one of Data or
// Wait is used: Data is written as an SSE data line, Wait blocks the handler
// until the channel is closed.
type StreamStep struct {
	Data string
	Wait <-chan struct{}
}

// StreamScript scripts one POST /stream response.
type StreamScript struct {
	// Status other than 0 or 200 is returned as an error response.
	Status int
	Steps  []StreamStep
}

// TaskResponse is one scripted reply of GET /api/task_status.
type TaskResponse struct {
	HTTPStatus int
	State      string
	Current    int
	Limited    bool
	// AddDocs are appended to the source list when this response is served.
	AddDocs []gateway.Document
}

// TaskScript is the sequence of replies for one task. The last reply repeats.
type TaskScript []TaskResponse

// Upload records one accepted upload or remote request.
type Upload struct {
	TaskID string
	Name   string
	User   string
	Files  []string
	Source string
	Data   map[string]any
}

// Server is a scripted fake backend. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	token          string
	docs           []gateway.Document
	streams        []StreamScript
	askRequests    []map[string]any
	feedback       []map[string]any
	feedbackFaults int
	uploadFaults   int
	pendingTasks   []TaskScript
	tasks          map[string]*taskState
	statusCalls    map[string]int
	uploads        []Upload
	chunks         map[string][]gateway.Chunk
	keys           []gateway.APIKey
	syncs          map[string]string
	nextID         int
}

type taskState struct {
	script TaskScript
	served int
}

// New starts a fake backend. An empty token disables auth checks.
func New(token string) *Server {
	s := &Server{
		token:       token,
		tasks:       make(map[string]*taskState),
		statusCalls: make(map[string]int),
		chunks:      make(map[string][]gateway.Chunk),
		syncs:       make(map[string]string),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	if s.token != "" {
		r.Use(bearerAuth(s.token))
	}

	r.Post("/stream", s.handleStream)
	r.Route("/api", func(r chi.Router) {
		r.Post("/feedback", s.handleFeedback)
		r.Post("/upload", s.handleUpload)
		r.Post("/remote", s.handleRemote)
		r.Get("/task_status", s.handleTaskStatus)
		r.Get("/sources", s.handleSources)
		r.Get("/sources/paginated", s.handlePaginated)
		r.Post("/manage_sync", s.handleManageSync)
		r.Get("/delete_old", s.handleDeleteOld)
		r.Get("/get_chunks", s.handleGetChunks)
		r.Post("/add_chunk", s.handleAddChunk)
		r.Post("/update_chunk", s.handleUpdateChunk)
		r.Get("/delete_chunk", s.handleDeleteChunk)
		r.Get("/get_api_keys", s.handleGetAPIKeys)
		r.Post("/create_api_key", s.handleCreateAPIKey)
		r.Post("/delete_api_key", s.handleDeleteAPIKey)
	})
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{"success": false, "error": fmt.Sprintf(format, args...)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// --- scripting ---

// QueueStream queues a scripted answer stream. Unscripted requests get a
// single "ok" answer.
func (s *Server) QueueStream(script StreamScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, script)
}

// Answer builds a complete stream that emits tokens, a conversation id and
// the end marker.
func Answer(conversationID string, tokens ...string) StreamScript {
	var steps []StreamStep
	for _, t := range tokens {
		steps = append(steps, StreamStep{Data: AnswerEvent(t)})
	}
	if conversationID != "" {
		steps = append(steps, StreamStep{Data: fmt.Sprintf(`{"type":"id","id":%q}`, conversationID)})
	}
	steps = append(steps, StreamStep{Data: `{"type":"end"}`})
	return StreamScript{Steps: steps}
}

// AnswerEvent encodes a token event.
func AnswerEvent(token string) string {
	b, _ := json.Marshal(map[string]string{"type": "answer", "answer": token})
	return string(b)
}

// SetDocs replaces the source list.
func (s *Server) SetDocs(docs ...gateway.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append([]gateway.Document(nil), docs...)
}

func (s *Server) Docs() []gateway.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Document(nil), s.docs...)
}

// FailFeedback makes the next n feedback calls return HTTP 500.
func (s *Server) FailFeedback(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedbackFaults = n
}

// FailUploads makes the next n upload or remote calls return HTTP 500.
func (s *Server) FailUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadFaults = n
}

// QueueTask scripts the task created by the next upload or remote call.
// Unscripted tasks succeed on the first poll.
func (s *Server) QueueTask(script TaskScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTasks = append(s.pendingTasks, script)
}

// AddTask registers a task id directly, as if created by another client.
func (s *Server) AddTask(taskID string, script TaskScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = &taskState{script: script}
}

// AskRequests returns the decoded bodies of every /stream request.
func (s *Server) AskRequests() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.askRequests...)
}

// FeedbackRequests returns the decoded bodies of every /api/feedback request,
// including failed ones.
func (s *Server) FeedbackRequests() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.feedback...)
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// StatusCalls returns how many times task_status was requested for taskID.
func (s *Server) StatusCalls(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls[taskID]
}

// SyncFrequency returns the last frequency set for a source.
func (s *Server) SyncFrequency(sourceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs[sourceID]
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return prefix + "-" + strconv.Itoa(s.nextID)
}

// --- handlers ---

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	s.mu.Lock()
	s.askRequests = append(s.askRequests, body)
	script := Answer("", "ok")
	if len(s.streams) > 0 {
		script = s.streams[0]
		s.streams = s.streams[1:]
	}
	s.mu.Unlock()

	if script.Status != 0 && script.Status != http.StatusOK {
		httpError(w, script.Status, "scripted failure")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for _, step := range script.Steps {
		if step.Wait != nil {
			select {
			case <-step.Wait:
			case <-r.Context().Done():
				return
			}
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", step.Data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	s.mu.Lock()
	s.feedback = append(s.feedback, body)
	fail := s.feedbackFaults > 0
	if fail {
		s.feedbackFaults--
	}
	s.mu.Unlock()

	if fail {
		httpError(w, http.StatusInternalServerError, "feedback unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) acceptTask(up Upload) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploadFaults > 0 {
		s.uploadFaults--
		return "", false
	}

	script := TaskScript{{State: gateway.TaskSuccess}}
	if len(s.pendingTasks) > 0 {
		script = s.pendingTasks[0]
		s.pendingTasks = s.pendingTasks[1:]
	}
	id := s.newID("task")
	s.tasks[id] = &taskState{script: script}
	up.TaskID = id
	s.uploads = append(s.uploads, up)
	return id, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart body: %v", err)
		return
	}
	up := Upload{Name: r.FormValue("name"), User: r.FormValue("user")}
	for _, fh := range r.MultipartForm.File["file"] {
		up.Files = append(up.Files, fh.Filename)
	}
	if up.Name == "" || len(up.Files) == 0 {
		httpError(w, http.StatusBadRequest, "missing name or file")
		return
	}

	id, ok := s.acceptTask(up)
	if !ok {
		httpError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, http.StatusOK, gateway.TaskAccepted{Success: true, TaskID: id})
}

func (s *Server) handleRemote(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		httpError(w, http.StatusBadRequest, "invalid form body: %v", err)
		return
	}
	up := Upload{Name: r.FormValue("name"), User: r.FormValue("user"), Source: r.FormValue("source")}
	if err := json.Unmarshal([]byte(r.FormValue("data")), &up.Data); err != nil {
		httpError(w, http.StatusBadRequest, "invalid data: %v", err)
		return
	}

	id, ok := s.acceptTask(up)
	if !ok {
		httpError(w, http.StatusInternalServerError, "remote ingest failed")
		return
	}
	writeJSON(w, http.StatusOK, gateway.TaskAccepted{Success: true, TaskID: id})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("task_id")

	s.mu.Lock()
	s.statusCalls[id]++
	st, ok := s.tasks[id]
	var resp TaskResponse
	if ok && len(st.script) > 0 {
		i := min(st.served, len(st.script)-1)
		resp = st.script[i]
		st.served++
		s.docs = append(s.docs, resp.AddDocs...)
	}
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, "unknown task %q", id)
		return
	}
	if resp.HTTPStatus != 0 && resp.HTTPStatus != http.StatusOK {
		httpError(w, resp.HTTPStatus, "scripted failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": resp.State,
		"result": map[string]any{"current": resp.Current, "limited": resp.Limited},
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Docs())
}

func (s *Server) handlePaginated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	rows, _ := strconv.Atoi(q.Get("rows"))
	if page < 1 {
		page = 1
	}
	if rows < 1 {
		rows = 10
	}
	search := strings.ToLower(q.Get("search"))

	var matched []gateway.Document
	for _, d := range s.Docs() {
		if search == "" || strings.Contains(strings.ToLower(d.Name), search) {
			matched = append(matched, d)
		}
	}
	total := len(matched)
	start := min((page-1)*rows, total)
	end := min(start+rows, total)
	writeJSON(w, http.StatusOK, gateway.DocumentPage{
		Total:       total,
		TotalPages:  (total + rows - 1) / rows,
		CurrentPage: page,
		Documents:   append([]gateway.Document{}, matched[start:end]...),
	})
}

func (s *Server) handleManageSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceID      string `json:"source_id"`
		SyncFrequency string `json:"sync_frequency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SourceID == "" {
		httpError(w, http.StatusBadRequest, "source_id and sync_frequency are required")
		return
	}
	s.mu.Lock()
	s.syncs[body.SourceID] = body.SyncFrequency
	for i := range s.docs {
		if s.docs[i].ID == body.SourceID {
			s.docs[i].SyncFrequency = body.SyncFrequency
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteOld(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("source_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.docs {
		if d.ID == id {
			s.docs = append(s.docs[:i], s.docs[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
	}
	httpError(w, http.StatusNotFound, "source %q not found", id)
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	s.mu.Lock()
	all := append([]gateway.Chunk{}, s.chunks[q.Get("id")]...)
	s.mu.Unlock()

	start := min((page-1)*perPage, len(all))
	end := min(start+perPage, len(all))
	writeJSON(w, http.StatusOK, gateway.ChunkPage{Page: page, PerPage: perPage, Total: len(all), Chunks: all[start:end]})
}

type chunkBody struct {
	ID       string         `json:"id"`
	ChunkID  string         `json:"chunk_id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleAddChunk(w http.ResponseWriter, r *http.Request) {
	var body chunkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" || body.Text == "" {
		httpError(w, http.StatusBadRequest, "id and text are required")
		return
	}
	s.mu.Lock()
	chunkID := s.newID("chunk")
	s.chunks[body.ID] = append(s.chunks[body.ID], gateway.Chunk{DocID: chunkID, Text: body.Text, Metadata: body.Metadata})
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"chunk_id": chunkID})
}

func (s *Server) handleUpdateChunk(w http.ResponseWriter, r *http.Request) {
	var body chunkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" || body.ChunkID == "" {
		httpError(w, http.StatusBadRequest, "id and chunk_id are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.chunks[body.ID] {
		if c.DocID == body.ChunkID {
			s.chunks[body.ID][i].Text = body.Text
			if body.Metadata != nil {
				s.chunks[body.ID][i].Metadata = body.Metadata
			}
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
	}
	httpError(w, http.StatusNotFound, "chunk %q not found", body.ChunkID)
}

func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docID, chunkID := q.Get("id"), q.Get("chunk_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.chunks[docID] {
		if c.DocID == chunkID {
			s.chunks[docID] = append(s.chunks[docID][:i], s.chunks[docID][i+1:]...)
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
	}
	httpError(w, http.StatusNotFound, "chunk %q not found", chunkID)
}

func (s *Server) handleGetAPIKeys(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	keys := append([]gateway.APIKey{}, s.keys...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req gateway.CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		httpError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.mu.Lock()
	key := gateway.APIKey{
		ID:        s.newID("key"),
		Name:      req.Name,
		Key:       "sk-" + strconv.Itoa(s.nextID),
		Source:    req.Source,
		Retriever: req.Retriever,
		PromptID:  req.PromptID,
		Chunks:    req.Chunks,
	}
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"id": key.ID, "key": key.Key})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.keys {
		if k.ID == body.ID {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
	}
	httpError(w, http.StatusNotFound, "key %q not found", body.ID)
}

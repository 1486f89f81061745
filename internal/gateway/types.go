package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Source is one retrieved passage attached to an answer.
type Source struct {
	Title  string `json:"title"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// ToolCall is an agent tool invocation reported alongside an answer.
type ToolCall struct {
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Action    string          `json:"action_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Document is a source entry as listed by the backend.
type Document struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	Date          string `json:"date,omitempty"`
	Tokens        string `json:"tokens,omitempty"`
	Type          string `json:"type,omitempty"`
	Retriever     string `json:"retriever,omitempty"`
	SyncFrequency string `json:"syncFrequency,omitempty"`
}

// UnmarshalJSON accepts tokens as either a JSON number or string.
func (d *Document) UnmarshalJSON(data []byte) error {
	type alias Document
	var raw struct {
		alias
		Tokens json.RawMessage `json:"tokens,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Document(raw.alias)
	d.Tokens = strings.Trim(string(raw.Tokens), `"`)
	if d.Tokens == "null" {
		d.Tokens = ""
	}
	return nil
}

var documentDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

// Time parses Date. Unparseable dates report ok=false.
func (d Document) Time() (time.Time, bool) {
	for _, layout := range documentDateLayouts {
		if t, err := time.Parse(layout, d.Date); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// TokenCount parses Tokens, returning 0 when absent or malformed.
func (d Document) TokenCount() int64 {
	n, err := strconv.ParseFloat(d.Tokens, 64)
	if err != nil {
		return 0
	}
	return int64(n)
}

// AskRequest is the body of POST /stream.
type AskRequest struct {
	Question       string `json:"question"`
	History        string `json:"history"`
	ConversationID string `json:"conversation_id,omitempty"`
	PromptID       string `json:"prompt_id"`
	Chunks         int    `json:"chunks"`
	TokenLimit     int    `json:"token_limit"`
	ActiveDocs     string `json:"active_docs,omitempty"`
	Retriever      string `json:"retriever,omitempty"`
	NoDocs         bool   `json:"isNoneDoc,omitempty"`
}

// HistoryTurn is one earlier prompt/response pair sent as conversation history.
type HistoryTurn struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// EncodeHistory renders turns as the JSON string the backend expects.
func EncodeHistory(turns []HistoryTurn) string {
	if turns == nil {
		turns = []HistoryTurn{}
	}
	b, _ := json.Marshal(turns)
	return string(b)
}

// FeedbackValue is "LIKE", "DISLIKE" or empty for a cleared rating.
type FeedbackValue string

const (
	FeedbackLike    FeedbackValue = "LIKE"
	FeedbackDislike FeedbackValue = "DISLIKE"
	FeedbackNone    FeedbackValue = ""
)

// FeedbackRequest is the body of POST /api/feedback.
type FeedbackRequest struct {
	Question       string
	Answer         string
	Feedback       FeedbackValue
	ConversationID string
	QuestionIndex  int
}

func (f FeedbackRequest) MarshalJSON() ([]byte, error) {
	var fb *string
	if f.Feedback != FeedbackNone {
		v := string(f.Feedback)
		fb = &v
	}
	return json.Marshal(struct {
		Question       string  `json:"question"`
		Answer         string  `json:"answer"`
		Feedback       *string `json:"feedback"`
		ConversationID string  `json:"conversation_id,omitempty"`
		QuestionIndex  int     `json:"question_index"`
	}{f.Question, f.Answer, fb, f.ConversationID, f.QuestionIndex})
}

// TaskAccepted is returned by upload and remote ingest.
type TaskAccepted struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
}

// Task status values reported by the backend.
const (
	TaskPending  = "PENDING"
	TaskProgress = "PROGRESS"
	TaskSuccess  = "SUCCESS"
	TaskFailure  = "FAILURE"
)

// TaskStatus is the body of GET /api/task_status.
type TaskStatus struct {
	Status string     `json:"status"`
	Result TaskResult `json:"result"`
}

// TaskResult carries progress for PROGRESS and the limited flag for SUCCESS.
// Unknown shapes (e.g. a failure string) decode to the zero value.
type TaskResult struct {
	Current int  `json:"current"`
	Limited bool `json:"limited"`
}

func (r *TaskResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Current json.Number `json:"current"`
		Limited bool        `json:"limited"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		*r = TaskResult{}
		return nil
	}
	r.Limited = raw.Limited
	if raw.Current != "" {
		f, err := raw.Current.Float64()
		if err != nil {
			return err
		}
		r.Current = int(f)
	}
	return nil
}

// RemoteRequest describes a non-file ingestion.
type RemoteRequest struct {
	Name   string
	User   string
	Source string
	Data   map[string]any
}

// DocumentPage is one page of GET /api/sources/paginated.
type DocumentPage struct {
	Total       int        `json:"total"`
	TotalPages  int        `json:"totalPages"`
	CurrentPage int        `json:"currentPage"`
	Documents   []Document `json:"paginated"`
}

// PageQuery selects a page of documents.
type PageQuery struct {
	Sort   string
	Order  string
	Page   int
	Rows   int
	Search string
}

// Sync frequencies accepted by ManageSync.
var SyncFrequencies = []string{"never", "daily", "weekly", "monthly"}

// Chunk is a stored text chunk of a document.
type Chunk struct {
	DocID    string         `json:"doc_id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChunkPage is one page of GET /api/get_chunks.
type ChunkPage struct {
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
	Total   int     `json:"total"`
	Chunks  []Chunk `json:"chunks"`
}

// APIKey is a backend-issued agent key.
type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	Source    string `json:"source,omitempty"`
	Retriever string `json:"retriever,omitempty"`
	PromptID  string `json:"prompt_id,omitempty"`
	Chunks    string `json:"chunks,omitempty"`
}

// CreateAPIKeyRequest is the body of POST /api/create_api_key.
type CreateAPIKeyRequest struct {
	Name      string `json:"name"`
	Source    string `json:"source,omitempty"`
	Retriever string `json:"retriever,omitempty"`
	PromptID  string `json:"prompt_id"`
	Chunks    string `json:"chunks"`
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// LocalUser is the user name the backend expects for single-tenant uploads.
const LocalUser = "local"

// ProgressFunc receives byte-level upload progress.
type ProgressFunc func(sent, total int64)

// Upload sends files as a multipart upload under name and returns the backend
// task id. progress may be nil. Uploads are not retried.
func (c *Client) Upload(ctx context.Context, name string, paths []string, progress ProgressFunc) (TaskAccepted, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range paths {
		if err := addFilePart(mw, p); err != nil {
			return TaskAccepted{}, err
		}
	}
	if err := mw.WriteField("name", name); err != nil {
		return TaskAccepted{}, fmt.Errorf("writing form: %w", err)
	}
	if err := mw.WriteField("user", LocalUser); err != nil {
		return TaskAccepted{}, fmt.Errorf("writing form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return TaskAccepted{}, fmt.Errorf("closing form: %w", err)
	}

	body := &progressReader{r: bytes.NewReader(buf.Bytes()), total: int64(buf.Len()), fn: progress}
	return c.sendTask(ctx, "/api/upload", body, mw.FormDataContentType())
}

func addFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("writing form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// IngestRemote enqueues a remote source (crawler, url, github, reddit).
// progress may be nil.
func (c *Client) IngestRemote(ctx context.Context, req RemoteRequest, progress ProgressFunc) (TaskAccepted, error) {
	data, err := json.Marshal(req.Data)
	if err != nil {
		return TaskAccepted{}, fmt.Errorf("marshaling remote config: %w", err)
	}
	user := req.User
	if user == "" {
		user = LocalUser
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range [][2]string{
		{"name", req.Name},
		{"user", user},
		{"source", req.Source},
		{"data", string(data)},
	} {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return TaskAccepted{}, fmt.Errorf("writing form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return TaskAccepted{}, fmt.Errorf("closing form: %w", err)
	}

	body := &progressReader{r: bytes.NewReader(buf.Bytes()), total: int64(buf.Len()), fn: progress}
	return c.sendTask(ctx, "/api/remote", body, mw.FormDataContentType())
}

func (c *Client) sendTask(ctx context.Context, path string, body io.Reader, contentType string) (TaskAccepted, error) {
	resp, cancel, err := c.send(ctx, http.MethodPost, path, body, contentType, c.streamTimeout)
	if err != nil {
		return TaskAccepted{}, err
	}
	defer cancel()
	defer resp.Body.Close()

	var accepted TaskAccepted
	if err := decodeJSON(resp.Body, &accepted); err != nil {
		return TaskAccepted{}, err
	}
	if accepted.TaskID == "" {
		return TaskAccepted{}, fmt.Errorf("backend accepted %s without a task id", path)
	}
	return accepted, nil
}

// TaskStatus reads the status of a backend ingestion task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	var st TaskStatus
	err := c.getJSON(ctx, "/api/task_status", url.Values{"task_id": {taskID}}, &st)
	return st, err
}

// progressReader reports bytes consumed by the HTTP transport.
type progressReader struct {
	r     io.Reader
	total int64

	mu   sync.Mutex
	sent int64
	fn   ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.fn != nil {
		p.mu.Lock()
		p.sent += int64(n)
		sent := p.sent
		p.mu.Unlock()
		p.fn(sent, p.total)
	}
	return n, err
}

// Len reports the full body size for Content-Length.
func (p *progressReader) Len() int { return int(p.total) }

package gateway

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
)

// Sources lists every document visible to the caller.
func (c *Client) Sources(ctx context.Context) ([]Document, error) {
	var docs []Document
	if err := c.getJSON(ctx, "/api/sources", nil, &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		return []Document{}, nil
	}
	return docs, nil
}

// PaginatedSources lists one page of documents.
func (c *Client) PaginatedSources(ctx context.Context, q PageQuery) (DocumentPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Rows < 1 {
		q.Rows = 10
	}
	if q.Sort == "" {
		q.Sort = "date"
	}
	if q.Order == "" {
		q.Order = "desc"
	}
	params := url.Values{
		"sort":  {q.Sort},
		"order": {q.Order},
		"page":  {strconv.Itoa(q.Page)},
		"rows":  {strconv.Itoa(q.Rows)},
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}

	var page DocumentPage
	if err := c.getJSON(ctx, "/api/sources/paginated", params, &page); err != nil {
		return DocumentPage{}, err
	}
	return page, nil
}

// ManageSync sets how often a remote source is re-ingested.
func (c *Client) ManageSync(ctx context.Context, sourceID, frequency string) error {
	if !slices.Contains(SyncFrequencies, frequency) {
		return fmt.Errorf("invalid sync frequency %q: must be one of %v", frequency, SyncFrequencies)
	}
	body := map[string]string{"source_id": sourceID, "sync_frequency": frequency}
	return c.postJSON(ctx, "/api/manage_sync", body, nil)
}

// DeleteSource removes a document and its vectors.
func (c *Client) DeleteSource(ctx context.Context, sourceID string) error {
	return c.getJSON(ctx, "/api/delete_old", url.Values{"source_id": {sourceID}}, nil)
}

// Chunks lists one page of stored chunks for a document.
func (c *Client) Chunks(ctx context.Context, docID string, page, perPage int) (ChunkPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	var out ChunkPage
	err := c.getJSON(ctx, "/api/get_chunks", url.Values{
		"id":       {docID},
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}, &out)
	return out, err
}

// AddChunk appends a chunk to a document.
func (c *Client) AddChunk(ctx context.Context, docID, text string, metadata map[string]any) error {
	body := map[string]any{"id": docID, "text": text}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return c.postJSON(ctx, "/api/add_chunk", body, nil)
}

// UpdateChunk replaces the text and metadata of a chunk.
func (c *Client) UpdateChunk(ctx context.Context, docID, chunkID, text string, metadata map[string]any) error {
	body := map[string]any{"id": docID, "chunk_id": chunkID, "text": text}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return c.postJSON(ctx, "/api/update_chunk", body, nil)
}

func (c *Client) DeleteChunk(ctx context.Context, docID, chunkID string) error {
	return c.getJSON(ctx, "/api/delete_chunk", url.Values{"id": {docID}, "chunk_id": {chunkID}}, nil)
}

// APIKeys lists the caller's agent API keys.
func (c *Client) APIKeys(ctx context.Context) ([]APIKey, error) {
	var keys []APIKey
	if err := c.getJSON(ctx, "/api/get_api_keys", nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// CreateAPIKey creates a key. The returned key is only shown once.
func (c *Client) CreateAPIKey(ctx context.Context, req CreateAPIKeyRequest) (APIKey, error) {
	var key APIKey
	if err := c.postJSON(ctx, "/api/create_api_key", req, &key); err != nil {
		return APIKey{}, err
	}
	key.Name = req.Name
	return key, nil
}

func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/api/delete_api_key", map[string]string{"id": id}, nil)
}

// Feedback records a like, dislike or cleared rating for an answer.
func (c *Client) Feedback(ctx context.Context, req FeedbackRequest) error {
	return c.postJSON(ctx, "/api/feedback", req, nil)
}

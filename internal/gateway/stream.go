package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// FragmentKind identifies the kind of a streamed answer fragment.
type FragmentKind int

const (
	FragmentToken FragmentKind = iota
	FragmentSources
	FragmentToolCalls
	FragmentConversationID
	FragmentEnd
	FragmentError
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentToken:
		return "token"
	case FragmentSources:
		return "sources"
	case FragmentToolCalls:
		return "tool_calls"
	case FragmentConversationID:
		return "id"
	case FragmentEnd:
		return "end"
	case FragmentError:
		return "error"
	default:
		return fmt.Sprintf("FragmentKind(%d)", int(k))
	}
}

// Fragment is one decoded event of an answer stream.
type Fragment struct {
	Kind           FragmentKind
	Token          string
	Sources        []Source
	ToolCalls      []ToolCall
	ConversationID string
	Err            string
}

type streamEvent struct {
	Type      string          `json:"type"`
	Answer    string          `json:"answer"`
	Source    json.RawMessage `json:"source"`
	ToolCalls []ToolCall      `json:"tool_calls"`
	ID        string          `json:"id"`
	Error     string          `json:"error"`
}

// Stream is a pull-based iterator over an SSE answer stream. It is not safe
// for concurrent use.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool

	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &Stream{body: body, scanner: sc}
}

// Next returns the next fragment. After the end marker it returns io.EOF.
// A connection that ends without an end marker yields ErrStreamTruncated.
func (s *Stream) Next(ctx context.Context) (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return Fragment{}, err
		}
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Fragment{}, ctxErr
				}
				return Fragment{}, fmt.Errorf("reading stream: %w", err)
			}
			return Fragment{}, ErrStreamTruncated
		}

		payload, ok := dataPayload(s.scanner.Text())
		if !ok {
			continue
		}

		frag, skip, err := parseEvent(payload)
		if err != nil {
			s.done = true
			return Fragment{}, err
		}
		if skip {
			continue
		}
		if frag.Kind == FragmentEnd {
			s.done = true
		}
		return frag, nil
	}
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// dataPayload extracts the payload of an SSE data line. Comments, blank lines
// and other SSE fields are skipped.
func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimPrefix(line, "data:")
	payload = strings.TrimPrefix(payload, " ")
	if strings.TrimSpace(payload) == "" {
		return "", false
	}
	return payload, true
}

func parseEvent(payload string) (Fragment, bool, error) {
	if strings.TrimSpace(payload) == "[DONE]" {
		return Fragment{Kind: FragmentEnd}, false, nil
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Fragment{}, false, fmt.Errorf("malformed stream event: %w", err)
	}

	switch ev.Type {
	case "answer":
		return Fragment{Kind: FragmentToken, Token: ev.Answer}, false, nil
	case "source":
		sources, err := decodeSources(ev.Source)
		if err != nil {
			return Fragment{}, false, err
		}
		return Fragment{Kind: FragmentSources, Sources: sources}, false, nil
	case "tool_calls":
		return Fragment{Kind: FragmentToolCalls, ToolCalls: ev.ToolCalls}, false, nil
	case "id":
		return Fragment{Kind: FragmentConversationID, ConversationID: ev.ID}, false, nil
	case "end":
		return Fragment{Kind: FragmentEnd}, false, nil
	case "error":
		msg := ev.Error
		if msg == "" {
			msg = "backend reported an error"
		}
		return Fragment{Kind: FragmentError, Err: msg}, false, nil
	default:
		// Unknown event types (thought, metadata) are ignored.
		return Fragment{}, true, nil
	}
}

// decodeSources accepts a list of sources or a single source object.
func decodeSources(raw json.RawMessage) ([]Source, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []Source
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var one Source
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("malformed source event: %w", err)
	}
	return []Source{one}, nil
}

// Ask opens an answer stream. The caller must Close the returned stream.
func (c *Client) Ask(ctx context.Context, req AskRequest) (*Stream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, cancel, err := c.send(ctx, http.MethodPost, "/stream", bytes.NewReader(payload), "application/json", c.streamTimeout)
	if err != nil {
		return nil, err
	}
	return newStream(&cancelOnClose{ReadCloser: resp.Body, cancel: cancel}), nil
}

package conversation

import (
	"errors"
	"testing"

	"github.com/kalambet/dgpt/internal/gateway"
)

func TestAppend(t *testing.T) {
	s := NewStore()

	if _, ok := s.Append("   "); ok {
		t.Fatal("blank prompt was appended")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after blank append", s.Len())
	}

	i, ok := s.Append("  What is 2+2?  ")
	if !ok || i != 0 {
		t.Fatalf("Append = %d, %v", i, ok)
	}
	q, _ := s.At(0)
	if q.Prompt != "What is 2+2?" {
		t.Errorf("Prompt = %q, want trimmed", q.Prompt)
	}

	if i, _ := s.Append("next"); i != 1 || s.Len() != 2 {
		t.Errorf("second Append index = %d, Len = %d", i, s.Len())
	}
}

func TestUpdateAt(t *testing.T) {
	s := NewStore()
	s.Append("q")

	if err := s.UpdateAt(0, Update{Token: "Hel"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAt(0, Update{Token: "lo", Sources: ptr([]gateway.Source{{Title: "a"}})}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAt(0, Update{Feedback: ptr(FeedbackPositive)}); err != nil {
		t.Fatal(err)
	}

	q, _ := s.At(0)
	if q.Response != "Hello" {
		t.Errorf("Response = %q", q.Response)
	}
	if len(q.Sources) != 1 || q.Feedback != FeedbackPositive {
		t.Errorf("query = %+v", q)
	}

	if err := s.UpdateAt(0, Update{Response: ptr(""), Token: "x"}); err != nil {
		t.Fatal(err)
	}
	if q, _ := s.At(0); q.Response != "x" {
		t.Errorf("Response after replace+token = %q, want x", q.Response)
	}
}

func TestUpdateAtOutOfRange(t *testing.T) {
	s := NewStore()
	s.Append("q")

	for _, idx := range []int{-1, 1, 5} {
		err := s.UpdateAt(idx, Update{Token: "x"})
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("UpdateAt(%d) err = %v, want ErrIndexOutOfRange", idx, err)
		}
		var ie *IndexError
		if !errors.As(err, &ie) || ie.Index != idx || ie.Len != 1 {
			t.Errorf("UpdateAt(%d) IndexError = %+v", idx, ie)
		}
	}
}

func TestReplacePromptAt(t *testing.T) {
	s := NewStore()
	s.Append("old")

	if err := s.ReplacePromptAt(0, " new "); err != nil {
		t.Fatal(err)
	}
	if q, _ := s.At(0); q.Prompt != "new" {
		t.Errorf("Prompt = %q", q.Prompt)
	}
	if err := s.ReplacePromptAt(0, ""); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("empty replace err = %v", err)
	}
	if err := s.ReplacePromptAt(3, "x"); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("out of range err = %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestReset(t *testing.T) {
	s := NewStore()
	s.Append("a")
	s.Append("b")
	s.setConversationID("conv")

	s.Reset()
	if s.Len() != 0 || s.ConversationID() != "" {
		t.Errorf("after Reset: Len = %d, ConversationID = %q", s.Len(), s.ConversationID())
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore()
	s.Append("q")
	s.UpdateAt(0, Update{Sources: ptr([]gateway.Source{{Title: "a"}})})

	qs := s.Queries()
	qs[0].Prompt = "changed"
	qs[0].Sources[0].Title = "changed"

	q, _ := s.At(0)
	if q.Prompt != "q" || q.Sources[0].Title != "a" {
		t.Errorf("snapshot mutation leaked into store: %+v", q)
	}
}

func TestBeginEnd(t *testing.T) {
	s := NewStore()
	if !s.begin() {
		t.Fatal("begin on idle store failed")
	}
	if s.begin() {
		t.Fatal("second begin succeeded while loading")
	}
	if s.Status() != StatusLoading {
		t.Errorf("Status = %v", s.Status())
	}
	s.end()
	if s.Status() != StatusIdle {
		t.Errorf("Status = %v after end", s.Status())
	}
}

func TestWatch(t *testing.T) {
	s := NewStore()
	var changes []Change
	cancel := s.Watch(func(c Change) { changes = append(changes, c) })

	s.Append("q")
	s.UpdateAt(0, Update{Token: "tok"})
	s.Reset()

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[1].Token != "tok" || changes[1].Query.Response != "tok" {
		t.Errorf("token change = %+v", changes[1])
	}
	if !changes[2].Reset || changes[2].Index != -1 {
		t.Errorf("reset change = %+v", changes[2])
	}

	cancel()
	s.Append("after cancel")
	if len(changes) != 3 {
		t.Errorf("watcher called after cancel")
	}
}

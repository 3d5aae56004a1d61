package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/panelist/pkg/types"
)

type memExporter struct {
	mu    sync.Mutex
	calls int
	got   []types.Utterance
	err   error
}

func (e *memExporter) ExportTranscript(_ context.Context, _ string, utts []types.Utterance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.got = utts
	return e.err
}

func TestAppend_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		u    types.Utterance
	}{
		{name: "unknown role", u: types.Utterance{Role: "system", Text: "x"}},
		{name: "empty text", u: types.Utterance{Role: types.RoleUser, Text: "  "}},
		{name: "agent without speaker", u: types.Utterance{Role: types.RoleAgent, Text: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := New("s1")
			if err := r.Append(tt.u); !errors.Is(err, ErrInvalidUtterance) {
				t.Fatalf("want ErrInvalidUtterance, got %v", err)
			}
			if r.Len() != 0 {
				t.Fatal("want nothing appended")
			}
		})
	}
}

func TestAppend_MonotonicTimestamps(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := New("s1", WithClock(func() time.Time { return base.Add(time.Minute) }))

	_ = r.Append(types.Utterance{Role: types.RoleAgent, Speaker: "architect", Text: "Hi.", At: base.Add(5 * time.Second)})
	_ = r.Append(types.Utterance{Role: types.RoleUser, Text: "Hello.", At: base})
	_ = r.Append(types.Utterance{Role: types.RoleAgent, Speaker: "architect", Text: "Go on."})

	got := r.Utterances()
	if len(got) != 3 {
		t.Fatalf("want 3 utterances, got %d", len(got))
	}
	if !got[1].At.Equal(got[0].At) {
		t.Fatalf("want earlier timestamp clamped to %v, got %v", got[0].At, got[1].At)
	}
	if !got[2].At.Equal(base.Add(time.Minute)) {
		t.Fatalf("want zero timestamp stamped by clock, got %v", got[2].At)
	}
	for i := 1; i < len(got); i++ {
		if got[i].At.Before(got[i-1].At) {
			t.Fatalf("timestamps decrease at %d", i)
		}
	}
}

func TestUtterances_Copy(t *testing.T) {
	t.Parallel()

	r := New("s1")
	_ = r.Append(types.Utterance{Role: types.RoleUser, Text: "a"})
	got := r.Utterances()
	got[0].Text = "mutated"
	if r.Utterances()[0].Text != "a" {
		t.Fatal("want recorded utterances immutable through the copy")
	}
}

func TestListener(t *testing.T) {
	t.Parallel()

	var seen []string
	r := New("s9", WithListener(func(sid string, u types.Utterance) {
		seen = append(seen, sid+":"+u.Text)
	}))
	_ = r.Append(types.Utterance{Role: types.RoleUser, Text: "a"})
	_ = r.Append(types.Utterance{Role: types.RoleUser, Text: ""})
	if len(seen) != 1 || seen[0] != "s9:a" {
		t.Fatalf("want one notification for the valid append, got %v", seen)
	}
}

func TestExport_Once(t *testing.T) {
	t.Parallel()

	ok := &memExporter{}
	bad := &memExporter{err: errors.New("disk full")}
	r := New("s1", WithExporter(ok), WithExporter(bad))
	_ = r.Append(types.Utterance{Role: types.RoleUser, Text: "a"})

	err := r.Export(context.Background())
	if !errors.Is(err, bad.err) {
		t.Fatalf("want exporter error joined, got %v", err)
	}
	if err2 := r.Export(context.Background()); err2 != err {
		t.Fatalf("want identical result on second export, got %v", err2)
	}
	if ok.calls != 1 || bad.calls != 1 {
		t.Fatalf("want each exporter called once, got %d and %d", ok.calls, bad.calls)
	}
	if len(ok.got) != 1 {
		t.Fatalf("want transcript exported, got %v", ok.got)
	}
	if err := r.Append(types.Utterance{Role: types.RoleUser, Text: "late"}); !errors.Is(err, ErrSealed) {
		t.Fatalf("want ErrSealed after export, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("want sealed transcript unchanged, got %d utterances", r.Len())
	}
}

package app

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultTranscriptLimit = 10000

	systemSpeaker = "System"
)

// Segment is one line of a saved transcript.
type Segment struct {
	At      time.Time `json:"at"`
	Kind    Kind      `json:"kind"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	Final   bool      `json:"final"`
}

// Transcript keeps the most recent segments built from hub events. It is
// safe for concurrent use.
type Transcript struct {
	limit int
	now   func() time.Time

	mu       sync.Mutex
	segments []Segment
}

// NewTranscript returns a transcript that keeps at most limit segments,
// dropping the oldest first. A limit of zero or less selects 10000.
func NewTranscript(limit int) *Transcript {
	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	return &Transcript{limit: limit, now: time.Now}
}

// Record turns ev into a segment. Transcript text keeps its speaker;
// session lifecycle and server errors are attributed to the system.
func (t *Transcript) Record(ev Event) {
	seg := Segment{Kind: ev.Kind, Speaker: ev.Speaker}
	switch ev.Type {
	case EventTranscript:
		if ev.Text == "" {
			return
		}
		seg.Text = ev.Text
	case EventSessionStart:
		seg.Speaker, seg.Text, seg.Final = systemSpeaker, "Connected. Listening for audio...", true
	case EventSessionClose:
		seg.Speaker, seg.Text, seg.Final = systemSpeaker, "Session closed ("+ev.Cause+").", true
	case EventServerError:
		seg.Speaker, seg.Text, seg.Final = systemSpeaker, "Error: "+ev.Text, true
	case EventTurnComplete:
		t.mu.Lock()
		defer t.mu.Unlock()
		for i := len(t.segments) - 1; i >= 0; i-- {
			if t.segments[i].Kind == ev.Kind && t.segments[i].Speaker != systemSpeaker {
				t.segments[i].Final = true
				break
			}
		}
		return
	default:
		return
	}

	seg.At = t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.segments) == t.limit {
		copy(t.segments, t.segments[1:])
		t.segments = t.segments[:len(t.segments)-1]
	}
	t.segments = append(t.segments, seg)
}

// Segments returns a copy of the recorded segments, optionally limited to
// one kind. An empty kind returns all of them.
func (t *Transcript) Segments(kind Kind) []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Segment, 0, len(t.segments))
	for _, s := range t.segments {
		if kind == "" || s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Clear drops every segment.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = nil
}

// FormatTranscript renders segments as plain text, one "[Speaker] text"
// line each.
func FormatTranscript(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "[%s] %s\n", s.Speaker, strings.TrimSpace(s.Text))
	}
	return b.String()
}

// TranscriptFilename names a download taken at t.
func TranscriptFilename(t time.Time) string {
	return "transcript-" + t.UTC().Format("2006-01-02T15-04-05") + ".txt"
}

package app_test

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/MrWong99/livebridge/internal/app"
	"github.com/MrWong99/livebridge/pkg/provider/s2s"
)

func TestTranscript_Record(t *testing.T) {
	t.Parallel()

	tr := app.NewTranscript(0)
	for _, ev := range []app.Event{
		{Type: app.EventSessionStart, Kind: app.KindMedia},
		{Type: app.EventTranscript, Kind: app.KindMedia, Speaker: "Transcript", Text: "first"},
		{Type: app.EventTranscript, Kind: app.KindMedia, Speaker: "Transcript", Text: ""},
		{Type: app.EventTurnComplete, Kind: app.KindMedia, Speaker: "Transcript", Final: true},
		{Type: app.EventServerError, Kind: app.KindTalk, Text: "quota exceeded"},
		{Type: app.EventSessionClose, Kind: app.KindMedia, Cause: "remote_closed"},
	} {
		tr.Record(ev)
	}

	want := []app.Segment{
		{Kind: app.KindMedia, Speaker: "System", Text: "Connected. Listening for audio...", Final: true},
		{Kind: app.KindMedia, Speaker: "Transcript", Text: "first", Final: true},
		{Kind: app.KindTalk, Speaker: "System", Text: "Error: quota exceeded", Final: true},
		{Kind: app.KindMedia, Speaker: "System", Text: "Session closed (remote_closed).", Final: true},
	}
	ignoreTime := cmpopts.IgnoreFields(app.Segment{}, "At")
	if diff := cmp.Diff(want, tr.Segments(""), ignoreTime); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if got := tr.Segments(app.KindTalk); len(got) != 1 {
		t.Errorf("talk segments = %d, want 1", len(got))
	}

	tr.Clear()
	if got := tr.Segments(""); len(got) != 0 {
		t.Errorf("segments after Clear = %d", len(got))
	}
}

func TestTranscript_DropsOldest(t *testing.T) {
	t.Parallel()

	tr := app.NewTranscript(2)
	for _, text := range []string{"a", "b", "c"} {
		tr.Record(app.Event{Type: app.EventTranscript, Kind: app.KindTalk, Speaker: "Gemini", Text: text})
	}
	got := app.FormatTranscript(tr.Segments(""))
	if want := "[Gemini] b\n[Gemini] c\n"; got != want {
		t.Errorf("FormatTranscript = %q, want %q", got, want)
	}
}

func TestTranscriptFilename(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got, want := app.TranscriptFilename(at), "transcript-2026-03-04T05-06-07.txt"; got != want {
		t.Errorf("TranscriptFilename = %q, want %q", got, want)
	}
}

func TestAPI_TranscriptDownload(t *testing.T) {
	t.Parallel()

	h := newApp(t, nil)
	if status, body := h.do(t, http.MethodGet, "/api/transcript"); status != http.StatusNotFound || body.Error != "No transcript to save." {
		t.Errorf("empty transcript = %d %+v", status, body)
	}

	if status, body := h.do(t, http.MethodPost, "/api/sessions/media"); status != http.StatusOK {
		t.Fatalf("start = %d %+v", status, body)
	}
	h.fx.conn(t, 0).Push(
		s2s.ServerEvent{Kind: s2s.EventText, Text: "breaking news"},
		s2s.ServerEvent{Kind: s2s.EventTurnComplete},
	)
	deadline := time.Now().Add(2 * time.Second)
	for len(h.app.Transcript().Segments("")) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("transcript event never recorded")
		}
		time.Sleep(time.Millisecond)
	}
	if status, body := h.do(t, http.MethodDelete, "/api/sessions/media"); status != http.StatusOK {
		t.Fatalf("stop = %d %+v", status, body)
	}

	resp, err := h.srv.Client().Get(h.srv.URL + "/api/transcript?kind=media")
	if err != nil {
		t.Fatalf("GET /api/transcript: %v", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, text)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, `filename="transcript-`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	want := "[System] Connected. Listening for audio...\n" +
		"[Transcript] breaking news\n" +
		"[System] Session closed (stopped).\n"
	if string(text) != want {
		t.Errorf("transcript =\n%s\nwant\n%s", text, want)
	}

	if status, _ := h.do(t, http.MethodGet, "/api/transcript?kind=karaoke"); status != http.StatusNotFound {
		t.Errorf("unknown kind = %d, want 404", status)
	}
	if status, body := h.do(t, http.MethodGet, "/api/transcript?format=json"); status != http.StatusOK || len(body.Segments) != 3 {
		t.Errorf("json transcript = %d %+v", status, body)
	}
	if status, _ := h.do(t, http.MethodDelete, "/api/transcript"); status != http.StatusOK {
		t.Errorf("clear = %d", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/api/transcript"); status != http.StatusNotFound {
		t.Errorf("after clear = %d, want 404", status)
	}
}

package app_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/livebridge/internal/app"
)

// upstream stands in for the generateContent endpoint. The redirecting
// transport sends every request there and keeps what was asked for.
type upstream struct {
	srv *httptest.Server

	status int
	reply  string

	mu      sync.Mutex
	urls    []string
	headers []http.Header
	bodies  []string
}

func newUpstream(t *testing.T, status int, reply string) *upstream {
	t.Helper()
	u := &upstream{status: status, reply: reply}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.headers = append(u.headers, r.Header.Clone())
		u.bodies = append(u.bodies, string(body))
		u.mu.Unlock()
		w.WriteHeader(u.status)
		io.WriteString(w, u.reply)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) RoundTrip(req *http.Request) (*http.Response, error) {
	u.mu.Lock()
	u.urls = append(u.urls, req.URL.String())
	u.mu.Unlock()

	target, _ := url.Parse(u.srv.URL)
	out := req.Clone(req.Context())
	out.URL.Scheme, out.URL.Host, out.Host = target.Scheme, target.Host, target.Host
	return http.DefaultTransport.RoundTrip(out)
}

func (u *upstream) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.urls)
}

func postJSON(t *testing.T, h *appHarness, path, body string) (int, app.Response) {
	t.Helper()
	resp, err := h.srv.Client().Post(h.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out app.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode POST %s: %v", path, err)
	}
	return resp.StatusCode, out
}

const candidateReply = `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hi there"}]}}]}`

func TestAPI_Chat(t *testing.T) {
	t.Parallel()

	const base = "https://generativelanguage.googleapis.com/v1beta/models/"
	tests := []struct {
		name       string
		vars       map[string]string
		status     int
		reply      string
		body       string
		wantStatus int
		wantReply  string
		wantError  string
		wantURL    string
		wantBearer string
	}{
		{
			name:       "api key",
			status:     http.StatusOK,
			reply:      candidateReply,
			body:       `{"message":"  hello  "}`,
			wantStatus: http.StatusOK,
			wantReply:  "Hi there",
			wantURL:    base + "gemma-3-27b-it:generateContent?key=test-key",
		},
		{
			name:       "oauth",
			vars:       map[string]string{"GEMINI_AUTH_TYPE": "oauth", "GEMINI_ACCESS_TOKEN": "ya29.t"},
			status:     http.StatusOK,
			reply:      candidateReply,
			body:       `{"message":"hello"}`,
			wantStatus: http.StatusOK,
			wantReply:  "Hi there",
			wantURL:    base + "gemini-2.0-flash-exp:generateContent",
			wantBearer: "Bearer ya29.t",
		},
		{
			name:       "no candidates",
			status:     http.StatusOK,
			reply:      `{"candidates":[]}`,
			body:       `{"message":"hello"}`,
			wantStatus: http.StatusBadGateway,
			wantError:  "Sorry, I couldn't understand that.",
		},
		{
			name:       "upstream rejects",
			status:     http.StatusTooManyRequests,
			reply:      `{"error":{"message":"quota"}}`,
			body:       `{"message":"hello"}`,
			wantStatus: http.StatusBadGateway,
			wantError:  "429",
		},
		{
			name:       "empty message",
			body:       `{"message":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "empty",
		},
		{
			name:       "malformed body",
			body:       `{"message":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid chat request",
		},
		{
			name:       "missing credentials",
			vars:       map[string]string{},
			body:       `{"message":"hello"}`,
			wantStatus: http.StatusUnauthorized,
			wantError:  "Missing API Key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			up := newUpstream(t, tt.status, tt.reply)
			h := newApp(t, tt.vars, app.WithChatOptions(app.WithChatHTTPClient(&http.Client{Transport: up})))

			status, body := postJSON(t, h, "/api/chat", tt.body)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d (%+v)", status, tt.wantStatus, body)
			}
			if body.Reply != tt.wantReply {
				t.Errorf("Reply = %q, want %q", body.Reply, tt.wantReply)
			}
			if body.Success != (tt.wantStatus == http.StatusOK) {
				t.Errorf("Success = %v", body.Success)
			}
			if tt.wantError != "" && !strings.Contains(body.Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", body.Error, tt.wantError)
			}
			if tt.wantURL == "" {
				return
			}

			up.mu.Lock()
			defer up.mu.Unlock()
			if len(up.urls) != 1 {
				t.Fatalf("upstream calls = %d, want 1", len(up.urls))
			}
			if up.urls[0] != tt.wantURL {
				t.Errorf("url = %q, want %q", up.urls[0], tt.wantURL)
			}
			if got := up.headers[0].Get("Authorization"); got != tt.wantBearer {
				t.Errorf("Authorization = %q, want %q", got, tt.wantBearer)
			}
			if got := up.headers[0].Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q", got)
			}
			want := `{"contents":[{"parts":[{"text":"hello"}]}]}`
			if !bytes.Equal([]byte(up.bodies[0]), []byte(want)) {
				t.Errorf("body = %s, want %s", up.bodies[0], want)
			}
		})
	}
}

func TestAPI_ChatSkipsUpstreamForInvalidInput(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, http.StatusOK, candidateReply)
	h := newApp(t, map[string]string{}, app.WithChatOptions(app.WithChatHTTPClient(&http.Client{Transport: up})))
	postJSON(t, h, "/api/chat", `{"message":"hello"}`)
	postJSON(t, h, "/api/chat", `{"message":""}`)
	if got := up.calls(); got != 0 {
		t.Errorf("upstream calls = %d, want 0", got)
	}
}

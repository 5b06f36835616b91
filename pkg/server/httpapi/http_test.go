package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/urifs/pkg/localfs"
	"github.com/jacktea/urifs/pkg/manager"
	"github.com/jacktea/urifs/pkg/server/middleware"
)

func newServer(t *testing.T, opts Options) http.Handler {
	t.Helper()
	m := manager.New(manager.Options{})
	m.Register(localfs.NewMemory())
	srv := &Server{Manager: m, Log: zerolog.Nop(), Opts: opts}
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func q(path, p string, extra ...string) string {
	v := url.Values{"uri": {p}}
	for i := 0; i+1 < len(extra); i += 2 {
		v.Set(extra[i], extra[i+1])
	}
	return path + "?" + v.Encode()
}

func put(t *testing.T, h http.Handler, p, content string) {
	t.Helper()
	rr := do(t, h, http.MethodPut, q("/v1/content", p, "make_parents", "true"), strings.NewReader(content))
	if rr.Code != http.StatusCreated {
		t.Fatalf("put %s: expected 201, got %d: %s", p, rr.Code, rr.Body.String())
	}
}

func get(t *testing.T, h http.Handler, p string) string {
	t.Helper()
	rr := do(t, h, http.MethodGet, q("/v1/content", p), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get %s: expected 200, got %d: %s", p, rr.Code, rr.Body.String())
	}
	return rr.Body.String()
}

func postJSON(t *testing.T, h http.Handler, path string, v any) (*httptest.ResponseRecorder, batchJSON) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rr := do(t, h, http.MethodPost, path, bytes.NewReader(b))
	var out batchJSON
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s response %q: %v", path, rr.Body.String(), err)
	}
	return rr, out
}

func mkdir(t *testing.T, h http.Handler, p string) {
	t.Helper()
	rr, out := postJSON(t, h, "/v1/create", map[string]any{"target": p, "dir": true, "make_parents": true})
	if rr.Code != http.StatusOK || !out.Success {
		t.Fatalf("mkdir %s: %d %s", p, rr.Code, rr.Body.String())
	}
}

func TestPutGetAppend(t *testing.T) {
	h := newServer(t, Options{})
	put(t, h, "mem:///test.txt", "hello")
	if got := get(t, h, "mem:///test.txt"); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	rr := do(t, h, http.MethodPut, q("/v1/content", "mem:///test.txt", "append", "true"), strings.NewReader(" world"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("append: expected 201, got %d", rr.Code)
	}
	if got := get(t, h, "mem:///test.txt"); got != "hello world" {
		t.Fatalf("expected appended content, got %q", got)
	}

	rr = do(t, h, http.MethodHead, q("/v1/content", "mem:///test.txt"), nil)
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Length") != "11" {
		t.Fatalf("head: %d length %q", rr.Code, rr.Header().Get("Content-Length"))
	}
}

func TestRangeGet(t *testing.T) {
	h := newServer(t, Options{})
	put(t, h, "mem:///range.txt", "hello world")

	req := httptest.NewRequest(http.MethodGet, q("/v1/content", "mem:///range.txt"), nil)
	req.Header.Set("Range", "bytes=6-10")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rr.Code)
	}
	if rr.Body.String() != "world" {
		t.Fatalf("expected world, got %q", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 6-10/11" {
		t.Fatalf("unexpected content-range %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, q("/v1/content", "mem:///range.txt"), nil)
	req.Header.Set("Range", "bytes=50-60")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", rr.Code)
	}
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		header     string
		start, end int64
		ok         bool
	}{
		{"bytes=0-4", 0, 4, true},
		{"bytes=6-", 6, 10, true},
		{"bytes=-3", 8, 10, true},
		{"bytes=-30", 0, 10, true},
		{"bytes=3-100", 3, 10, true},
		{"bytes=5-2", 0, 0, false},
		{"bytes=0-1,3-4", 0, 0, false},
		{"items=0-1", 0, 0, false},
	}
	for _, c := range cases {
		start, end, err := parseRangeHeader(c.header, 11)
		if (err == nil) != c.ok {
			t.Fatalf("%s: unexpected error state %v", c.header, err)
		}
		if c.ok && (start != c.start || end != c.end) {
			t.Fatalf("%s: got %d-%d, want %d-%d", c.header, start, end, c.start, c.end)
		}
	}
}

func TestMissingContent(t *testing.T) {
	h := newServer(t, Options{})
	rr := do(t, h, http.MethodGet, q("/v1/info", "mem:///nope"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"kind":"not found"`) {
		t.Fatalf("expected a kind in %s", rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/v1/content", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without uri, got %d", rr.Code)
	}
}

func TestCopyMoveDelete(t *testing.T) {
	h := newServer(t, Options{})
	put(t, h, "mem:///src/a.txt", "a")
	put(t, h, "mem:///src/b.txt", "b")
	mkdir(t, h, "mem:///dst/")

	rr, out := postJSON(t, h, "/v1/copy", map[string]any{"source": "mem:///src/*.txt", "target": "mem:///dst"})
	if rr.Code != http.StatusOK || !out.Success || len(out.Entries) != 2 {
		t.Fatalf("copy: %d %s", rr.Code, rr.Body.String())
	}
	if out.Entries[0].Value != "mem:///dst/a.txt" {
		t.Fatalf("unexpected copy target %v", out.Entries[0].Value)
	}
	if got := get(t, h, "mem:///dst/b.txt"); got != "b" {
		t.Fatalf("expected b, got %q", got)
	}

	rr, out = postJSON(t, h, "/v1/move", map[string]any{"source": "mem:///src/a.txt", "target": "mem:///moved.txt"})
	if !out.Success {
		t.Fatalf("move: %d %s", rr.Code, rr.Body.String())
	}
	if got := get(t, h, "mem:///moved.txt"); got != "a" {
		t.Fatalf("expected a, got %q", got)
	}

	_, out = postJSON(t, h, "/v1/delete", map[string]any{"target": "mem:///dst"})
	if out.Success || len(out.Entries) != 1 || out.Entries[0].Error == nil {
		t.Fatalf("expected non-recursive delete to fail: %+v", out)
	}
	_, out = postJSON(t, h, "/v1/delete", map[string]any{"target": "mem:///dst", "recursive": true})
	if !out.Success {
		t.Fatalf("recursive delete failed: %+v", out)
	}
	rr = do(t, h, http.MethodGet, q("/v1/info", "mem:///dst"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected deleted dir to be gone, got %d", rr.Code)
	}
}

func TestFatalBatch(t *testing.T) {
	h := newServer(t, Options{})
	put(t, h, "mem:///a", "a")
	put(t, h, "mem:///b", "b")
	rr, out := postJSON(t, h, "/v1/copy", map[string]any{"source": "mem:///a;mem:///b", "target": "mem:///missing"})
	if rr.Code != http.StatusConflict || out.Fatal == nil {
		t.Fatalf("expected 409 with a fatal error, got %d %s", rr.Code, rr.Body.String())
	}
	rr, _ = postJSON(t, h, "/v1/copy", map[string]any{"source": "mem:///a", "target": "mem:///x", "overwrite": "sometimes"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad overwrite mode, got %d", rr.Code)
	}
}

func TestListPagination(t *testing.T) {
	h := newServer(t, Options{DefaultPageSize: 2})
	for _, name := range []string{"a", "b", "c"} {
		put(t, h, "mem:///dir/"+name, name)
	}
	var names []string
	token := ""
	for i := 0; i < 3; i++ {
		rr := do(t, h, http.MethodGet, q("/v1/list", "mem:///dir/", "page_token", token), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
		}
		var page struct {
			Entries       []infoJSON `json:"entries"`
			NextPageToken string     `json:"next_page_token"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, e := range page.Entries {
			names = append(names, e.Name)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	if strings.Join(names, ",") != "a,b,c" {
		t.Fatalf("unexpected listing %v", names)
	}
}

func TestResolveAndInfo(t *testing.T) {
	h := newServer(t, Options{})
	when := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	rr, out := postJSON(t, h, "/v1/create", map[string]any{"target": "mem:///logs/x.log", "make_parents": true, "last_modified": when})
	if !out.Success {
		t.Fatalf("create: %s", rr.Body.String())
	}
	put(t, h, "mem:///logs/y.log", "y")

	rr = do(t, h, http.MethodGet, q("/v1/resolve", "mem:///logs/*.log"), nil)
	var res batchJSON
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected one resolve entry, got %s", rr.Body.String())
	}
	matches, _ := res.Entries[0].Value.([]any)
	if len(matches) != 2 {
		t.Fatalf("expected two matches, got %v", res.Entries[0].Value)
	}

	rr = do(t, h, http.MethodGet, q("/v1/info", "mem:///logs/x.log"), nil)
	var info infoJSON
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Type != "file" || info.LastModified == nil || !info.LastModified.Equal(when) {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestAuthAndRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	h := newServer(t, Options{
		APIKey:    "secret",
		RateLimit: middleware.RateLimitOptions{Requests: 1, Window: time.Minute, Now: func() time.Time { return now }},
	})
	rr := do(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

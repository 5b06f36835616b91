package s3gw

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/localfs"
	"github.com/jacktea/urifs/pkg/manager"
	"github.com/jacktea/urifs/pkg/server/middleware"
)

func newManager(t *testing.T, roots ...string) *manager.Manager {
	t.Helper()
	m := manager.New(manager.Options{})
	m.Register(localfs.NewMemory(), localfs.NewLocal())
	for _, root := range roots {
		u, err := m.Parse(root)
		if err != nil {
			t.Fatalf("parse %s: %v", root, err)
		}
		if err := m.Create(context.Background(), u, fs.CreateParams{Dir: fs.Bool(true), MakeParents: true}).FirstError(); err != nil {
			t.Fatalf("create %s: %v", root, err)
		}
	}
	return m
}

func singleBucket(t *testing.T, opt Options) (*Server, *manager.Manager) {
	t.Helper()
	m := newManager(t, "mem:///buckets/test/")
	opt.Bucket = "test"
	opt.Buckets = map[string]string{"test": "mem:///buckets/test/"}
	return &Server{Manager: m, Opt: opt, Log: zerolog.Nop()}, m
}

func serve(srv http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(method, target, body))
	return rr
}

func readURI(t *testing.T, m *manager.Manager, p string) (string, bool) {
	t.Helper()
	u, err := m.Parse(p)
	if err != nil {
		t.Fatalf("parse %s: %v", p, err)
	}
	in := m.Read(context.Background(), u, fs.ReadParams{})
	if in.FirstError() != nil || len(in.Values()) != 1 {
		return "", false
	}
	rc, err := in.Values()[0].Open(context.Background())
	if err != nil {
		return "", false
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(b), true
}

func TestS3GatewayPutGet(t *testing.T) {
	srv, m := singleBucket(t, Options{})
	rr := serve(srv, http.MethodPut, "/dir/hello.txt", bytes.NewBufferString("world"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = serve(srv, http.MethodGet, "/dir/hello.txt", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "world" {
		t.Fatalf("expected world got %q", rr.Body.String())
	}
	if got, ok := readURI(t, m, "mem:///buckets/test/dir/hello.txt"); !ok || got != "world" {
		t.Fatalf("object not stored under the bucket root: %q %v", got, ok)
	}

	req := httptest.NewRequest(http.MethodGet, "/dir/hello.txt", nil)
	req.Header.Set("Range", "bytes=1-3")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusPartialContent || rr.Body.String() != "orl" {
		t.Fatalf("range get: %d %q", rr.Code, rr.Body.String())
	}

	rr = serve(srv, http.MethodDelete, "/dir/hello.txt", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	rr = serve(srv, http.MethodGet, "/dir/hello.txt", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestS3GatewayAuthMiddleware(t *testing.T) {
	srv, _ := singleBucket(t, Options{APIKey: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/?list-type=2", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after auth, got %d", rr.Code)
	}
}

func TestS3GatewayRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	srv, _ := singleBucket(t, Options{
		RateLimit: middleware.RateLimitOptions{
			Requests: 1,
			Window:   time.Second,
			Now:      func() time.Time { return now },
		},
	})
	if rr := serve(srv, http.MethodGet, "/?list-type=2", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", rr.Code)
	}
	if rr := serve(srv, http.MethodGet, "/?list-type=2", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	now = now.Add(time.Second)
	if rr := serve(srv, http.MethodGet, "/?list-type=2", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected ok after refill, got %d", rr.Code)
	}
}

type listResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

func TestS3GatewayPagination(t *testing.T) {
	srv, _ := singleBucket(t, Options{})
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if rr := serve(srv, http.MethodPut, "/"+name, bytes.NewBufferString(name)); rr.Code != http.StatusOK {
			t.Fatalf("put %s: %d", name, rr.Code)
		}
	}
	rr := serve(srv, http.MethodGet, "/?list-type=2&max-keys=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list page1: %d", rr.Code)
	}
	var resp listResult
	if err := xml.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode page1: %v", err)
	}
	if !resp.IsTruncated || resp.NextContinuationToken == "" || len(resp.Contents) != 2 {
		t.Fatalf("expected truncation: %+v", resp)
	}
	rr = serve(srv, http.MethodGet, "/?list-type=2&max-keys=2&continuation-token="+resp.NextContinuationToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list page2: %d", rr.Code)
	}
	resp = listResult{}
	if err := xml.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode page2: %v", err)
	}
	if resp.IsTruncated || len(resp.Contents) != 1 || resp.Contents[0].Key != "c.txt" {
		t.Fatalf("unexpected final page: %+v", resp)
	}
}

func TestS3GatewayRename(t *testing.T) {
	srv, m := singleBucket(t, Options{})
	if rr := serve(srv, http.MethodPut, "/old.txt", bytes.NewBufferString("data")); rr.Code != http.StatusOK {
		t.Fatalf("put old: %d", rr.Code)
	}
	rr := serve(srv, http.MethodPost, "/old.txt?rename=/nested/new.txt", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("rename status %d: %s", rr.Code, rr.Body.String())
	}
	if got, ok := readURI(t, m, "mem:///buckets/test/nested/new.txt"); !ok || got != "data" {
		t.Fatalf("expected renamed object, got %q %v", got, ok)
	}
	if _, ok := readURI(t, m, "mem:///buckets/test/old.txt"); ok {
		t.Fatalf("expected old object to be gone")
	}
	rr = serve(srv, http.MethodPost, "/missing.txt?rename=/x.txt", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 renaming a missing object, got %d", rr.Code)
	}
}

func TestS3GatewayRejectsEscapingKeys(t *testing.T) {
	srv, _ := singleBucket(t, Options{})
	if _, err := srv.Handler(); err != nil {
		t.Fatalf("handler: %v", err)
	}
	for _, key := range []string{"a/../../etc", "dir/", ""} {
		if _, err := srv.backend.objectURL("test", key); err == nil {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
	if _, err := srv.backend.objectURL("nope", "a"); err == nil {
		t.Fatalf("expected unknown bucket to be rejected")
	}
}

func TestBadBucketMapping(t *testing.T) {
	srv := &Server{Manager: newManager(t), Opt: Options{Buckets: map[string]string{"ok": "relative/path"}}, Log: zerolog.Nop()}
	if _, err := srv.Handler(); err == nil {
		t.Fatalf("expected a relative root to be rejected")
	}
	rr := serve(srv, http.MethodGet, "/", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

// TestS3GatewayClient drives the gateway with a real S3 client: buckets on
// two schemes, a cross-bucket copy and a multipart upload.
func TestS3GatewayClient(t *testing.T) {
	disk := filepath.ToSlash(t.TempDir())
	m := newManager(t, "mem:///data/")
	srv := &Server{
		Manager: m,
		Opt: Options{Buckets: map[string]string{
			"data": "mem:///data/",
			"disk": "file://" + disk + "/",
		}},
		Log: zerolog.Nop(),
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client, err := minio.New(strings.TrimPrefix(ts.URL, "http://"), &minio.Options{
		Creds:        credentials.NewStaticV4("key", "secret", ""),
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()

	buckets, err := client.ListBuckets(ctx)
	if err != nil {
		t.Fatalf("list buckets: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Name != "data" || buckets[1].Name != "disk" {
		t.Fatalf("unexpected buckets %+v", buckets)
	}

	if _, err := client.PutObject(ctx, "data", "docs/readme.md", strings.NewReader("# hi"), 4, minio.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err = client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: "disk", Object: "copies/readme.md"},
		minio.CopySrcOptions{Bucket: "data", Object: "docs/readme.md"})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(filepath.FromSlash(disk), "copies", "readme.md"))
	if err != nil || string(b) != "# hi" {
		t.Fatalf("copied file: %q %v", b, err)
	}

	big := bytes.Repeat([]byte("0123456789abcdef"), (6<<20)/16)
	_, err = client.PutObject(ctx, "disk", "big.bin", bytes.NewReader(big), int64(len(big)), minio.PutObjectOptions{PartSize: 5 << 20})
	if err != nil {
		t.Fatalf("multipart put: %v", err)
	}
	info, err := os.Stat(filepath.Join(filepath.FromSlash(disk), "big.bin"))
	if err != nil || info.Size() != int64(len(big)) {
		t.Fatalf("multipart object: %v %v", info, err)
	}
	if _, ok := readURI(t, m, "mem:///s3gw-uploads/"); ok {
		t.Fatalf("staging should hold no readable file")
	}

	var keys []string
	for obj := range client.ListObjects(ctx, "disk", minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			t.Fatalf("list: %v", obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	if strings.Join(keys, ",") != "big.bin,copies/readme.md" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := client.RemoveBucket(ctx, "disk"); err == nil {
		t.Fatalf("expected a non-empty bucket to stay")
	}
}

// Package s3gw serves URI roots as S3 buckets through gofakes3, so any S3
// client can read and write every scheme the manager dispatches to.
package s3gw

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/rs/zerolog"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/manager"
	"github.com/jacktea/urifs/pkg/server/middleware"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// Options configure the S3 gateway.
type Options struct {
	// Buckets maps bucket names to directory URIs.
	Buckets map[string]string
	// Bucket, when set, is prepended to request paths that name no bucket.
	Bucket string
	// Staging is where multipart parts live until completion.
	Staging   string
	APIKey    string
	RateLimit middleware.RateLimitOptions
}

// Server exposes the mapped buckets over the S3 API.
type Server struct {
	Manager *manager.Manager
	Opt     Options
	Log     zerolog.Logger

	handlerOnce sync.Once
	handler     http.Handler
	backend     *Backend
	initErr     error
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	s.Log.Info().Str("addr", addr).Int("buckets", len(s.Opt.Buckets)).Msg("s3 gateway listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, err := s.Handler()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.ServeHTTP(w, r)
}

// Handler builds the gateway once; a bad bucket mapping is reported here.
func (s *Server) Handler() (http.Handler, error) {
	s.handlerOnce.Do(func() {
		s.backend, s.initErr = NewBackend(s.Manager, s.Opt.Buckets, s.Opt.Staging, s.Log)
		if s.initErr != nil {
			return
		}
		s3 := gofakes3.New(s.backend, gofakes3.WithLogger(fakesLogger{s.Log})).Server()
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.handleRename(w, r) {
				return
			}
			ensureContentLength(r)
			s.rewriteBucketPath(r)
			s3.ServeHTTP(w, r)
		})
		chain := middleware.Logging(s.Log)
		chain = append(chain,
			middleware.Recover(),
			middleware.APIKeyAuth(s.Opt.APIKey),
			middleware.RateLimit(s.Opt.RateLimit),
		)
		s.handler = middleware.Wrap(handler, chain...)
	})
	return s.handler, s.initErr
}

// objectKey splits a request path into bucket and key, applying the default
// bucket.
func (s *Server) objectKey(p string) (bucket, key string) {
	cleaned := strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(p, "/")), "/")
	if s.Opt.Bucket != "" && cleaned != s.Opt.Bucket && !strings.HasPrefix(cleaned, s.Opt.Bucket+"/") {
		return s.Opt.Bucket, cleaned
	}
	bucket, key, _ = strings.Cut(cleaned, "/")
	return bucket, key
}

// handleRename serves POST /bucket/key?rename=/bucket/other as a manager
// move, which may cross buckets and schemes.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	renameTo := r.URL.Query().Get("rename")
	if renameTo == "" {
		return false
	}
	srcBucket, srcKey := s.objectKey(r.URL.Path)
	dstBucket, dstKey := s.objectKey(renameTo)
	src, _, err := s.backend.stat(srcBucket, srcKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return true
	}
	dst, err := s.backend.objectURL(dstBucket, dstKey)
	if err == nil {
		err = s.backend.ensureParent(dst)
	}
	if err == nil {
		err = s.Manager.Move(r.Context(), uri.FromURL(src), uri.FromURL(dst), fs.MoveParams{}).FirstError()
	}
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return true
	}
	w.WriteHeader(http.StatusOK)
	return true
}

func (s *Server) rewriteBucketPath(r *http.Request) {
	if s.Opt.Bucket == "" {
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if strings.HasPrefix(trimmed, s.Opt.Bucket+"/") || trimmed == s.Opt.Bucket {
		return
	}
	newPath := path.Join("/", s.Opt.Bucket, trimmed)
	r.URL.Path = newPath
	r.URL.RawPath = ""
}

// fakesLogger routes gofakes3 messages into zerolog.
type fakesLogger struct{ log zerolog.Logger }

func (l fakesLogger) Print(level gofakes3.LogLevel, v ...interface{}) {
	ev := l.log.Debug()
	switch level {
	case gofakes3.LogErr:
		ev = l.log.Error()
	case gofakes3.LogWarn:
		ev = l.log.Warn()
	}
	ev.Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func ensureContentLength(r *http.Request) {
	if r.Header.Get("Content-Length") != "" || r.ContentLength < 0 {
		return
	}
	r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
}

func statusFromError(err error) int {
	if _, ok := err.(gofakes3.ErrorCode); ok {
		return http.StatusBadRequest
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindTypeMismatch, xerrors.KindSameLocation, xerrors.KindNotADirectory, xerrors.KindNotEmpty:
		return http.StatusConflict
	case xerrors.KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Package httpapi exposes the manager's batch operations over HTTP+JSON.
// Every path parameter is a URI expression: several paths separated by the
// manager's separator, wildcards included.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/manager"
	"github.com/jacktea/urifs/pkg/result"
	"github.com/jacktea/urifs/pkg/server/middleware"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// Server exposes a Manager over a simple HTTP+JSON API.
type Server struct {
	Manager *manager.Manager
	Log     zerolog.Logger
	Opts    Options
}

// Options configure auth, pagination, and rate limiting.
type Options struct {
	APIKey          string
	RateLimit       middleware.RateLimitOptions
	DefaultPageSize int
	MaxPageSize     int
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.Log.Info().Str("addr", addr).Msg("http api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler returns the routed API with its middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /v1/content", s.getContent)
	mux.HandleFunc("HEAD /v1/content", s.headContent)
	mux.HandleFunc("PUT /v1/content", s.putContent)
	mux.HandleFunc("GET /v1/info", s.info)
	mux.HandleFunc("GET /v1/list", s.list)
	mux.HandleFunc("GET /v1/resolve", s.resolve)
	mux.HandleFunc("POST /v1/copy", s.copy)
	mux.HandleFunc("POST /v1/move", s.move)
	mux.HandleFunc("POST /v1/delete", s.delete)
	mux.HandleFunc("POST /v1/create", s.create)
	return s.applyMiddleware(mux)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	chain := middleware.Logging(s.Log)
	chain = append(chain,
		middleware.Recover(),
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	)
	return middleware.Wrap(handler, chain...)
}

// parse reads a URI expression from the named query parameter.
func (s *Server) parse(r *http.Request, name string) (uri.URI, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, xerrors.Errorf(xerrors.KindInvalid, r.URL.Path, "", "missing %q parameter", name)
	}
	u, err := s.Manager.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, r.URL.Path, raw, err)
	}
	return u, nil
}

func (s *Server) parseBody(op, raw string) (uri.URI, error) {
	if raw == "" {
		return nil, xerrors.Errorf(xerrors.KindInvalid, op, "", "missing path")
	}
	u, err := s.Manager.Parse(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, raw, err)
	}
	return u, nil
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// input opens the single source matched by the "uri" parameter.
func (s *Server) input(r *http.Request) (result.Input, *fs.Info, error) {
	src, err := s.parse(r, "uri")
	if err != nil {
		return result.Input{}, nil, err
	}
	res := s.Manager.Read(r.Context(), src, fs.ReadParams{})
	if err := res.FirstError(); err != nil {
		return result.Input{}, nil, err
	}
	inputs := res.Values()
	if len(inputs) != 1 {
		return result.Input{}, nil, xerrors.Errorf(xerrors.KindInvalid, "read", src.String(), "expected one matching file, got %d", len(inputs))
	}
	var info *fs.Info
	if res := s.Manager.Info(r.Context(), uri.FromURL(inputs[0].URI), fs.InfoParams{}); res.Success() && len(res.Values()) == 1 {
		info = res.Values()[0]
	}
	if info != nil && info.IsDirectory() {
		return result.Input{}, nil, xerrors.E(xerrors.KindTypeMismatch, "read", inputs[0].URI.String())
	}
	return inputs[0], info, nil
}

func contentHeaders(w http.ResponseWriter, info *fs.Info) {
	if info == nil {
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
}

func (s *Server) headContent(w http.ResponseWriter, r *http.Request) {
	_, info, err := s.input(r)
	if err != nil {
		httpError(w, r, err)
		return
	}
	if info == nil {
		httpError(w, r, xerrors.E(xerrors.KindNotFound, "read", r.URL.Query().Get("uri")))
		return
	}
	contentHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	in, info, err := s.input(r)
	if err != nil {
		httpError(w, r, err)
		return
	}
	rc, err := in.Open(r.Context())
	if err != nil {
		httpError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" || info == nil {
		if info != nil {
			contentHeaders(w, info)
		}
		if _, err := io.Copy(w, rc); err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("content stream interrupted")
		}
		return
	}
	size := info.Size
	start, end, err := parseRangeHeader(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	// Streams cannot seek, so the prefix is read and dropped.
	if _, err := io.CopyN(io.Discard, rc, start); err != nil {
		httpError(w, r, xerrors.Backend("read", in.URI.String(), err))
		return
	}
	length := end - start + 1
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.CopyN(w, rc, length); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("range stream interrupted")
	}
}

// putContent writes the request body to the single path matched by "uri".
// With append=true the body is appended instead; make_parents=true creates
// missing parent directories first.
func (s *Server) putContent(w http.ResponseWriter, r *http.Request) {
	targets, err := s.parse(r, "uri")
	if err != nil {
		httpError(w, r, err)
		return
	}
	res := s.Manager.Write(r.Context(), targets, fs.WriteParams{})
	if err := res.FirstError(); err != nil {
		httpError(w, r, err)
		return
	}
	outputs := res.Values()
	if len(outputs) != 1 {
		httpError(w, r, xerrors.Errorf(xerrors.KindInvalid, "write", targets.String(), "expected one target, got %d", len(outputs)))
		return
	}
	if boolParam(r, "make_parents") {
		created := s.Manager.Create(r.Context(), uri.FromURL(outputs[0].URI), fs.CreateParams{Dir: fs.Bool(false), MakeParents: true})
		if err := created.FirstError(); err != nil {
			httpError(w, r, err)
			return
		}
	}
	open := outputs[0].Create
	if boolParam(r, "append") {
		open = outputs[0].Append
	}
	wc, err := open(r.Context())
	if err != nil {
		httpError(w, r, err)
		return
	}
	if _, err := io.Copy(wc, r.Body); err != nil {
		wc.Close()
		httpError(w, r, xerrors.Backend("write", outputs[0].URI.String(), err))
		return
	}
	if err := wc.Close(); err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uri": outputs[0].URI.String()})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	target, err := s.parse(r, "uri")
	if err != nil {
		httpError(w, r, err)
		return
	}
	res := s.Manager.Info(r.Context(), target, fs.InfoParams{})
	if err := res.FirstError(); err != nil {
		httpError(w, r, err)
		return
	}
	info := res.Values()[0]
	if info == nil {
		httpError(w, r, xerrors.E(xerrors.KindNotFound, "info", target.String()))
		return
	}
	writeJSON(w, http.StatusOK, toInfoJSON(info))
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	target, err := s.parse(r, "uri")
	if err != nil {
		httpError(w, r, err)
		return
	}
	res := s.Manager.List(r.Context(), target, fs.ListParams{
		Recursive:       boolParam(r, "recursive"),
		DirectoryItself: boolParam(r, "directory_itself"),
	})
	if err := res.Fatal(); err != nil {
		httpError(w, r, err)
		return
	}
	var all []infoJSON
	for _, infos := range res.Values() {
		for i := range infos {
			all = append(all, toInfoJSON(&infos[i]))
		}
	}
	limit, token := s.listingParams(r)
	start := 0
	if token != "" {
		for i, e := range all {
			if e.URI == token {
				start = i + 1
				break
			}
		}
	}
	page := all[start:]
	var next string
	if len(page) > limit {
		page = page[:limit]
		next = page[limit-1].URI
	}
	response := struct {
		Entries       []infoJSON  `json:"entries"`
		NextPageToken string      `json:"next_page_token,omitempty"`
		Errors        []entryJSON `json:"errors,omitempty"`
	}{Entries: page, NextPageToken: next}
	if response.Entries == nil {
		response.Entries = []infoJSON{}
	}
	for _, e := range res.Entries() {
		if e.Err != nil {
			response.Errors = append(response.Errors, toEntryJSON(e.Source, e.Target, e.Err))
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	target, err := s.parse(r, "uri")
	if err != nil {
		httpError(w, r, err)
		return
	}
	res := s.Manager.Resolve(r.Context(), target, fs.ResolveParams{})
	writeBatch(w, r, res, func(urls []*url.URL) any {
		out := make([]string, len(urls))
		for i, u := range urls {
			out[i] = u.String()
		}
		return out
	})
}

type transferRequest struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Recursive   bool   `json:"recursive"`
	MakeParents bool   `json:"make_parents"`
	Overwrite   string `json:"overwrite"`
}

func (s *Server) decodeTransfer(r *http.Request, op string) (transferRequest, uri.URI, uri.URI, fs.Overwrite, error) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, nil, 0, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	ow, ok := fs.ParseOverwrite(req.Overwrite)
	if !ok {
		return req, nil, nil, 0, xerrors.Errorf(xerrors.KindInvalid, op, "", "unknown overwrite mode %q", req.Overwrite)
	}
	src, err := s.parseBody(op, req.Source)
	if err != nil {
		return req, nil, nil, 0, err
	}
	dst, err := s.parseBody(op, req.Target)
	if err != nil {
		return req, nil, nil, 0, err
	}
	return req, src, dst, ow, nil
}

func targetString(u *url.URL) any {
	if u == nil {
		return nil
	}
	return u.String()
}

func (s *Server) copy(w http.ResponseWriter, r *http.Request) {
	req, src, dst, ow, err := s.decodeTransfer(r, "copy")
	if err != nil {
		httpError(w, r, err)
		return
	}
	res := s.Manager.Copy(r.Context(), src, dst, fs.CopyParams{Recursive: req.Recursive, MakeParents: req.MakeParents, Overwrite: ow})
	writeBatch(w, r, res, targetString)
}

func (s *Server) move(w http.ResponseWriter, r *http.Request) {
	req, src, dst, ow, err := s.decodeTransfer(r, "move")
	if err != nil {
		httpError(w, r, err)
		return
	}
	res := s.Manager.Move(r.Context(), src, dst, fs.MoveParams{MakeParents: req.MakeParents, Overwrite: ow})
	writeBatch(w, r, res, targetString)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target    string `json:"target"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, r, xerrors.Wrap(xerrors.KindInvalid, "delete", "", err))
		return
	}
	targets, err := s.parseBody("delete", req.Target)
	if err != nil {
		httpError(w, r, err)
		return
	}
	res := s.Manager.Delete(r.Context(), targets, fs.DeleteParams{Recursive: req.Recursive})
	writeBatch(w, r, res, nil)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target       string    `json:"target"`
		Dir          *bool     `json:"dir"`
		MakeParents  bool      `json:"make_parents"`
		LastModified time.Time `json:"last_modified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, r, xerrors.Wrap(xerrors.KindInvalid, "create", "", err))
		return
	}
	targets, err := s.parseBody("create", req.Target)
	if err != nil {
		httpError(w, r, err)
		return
	}
	res := s.Manager.Create(r.Context(), targets, fs.CreateParams{Dir: req.Dir, MakeParents: req.MakeParents, LastModified: req.LastModified})
	writeBatch(w, r, res, nil)
}

func (s *Server) listingParams(r *http.Request) (limit int, token string) {
	def, max := s.pageBounds()
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit, r.URL.Query().Get("page_token")
}

func (s *Server) pageBounds() (def int, max int) {
	def = 100
	max = 1000
	if s.Opts.DefaultPageSize > 0 {
		def = s.Opts.DefaultPageSize
	}
	if s.Opts.MaxPageSize > 0 {
		max = s.Opts.MaxPageSize
	}
	if def > max {
		def = max
	}
	return def, max
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("resource empty")
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	rng := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if rng == "" || strings.Contains(rng, ",") {
		return 0, 0, fmt.Errorf("invalid range")
	}
	if strings.HasPrefix(rng, "-") {
		n, err := strconv.ParseInt(rng[1:], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		return size - min(n, size), size - 1, nil
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid byte range")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start")
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(strings.TrimSpace(last), 10, 64)
		if err != nil || end < 0 {
			return 0, 0, fmt.Errorf("invalid range end")
		}
	}
	if start >= size {
		return 0, 0, fmt.Errorf("start beyond size")
	}
	end = min(end, size-1)
	if start > end {
		return 0, 0, fmt.Errorf("start greater than end")
	}
	return start, end, nil
}

// Package httpfs serves http and https URIs read-only: READ, INFO and
// RESOLVE of literal paths. Copies from the web go through the catch-all
// handler, which streams READ into the target scheme's WRITE.
package httpfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"gitlab.com/tozd/go/errors"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/logging"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/wildcard"
	"github.com/jacktea/urifs/pkg/xerrors"
)

const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"

	defaultTimeout = 60 * time.Second
)

// Config configures the handler.
type Config struct {
	// Timeout bounds each request; ignored when Client is set.
	Timeout  time.Duration
	RetryMax int
	Client   *http.Client
	Logger   *zerolog.Logger
}

// Handler implements the read-only subset of fs.Handler.
type Handler struct {
	client *retryablehttp.Client
}

var _ fs.Handler = (*Handler)(nil)

func NewHandler(cfg Config) *Handler {
	c := retryablehttp.NewClient()
	if cfg.Client != nil {
		c.HTTPClient = cfg.Client
	} else {
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaultTimeout
		}
		c.HTTPClient.Timeout = cfg.Timeout
	}
	if cfg.RetryMax > 0 {
		c.RetryMax = cfg.RetryMax
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	c.Logger = leveled{log}
	return &Handler{client: c}
}

func (h *Handler) CanPerform(op fs.Operation) bool {
	if op.Scheme != SchemeHTTP && op.Scheme != SchemeHTTPS {
		return false
	}
	switch op.Kind {
	case fs.OpRead, fs.OpInfo, fs.OpResolve:
		return true
	}
	return false
}

func (h *Handler) Priority(fs.Operation) int { return fs.TopPriority }

func (h *Handler) do(ctx context.Context, method string, u *url.URL) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, strings.ToLower(method), u.String(), err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.KindInterrupted, strings.ToLower(method), u.String(), ctx.Err())
		}
		return nil, xerrors.Backend(strings.ToLower(method), u.String(), errors.Errorf("%s %s: %w", method, u.Redacted(), err))
	}
	logging.FromContext(ctx).Debug().Str("method", method).Str("url", u.Redacted()).Int("status", resp.StatusCode).Msg("http request")
	return resp, nil
}

func statusError(op string, u *url.URL, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return xerrors.E(xerrors.KindNotFound, op, u.String())
	}
	return xerrors.Backend(op, u.String(), fmt.Errorf("unexpected status %s", resp.Status))
}

// Info issues a HEAD request. A 404 or 410 means the URI does not exist.
func (h *Handler) Info(ctx context.Context, target *url.URL, _ fs.InfoParams) (*fs.Info, error) {
	resp, err := h.do(ctx, http.MethodHead, target)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, statusError("info", target, resp)
	}
	info := &fs.Info{
		Name:     uri.Name(target),
		URI:      target,
		Parent:   uri.Parent(target),
		Type:     fs.TypeFile,
		Size:     resp.ContentLength,
		CanRead:  fs.Bool(true),
		CanWrite: fs.Bool(false),
	}
	if info.Size < 0 {
		info.Size = 0
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// Read issues a GET request; the body is the stream.
func (h *Handler) Read(ctx context.Context, source *url.URL, _ fs.ReadParams) (io.ReadCloser, error) {
	resp, err := h.do(ctx, http.MethodGet, source)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, statusError("read", source, resp)
	}
	return resp.Body, nil
}

// Resolve accepts literal URIs only; a web server cannot be listed. The
// query string is never a pattern.
func (h *Handler) Resolve(_ context.Context, pattern string, _ fs.ResolveParams) ([]*url.URL, error) {
	if p, _, _ := strings.Cut(pattern, "?"); wildcard.URIHasWildcards(p) {
		return nil, xerrors.Errorf(xerrors.KindUnsupported, "resolve", pattern, "wildcards are not supported over http")
	}
	u, err := url.Parse(pattern)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "resolve", pattern, err)
	}
	return []*url.URL{u}, nil
}

func readOnly(op string, u *url.URL) error {
	return xerrors.Errorf(xerrors.KindUnsupported, op, u.String(), "http is read-only")
}

func (h *Handler) Copy(_ context.Context, source, _ *url.URL, _ fs.CopyParams) (*url.URL, error) {
	return nil, readOnly("copy", source)
}

func (h *Handler) Move(_ context.Context, source, _ *url.URL, _ fs.MoveParams) (*url.URL, error) {
	return nil, readOnly("move", source)
}

func (h *Handler) Write(_ context.Context, target *url.URL, _ fs.WriteParams) (io.WriteCloser, error) {
	return nil, readOnly("write", target)
}

func (h *Handler) Delete(_ context.Context, target *url.URL, _ fs.DeleteParams) error {
	return readOnly("delete", target)
}

func (h *Handler) List(_ context.Context, target *url.URL, _ fs.ListParams) ([]fs.Info, error) {
	return nil, xerrors.Errorf(xerrors.KindUnsupported, "list", target.String(), "http cannot be listed")
}

func (h *Handler) Create(_ context.Context, target *url.URL, _ fs.CreateParams) error {
	return readOnly("create", target)
}

func (h *Handler) LocalFile(_ context.Context, target *url.URL, _ fs.FileParams) (string, error) {
	return "", xerrors.E(xerrors.KindUnsupported, "file", target.String())
}

// leveled adapts zerolog to retryablehttp's LeveledLogger.
type leveled struct{ log zerolog.Logger }

func fields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(cast.ToString(kv[i]), kv[i+1])
	}
	return e
}

func (l leveled) Error(msg string, kv ...interface{}) { fields(l.log.Error(), kv).Msg(msg) }
func (l leveled) Info(msg string, kv ...interface{})  { fields(l.log.Debug(), kv).Msg(msg) }
func (l leveled) Debug(msg string, kv ...interface{}) { fields(l.log.Debug(), kv).Msg(msg) }
func (l leveled) Warn(msg string, kv ...interface{})  { fields(l.log.Warn(), kv).Msg(msg) }

func init() {
	drv := func(_ context.Context, m map[string]any) (fs.Handler, error) {
		return NewHandler(Config{
			Timeout:  cast.ToDuration(m["timeout"]),
			RetryMax: cast.ToInt(m["retry_max"]),
		}), nil
	}
	fs.RegisterDriver(SchemeHTTP, drv)
	fs.RegisterDriver(SchemeHTTPS, drv)
}

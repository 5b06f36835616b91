package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/result"
	"github.com/jacktea/urifs/pkg/xerrors"
)

type infoJSON struct {
	Name         string     `json:"name"`
	URI          string     `json:"uri"`
	Parent       string     `json:"parent,omitempty"`
	Type         string     `json:"type"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	Created      *time.Time `json:"created,omitempty"`
	CanRead      *bool      `json:"can_read,omitempty"`
	CanWrite     *bool      `json:"can_write,omitempty"`
	Hidden       *bool      `json:"hidden,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toInfoJSON(i *fs.Info) infoJSON {
	out := infoJSON{
		Name:         i.Name,
		Type:         i.Type.String(),
		Size:         i.Size,
		LastModified: optTime(i.LastModified),
		Created:      optTime(i.Created),
		CanRead:      i.CanRead,
		CanWrite:     i.CanWrite,
		Hidden:       i.Hidden,
	}
	if i.URI != nil {
		out.URI = i.URI.String()
	}
	if i.Parent != nil {
		out.Parent = i.Parent.String()
	}
	return out
}

type errorJSON struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toErrorJSON(err error) *errorJSON {
	if err == nil {
		return nil
	}
	return &errorJSON{Kind: xerrors.KindOf(err).String(), Message: err.Error()}
}

type entryJSON struct {
	Source string     `json:"source,omitempty"`
	Target string     `json:"target,omitempty"`
	Value  any        `json:"value,omitempty"`
	Error  *errorJSON `json:"error,omitempty"`
}

func toEntryJSON(source, target *url.URL, err error) entryJSON {
	e := entryJSON{Error: toErrorJSON(err)}
	if source != nil {
		e.Source = source.String()
	}
	if target != nil {
		e.Target = target.String()
	}
	return e
}

type batchJSON struct {
	Success bool        `json:"success"`
	Fatal   *errorJSON  `json:"fatal,omitempty"`
	Entries []entryJSON `json:"entries"`
}

// writeBatch answers with every entry of res. A fatal error sets the
// status from its kind; per-entry failures keep 200 with success=false.
func writeBatch[T any](w http.ResponseWriter, r *http.Request, res *result.Result[T], value func(T) any) {
	out := batchJSON{Success: res.Success(), Fatal: toErrorJSON(res.Fatal()), Entries: []entryJSON{}}
	for _, e := range res.Entries() {
		entry := toEntryJSON(e.Source, e.Target, e.Err)
		if e.Err == nil && value != nil {
			entry.Value = value(e.Value)
		}
		out.Entries = append(out.Entries, entry)
	}
	status := http.StatusOK
	if err := res.Fatal(); err != nil {
		status = statusOf(err)
		hlog.FromRequest(r).Debug().Err(err).Msg("batch rejected")
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindTypeMismatch, xerrors.KindSameLocation, xerrors.KindNotADirectory, xerrors.KindNotEmpty:
		return http.StatusConflict
	case xerrors.KindUnsupported:
		return http.StatusNotImplemented
	case xerrors.KindInterrupted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func httpError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	ev := hlog.FromRequest(r).Debug()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Warn()
	}
	ev.Err(err).Msg("request failed")
	writeJSON(w, status, struct {
		Error *errorJSON `json:"error"`
	}{toErrorJSON(err)})
}

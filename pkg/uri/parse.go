package uri

import (
	"regexp"
	"strings"

	"github.com/jacktea/urifs/pkg/xerrors"
)

// DefaultSeparator joins the paths of a Multi URI.
const DefaultSeparator = ";"

var defaultSeparatorRe = regexp.MustCompile(regexp.QuoteMeta(DefaultSeparator))

var drivePath = regexp.MustCompile(`^[A-Za-z]:/`)

// Parser splits and normalizes path strings.
type Parser struct {
	// Separator splits a string into several paths. Nil means ";".
	Separator *regexp.Regexp
}

// DefaultParser uses DefaultSeparator.
var DefaultParser = Parser{}

// Parse parses s with DefaultParser.
func Parse(s string) (URI, error) { return DefaultParser.Parse(s) }

// MustParse is Parse that panics on error; for tests and constants.
func MustParse(s string) URI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseSingle parses s and requires exactly one path.
func ParseSingle(s string) (Single, error) {
	u, err := Parse(s)
	if err != nil {
		return Single{}, err
	}
	single, ok := u.AsSingle()
	if !ok {
		return Single{}, xerrors.Errorf(xerrors.KindInvalid, "parse", s, "expected a single path, got %d", len(u.Split()))
	}
	return single, nil
}

// Parse splits s on the separator outside single quotes and normalizes each
// path. Quoted paths are stored unquoted and flagged.
func (p Parser) Parse(s string) (URI, error) {
	sep := p.Separator
	if sep == nil {
		sep = defaultSeparatorRe
	}
	var paths []Single
	for _, piece := range splitOutsideQuotes(s, sep) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		quoted := false
		if len(piece) >= 2 && piece[0] == '\'' && piece[len(piece)-1] == '\'' {
			piece = piece[1 : len(piece)-1]
			quoted = true
		}
		if piece == "" {
			continue
		}
		paths = append(paths, Single{path: Normalize(piece), quoted: quoted})
	}
	if len(paths) == 0 {
		return nil, xerrors.Errorf(xerrors.KindInvalid, "parse", s, "no path given")
	}
	return Join(paths...), nil
}

// Normalize turns backslashes into slashes, percent-encodes spaces and
// rewrites local absolute forms ("/a", "C:/a") as file URIs.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.ReplaceAll(p, " ", "%20")
	switch {
	case strings.HasPrefix(p, "//"):
		// UNC-like paths keep their authority
		return "file:" + p
	case strings.HasPrefix(p, "/"):
		return "file://" + p
	case drivePath.MatchString(p):
		return "file:///" + p
	}
	return p
}

func splitOutsideQuotes(s string, sep *regexp.Regexp) []string {
	quoted := quoteSpans(s)
	var out []string
	start := 0
	for _, m := range sep.FindAllStringIndex(s, -1) {
		if m[1] == m[0] || inSpan(quoted, m[0]) {
			continue
		}
		out = append(out, s[start:m[0]])
		start = m[1]
	}
	return append(out, s[start:])
}

// quoteSpans pairs successive single quotes; an unmatched trailing quote
// opens no span.
func quoteSpans(s string) [][2]int {
	var spans [][2]int
	open := -1
	for i := 0; i < len(s); i++ {
		if s[i] != '\'' {
			continue
		}
		if open < 0 {
			open = i
			continue
		}
		spans = append(spans, [2]int{open, i})
		open = -1
	}
	return spans
}

func inSpan(spans [][2]int, i int) bool {
	for _, sp := range spans {
		if i > sp[0] && i < sp[1] {
			return true
		}
	}
	return false
}

package uri

import (
	"net/url"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/urifs/pkg/xerrors"
)

func TestNormalize(t *testing.T) {
	testcases := []struct {
		in, want string
	}{
		{"/tmp/a.txt", "file:///tmp/a.txt"},
		{`C:\data\in.csv`, "file:///C:/data/in.csv"},
		{"c:/data", "file:///c:/data"},
		{"/with space/x", "file:///with%20space/x"},
		{"ftp://host/dir/", "ftp://host/dir/"},
		{"relative/path", "relative/path"},
		{"//server/share", "file://server/share"},
	}
	for _, tc := range testcases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "file", Scheme("file:///a"))
	assert.Equal(t, "s3", Scheme("S3://bucket/key"))
	assert.Equal(t, "sftp", Scheme("sftp://u@h/p"))
	assert.Equal(t, "", Scheme("a/b:c"))
	assert.Equal(t, "", Scheme("C:/x"))
	assert.Equal(t, "", Scheme("plain"))
	assert.Equal(t, "zip+file", Scheme("zip+file:///a.zip"))
}

func TestParseMulti(t *testing.T) {
	u, err := Parse("/a/x.txt;/b/*.txt ; ftp://h/c")
	require.NoError(t, err)
	require.False(t, u.IsSingle())

	parts := u.Split()
	require.Len(t, parts, 3)
	assert.Equal(t, "file:///a/x.txt", parts[0].Path())
	assert.Equal(t, "file:///b/*.txt", parts[1].Path())
	assert.Equal(t, "ftp://h/c", parts[2].Path())
	assert.Equal(t, "ftp", parts[2].Scheme())
}

func TestParseQuoted(t *testing.T) {
	u, err := Parse("'/a/odd;name*.txt';/b")
	require.NoError(t, err)
	parts := u.Split()
	require.Len(t, parts, 2)
	assert.True(t, parts[0].IsQuoted())
	assert.Equal(t, "file:///a/odd;name*.txt", parts[0].Path())
	assert.Equal(t, "'file:///a/odd;name*.txt'", parts[0].String())
	assert.False(t, parts[1].IsQuoted())
}

func TestParseCustomSeparator(t *testing.T) {
	p := Parser{Separator: regexp.MustCompile(`[,|]`)}
	u, err := p.Parse("/a,/b|/c;d")
	require.NoError(t, err)
	parts := u.Split()
	require.Len(t, parts, 3)
	assert.Equal(t, "file:///c;d", parts[2].Path())
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(" ; ")
	require.Error(t, err)
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))

	_, err = ParseSingle("/a;/b")
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestAbsolute(t *testing.T) {
	cwd, _ := url.Parse("file:///home/u/")
	s, err := ParseSingle("data/in.txt")
	require.NoError(t, err)
	require.True(t, s.IsRelative())
	assert.Equal(t, "file:///home/u/data/in.txt", s.AbsoluteSingle(cwd).Path())

	ctxURL, _ := url.Parse("ftp://user@host/base/file.txt")
	s = s.WithContext(ctxURL)
	assert.Equal(t, "ftp://user@host/base/data/in.txt", s.AbsoluteSingle(cwd).Path())

	up, err := ParseSingle("../x/")
	require.NoError(t, err)
	assert.Equal(t, "file:///home/x/", up.AbsoluteSingle(cwd).Path())

	abs, _ := ParseSingle("/etc/hosts")
	assert.Equal(t, abs, abs.AbsoluteSingle(cwd))

	m := MustParse("a;/b").Absolute(cwd).Split()
	assert.Equal(t, "file:///home/u/a", m[0].Path())
	assert.Equal(t, "file:///b", m[1].Path())
}

func TestURLHelpers(t *testing.T) {
	s, _ := ParseSingle("/t/with space/")
	u, err := s.URL()
	require.NoError(t, err)
	assert.Equal(t, "/t/with space/", u.Path)

	child := Child(u, "f.txt")
	assert.Equal(t, "file:///t/with%20space/f.txt", child.String())
	assert.Equal(t, "f.txt", Name(child))
	assert.Equal(t, "with space", Name(u))
	assert.Equal(t, "/t/with space/", Parent(child).Path)
	assert.Equal(t, "/t/", Parent(u).Path)
	assert.Nil(t, Parent(&url.URL{Scheme: "file", Path: "/"}))

	assert.True(t, SameLocation(u, WithoutTrailingSlash(u)))
	assert.True(t, IsAncestor(u, child))
	assert.False(t, IsAncestor(child, u))
	assert.False(t, IsAncestor(u, u))

	root := &url.URL{Scheme: "file", Path: "/"}
	assert.True(t, IsAncestor(root, child))

	sib, _ := url.Parse("file:///t/with%20spaceX/f")
	assert.False(t, IsAncestor(u, sib))

	_, err = MustParse("rel").(Single).URL()
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

package result

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func u(s string) *url.URL {
	parsed, _ := url.Parse(s)
	return parsed
}

func TestResultAggregation(t *testing.T) {
	r := New[*url.URL]()
	assert.True(t, r.Success())
	assert.NoError(t, r.FirstError())

	boom := errors.New("boom")
	r.AddTarget(u("mem:///a"), u("mem:///b"), u("mem:///b"))
	r.AddTargetError(u("mem:///c"), u("mem:///d"), boom)
	r.Add(u("mem:///e"), u("mem:///e"))

	assert.False(t, r.Success())
	assert.Equal(t, boom, r.FirstError())
	assert.Nil(t, r.Fatal())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 1, r.FailureCount())
	assert.Len(t, r.Values(), 2)
	assert.Equal(t, []error{boom}, r.Errors())
	assert.Equal(t, "/d", r.Entries()[1].Target.Path)
}

func TestFatal(t *testing.T) {
	fatal := errors.New("fatal")
	r := Fail[struct{}](fatal)
	r.AddError(u("mem:///x"), errors.New("later"))

	assert.False(t, r.Success())
	assert.Equal(t, fatal, r.FirstError())
	assert.Equal(t, 2, r.FailureCount())
	assert.Len(t, r.Errors(), 2)
	assert.Empty(t, r.Values())
}

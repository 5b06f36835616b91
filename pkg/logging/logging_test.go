package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "warn", FormatJSON)
	require.NoError(t, err)

	l.Info().Msg("hidden")
	l.Warn().Str("uri", "mem:///a").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"uri":"mem:///a"`)
	assert.Contains(t, out, `"level":"warn"`)
}

func TestNewBadLevel(t *testing.T) {
	_, err := New(nil, "loud", FormatJSON)
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "debug", FormatJSON)
	require.NoError(t, err)

	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Debug().Msg("from ctx")
	assert.Contains(t, buf.String(), "from ctx")

	fallback, _ := New(&buf, "info", FormatJSON)
	assert.Same(t, &fallback, Or(context.Background(), &fallback))
	assert.NotSame(t, &fallback, Or(ctx, &fallback))
}

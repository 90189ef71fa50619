package log

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"error", "error", false},
		{"WARNING", "warn", false},
		{"", "info", false},
		{"debug", "debug", false},
		{"trace", "trace", false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := parseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLogCtxIncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	ctx := WithRequestID(context.Background(), "req-123")
	LogInfoCtx(ctx, "test", "hello", map[string]any{"subject": "u1"})

	out := buf.String()
	assert.Contains(t, out, "req-123")
	assert.Contains(t, out, "component=test")
	assert.Contains(t, out, "subject=u1")
	assert.Equal(t, "req-123", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}

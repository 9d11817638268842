package panicerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafe(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		fn      func() error
		wantErr string
	}{
		{name: "ok", fn: func() error { return nil }},
		{name: "error", fn: func() error { return boom }, wantErr: "boom"},
		{name: "panic", fn: func() error { panic("kaboom") }, wantErr: "kaboom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Safe(tt.fn)()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSafeContextPassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	err := SafeContext(func(ctx context.Context) error {
		assert.Equal(t, "v", ctx.Value(key{}))
		var m map[string]int
		m["x"] = 1
		return nil
	})(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assignment to entry in nil map")
}

func TestGo(t *testing.T) {
	done := make(chan struct{})
	Go("test", func() error {
		defer close(done)
		panic("kaboom")
	})
	<-done
}

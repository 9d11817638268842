package clog

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
)

type ctxAttrs struct {
	mu    sync.RWMutex
	attrs map[string]any
}

type ctxAttrsKey struct{}

// ContextWithSlog returns a context that collects attributes for the
// records logged with it. Nested calls reuse the outer collector.
func ContextWithSlog(ctx context.Context) context.Context {
	if _, ok := ctx.Value(ctxAttrsKey{}).(*ctxAttrs); ok {
		return ctx
	}
	return context.WithValue(ctx, ctxAttrsKey{}, &ctxAttrs{attrs: make(map[string]any)})
}

func AddAttribute(ctx context.Context, key string, value any) {
	c, ok := ctx.Value(ctxAttrsKey{}).(*ctxAttrs)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = value
}

func AddAttributes(ctx context.Context, attributes map[string]any) {
	c, ok := ctx.Value(ctxAttrsKey{}).(*ctxAttrs)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.attrs, attributes)
}

func GetAttribute[T any](ctx context.Context, key string) T {
	var zero T
	c, ok := ctx.Value(ctxAttrsKey{}).(*ctxAttrs)
	if !ok {
		return zero
	}
	c.mu.RLock()
	v, ok := c.attrs[key]
	c.mu.RUnlock()
	if !ok {
		return zero
	}
	t, ok := v.(T)
	if !ok {
		return zero
	}
	return t
}

const (
	ErrorAttributeKey = "error.message"
	StackAttributeKey = "error.stack"
)

func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err)
}

func GetError(ctx context.Context) error {
	return GetAttribute[error](ctx, ErrorAttributeKey)
}

func AddStack(ctx context.Context, stack string) {
	AddAttribute(ctx, StackAttributeKey, stack)
}

// Attrs returns the collected attributes sorted by key.
func Attrs(ctx context.Context) []slog.Attr {
	c, ok := ctx.Value(ctxAttrsKey{}).(*ctxAttrs)
	if !ok {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, c.attrs[k]))
	}
	return out
}

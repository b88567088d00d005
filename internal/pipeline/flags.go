package pipeline

import "context"

// FlagFunc adapts a lookup function, such as Store.FlagEnabled, to FlagReader.
type FlagFunc func(ctx context.Context, key string) (bool, error)

func (f FlagFunc) Enabled(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

// StaticFlags is a FlagReader over a fixed set of values. Unknown keys are off.
type StaticFlags map[string]bool

func (s StaticFlags) Enabled(_ context.Context, key string) (bool, error) {
	return s[key], nil
}

package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// BestEffort runs fn and reports whether it succeeded. Errors and panics are
// logged, never returned.
func BestEffort(ctx context.Context, name string, fn func(ctx context.Context) error) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn().Str("call", name).Str("panic", fmt.Sprint(p)).Msg("best-effort call panicked")
			ok = false
		}
	}()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("call", name).Msg("best-effort call failed")
		return false
	}
	return true
}

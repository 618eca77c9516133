package resilience

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/castmatch/pkg/fn"
)

// NewLimiter returns a token bucket allowing perSecond events with the given
// burst. perSecond <= 0 disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}

// LimitStage waits for a token before each call to stage. A nil limiter
// passes calls straight through.
func LimitStage[In, Out any](l *rate.Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if l != nil {
			if err := l.Wait(ctx); err != nil {
				return fn.Err[Out](err)
			}
		}
		return stage(ctx, in)
	}
}

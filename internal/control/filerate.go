package control

import (
	"context"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// FileMetaLimiter enforces the 5-file_meta-per-60s rolling window cap
// (spec §4.6) per username. Grounded on the domain stack's rate-limiting
// library rather than a hand-rolled counter, since the rest of the pack
// (RoseWrightdev-Video-Conferencing) reaches for ulule/limiter for exactly
// this kind of per-principal rolling window.
type FileMetaLimiter struct {
	lim *limiter.Limiter
}

// NewFileMetaLimiter builds a limiter allowing limit file_meta frames per
// window, per username.
func NewFileMetaLimiter(limit int64, window time.Duration) *FileMetaLimiter {
	store := memory.NewStore()
	rate := limiter.Rate{Period: window, Limit: limit}
	return &FileMetaLimiter{lim: limiter.New(store, rate)}
}

// Allow reports whether username may send another file_meta frame right
// now, consuming one unit of its window if so.
func (f *FileMetaLimiter) Allow(ctx context.Context, username string) bool {
	ctxRate, err := f.lim.Get(ctx, "file_meta:"+username)
	if err != nil {
		return true // fail open: a limiter outage must not block chat/relay
	}
	return !ctxRate.Reached
}

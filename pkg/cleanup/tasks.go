package cleanup

import (
	"context"
	"time"

	"github.com/vikashloomba/mcphub-go/pkg/httpkit"
	"github.com/vikashloomba/mcphub-go/pkg/installer"
	"github.com/vikashloomba/mcphub-go/pkg/ratelimit"
	"github.com/vikashloomba/mcphub-go/pkg/store"
)

// IdleConnections releases idle keep-alive connections held by pool. The
// transport does not say how many it closed, so nothing is counted as
// removed.
func IdleConnections(pool *httpkit.Pool) Task {
	return Task{Name: "idle_connections", Run: func(context.Context) (int, error) {
		pool.CloseIdleConnections()
		return 0, nil
	}}
}

// RateLimitBuckets drops rate-limit buckets unused for maxIdle.
func RateLimitBuckets(l *ratelimit.Limiter, maxIdle time.Duration) Task {
	return Task{Name: "ratelimit_buckets", Run: func(context.Context) (int, error) {
		return l.Purge(maxIdle), nil
	}}
}

// PendingAuthorizations deletes OAuth handshakes older than maxAge.
func PendingAuthorizations(st *store.Store, maxAge time.Duration) Task {
	return Task{Name: "pending_authorizations", Run: func(ctx context.Context) (int, error) {
		n, err := st.PrunePendingAuthorizations(ctx, maxAge)
		return int(n), err
	}}
}

// Installations purges finished installation records past retention.
func Installations(in *installer.Installer) Task {
	return Task{Name: "installations", Run: func(context.Context) (int, error) {
		return in.PurgeExpired(), nil
	}}
}

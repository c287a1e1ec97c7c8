package coordinator

import (
	"context"
	"runtime"
	"time"
)

// readCache returns a previously-cached GET /jobs/{id} response body for a
// terminal job, if the optional Redis warm read cache is wired and holds an
// entry.
func (c *Coordinator) readCache(ctx context.Context, jobID string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	val, err := c.cache.Get(ctx, cacheKey(jobID)).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *Coordinator) writeCache(ctx context.Context, jobID string, body []byte) {
	if c.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := c.cache.Set(ctx, cacheKey(jobID), body, c.cacheTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("warm cache write failed")
	}
}

// invalidateCache drops a cached GET /jobs/{id} response when the job
// transitions to a terminal state, since the cached body predates that status
// and any integrity report CompleteJob attaches.
func (c *Coordinator) invalidateCache(jobID string) {
	if c.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.cache.Del(ctx, cacheKey(jobID)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("warm cache invalidation failed")
	}
}

func cacheKey(jobID string) string {
	return "jobhub:job:" + jobID
}

type runtimeMemStats struct {
	allocBytes uint64
}

func (m *runtimeMemStats) read() {
	var s runtime.MemStats
	runtime.ReadMemStats(&s)
	m.allocBytes = s.Alloc
}

package lens

import (
	"context"
	"crypto/sha1"
	"strings"
)

type runLimiter struct {
	limit int
	c     chan struct{}
}

// RunLimiter restricts the number of scripts executing concurrently.
type RunLimiter interface {
	// Acquire blocks until capacity is available or the context is done.
	Acquire(ctx context.Context) error
	// Release should be invoked (typically in defer) once the activity following a successful Acquire completed.
	Release()
	// Join blocks until all activities have completed. Acquire must not be invoked once Join was called.
	Join()
}

// NewRunLimiter creates a RunLimiter allowing limit concurrent activities.
func NewRunLimiter(limit int) RunLimiter {
	limit = max(limit, 1)
	c := make(chan struct{}, limit)
	for i := 0; i < limit; i++ {
		c <- struct{}{}
	}
	return &runLimiter{
		limit: limit,
		c:     c,
	}
}

func (l *runLimiter) Acquire(ctx context.Context) error {
	select {
	case <-l.c:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (l *runLimiter) Release() {
	l.c <- struct{}{}
}

func (l *runLimiter) Join() {
	for i := 0; i < l.limit; i++ {
		<-l.c // take all capacity to ensure all have finished
	}
}

func limitStringLines(s string, count int, head bool) string {
	lines := strings.Split(s, "\n")
	if len(lines) > count {
		if head {
			lines = lines[:count]
		} else {
			lines = lines[len(lines)-count:]
		}
		return strings.Join(lines, "\n")
	} else {
		return s
	}
}

// stringKey provides a minimum string to be used for internal logic as a key. The string is NOT valid UTF-8, expected
// to only be used for internal comparisons and never provided externally.
func stringKey(str string) string {
	if len(str) <= 20 { // 20 is the byte size of sha1, if at or below that just use the raw string
		return str
	}
	return bytesKey([]byte(str))
}

// bytesKey provides a minimum string to be used for internal logic as a key. The string is NOT valid UTF-8, expected
// to only be used for internal comparisons and never provided externally.
func bytesKey(b []byte) string {
	if len(b) <= 20 { // 20 is the byte size of sha1, if at or below that just use the raw string
		return string(b)
	}
	sha := sha1.Sum(b)
	return string(sha[:])
}

package relay

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// ErrTooManyConnections is returned by Limiter.Acquire when a source already
// holds its maximum number of sessions.
var ErrTooManyConnections = errors.New("too many connections from this address")

// Limiter caps concurrent sessions per source address. Counts are released
// by the func returned from Acquire, and sources with no sessions are
// dropped from the map so it stays bounded by the number of live sessions.
type Limiter struct {
	mu     sync.Mutex
	max    int
	active map[string]int
}

func NewLimiter(max int) *Limiter {
	return &Limiter{
		max:    max,
		active: make(map[string]int),
	}
}

// Acquire reserves a slot for source. The returned release func is
// idempotent. A max of zero or less disables the cap.
func (l *Limiter) Acquire(source string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.active[source] >= l.max {
		return nil, errors.WithStack(ErrTooManyConnections)
	}
	l.active[source]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.active[source] <= 1 {
				delete(l.active, source)
			} else {
				l.active[source]--
			}
		})
	}, nil
}

// Active returns the number of sessions currently held by source.
func (l *Limiter) Active(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[source]
}

// Source returns the key a remote address is counted under: its IP without
// the port.
func Source(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

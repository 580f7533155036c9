package recall

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
)

// DefaultMaxRetries caps redispatches after worker rejections.
const DefaultMaxRetries = 3

// ErrNoWorkers is returned when no worker address is known at all.
var ErrNoWorkers = errors.New("no workers available")

// Selector picks a worker for an instance, avoiding exclude when possible.
type Selector interface {
	Select(ctx context.Context, exclude string) (string, error)
}

// Policy bounds redispatch and delegates worker choice to a Selector.
type Policy struct {
	MaxRetries int
	Selector   Selector
}

// NewPolicy returns a Policy. A negative maxRetries means the default.
func NewPolicy(maxRetries int, sel Selector) *Policy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Policy{MaxRetries: maxRetries, Selector: sel}
}

// Exhausted reports whether retryCount is already past the cap.
func (p *Policy) Exhausted(retryCount int) bool {
	return retryCount > p.MaxRetries
}

// NextWorker returns the redispatch target.
func (p *Policy) NextWorker(ctx context.Context, exclude string) (string, error) {
	return p.Selector.Select(ctx, exclude)
}

// WorkerSource lists candidate worker addresses.
type WorkerSource interface {
	Workers() []string
}

// StaticWorkers is a fixed address list, typically from config.
type StaticWorkers []string

func (s StaticWorkers) Workers() []string { return s }

// RoundRobinSelector rotates over the union of its sources. If the excluded
// worker is the only candidate it is returned anyway, so a lone worker gets
// the task back instead of stranding it.
type RoundRobinSelector struct {
	sources []WorkerSource
	next    atomic.Uint64
}

// NewRoundRobinSelector combines sources; later duplicates are dropped.
func NewRoundRobinSelector(sources ...WorkerSource) *RoundRobinSelector {
	return &RoundRobinSelector{sources: sources}
}

func (s *RoundRobinSelector) candidates() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, src := range s.sources {
		for _, addr := range src.Workers() {
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func (s *RoundRobinSelector) Select(ctx context.Context, exclude string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	all := s.candidates()
	if len(all) == 0 {
		return "", ErrNoWorkers
	}
	pool := all
	if exclude != "" {
		pool = make([]string, 0, len(all))
		for _, addr := range all {
			if addr != exclude {
				pool = append(pool, addr)
			}
		}
		if len(pool) == 0 {
			return exclude, nil
		}
	}
	i := s.next.Add(1) - 1
	return pool[i%uint64(len(pool))], nil
}

package fetch

import (
	"fmt"
	"runtime"
	"time"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
	"github.com/noah-vh/bylaw-mgmt-sub000/internal/metrics"
)

const mib = 1 << 20

// ResourceLimits bounds what a single fetcher may consume.
type ResourceLimits struct {
	MaxConcurrentRequests int
	MaxMemoryMB           int
	RequestTimeout        time.Duration
	MaxRequestsPerSecond  float64
	MaxResponseSizeMB     int
}

// DefaultResourceLimits mirrors the config defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxConcurrentRequests: 5,
		MaxMemoryMB:           1024,
		RequestTimeout:        30 * time.Second,
		MaxRequestsPerSecond:  2,
		MaxResponseSizeMB:     50,
	}
}

// Validate rejects limits the fetcher cannot honour.
func (l ResourceLimits) Validate() error {
	if l.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max concurrent requests must be > 0")
	}
	if l.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0")
	}
	if l.MaxResponseSizeMB <= 0 {
		return fmt.Errorf("max response size must be > 0")
	}
	if l.MaxMemoryMB < 0 || l.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("memory and rate limits must be >= 0")
	}
	return nil
}

// MaxResponseBytes converts MaxResponseSizeMB to bytes.
func (l ResourceLimits) MaxResponseBytes() int64 {
	return int64(l.MaxResponseSizeMB) * mib
}

// memoryGuard refuses work while heap usage is above the limit after a
// forced collection. A zero limit disables it.
type memoryGuard struct {
	limitBytes uint64
	heapInUse  func() uint64
	collect    func()
}

func newMemoryGuard(limitMB int) memoryGuard {
	return memoryGuard{
		limitBytes: uint64(max(limitMB, 0)) * mib,
		heapInUse:  readHeapAlloc,
		collect:    runtime.GC,
	}
}

func (g memoryGuard) check() error {
	if g.limitBytes == 0 {
		return nil
	}
	if g.heapInUse() <= g.limitBytes {
		return nil
	}
	g.collect()
	used := g.heapInUse()
	if used <= g.limitBytes {
		return nil
	}
	metrics.ObserveGuardTrip("memory")
	return fmt.Errorf("%w: heap %d MiB over limit %d MiB", crawler.ErrResourceExceeded, used/mib, g.limitBytes/mib)
}

func readHeapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

package job

import (
	"sync"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

// stateBox lets the runner read a job's state while its worker mutates it.
type stateBox struct {
	mu    sync.Mutex
	state crawler.JobState
}

func (b *stateBox) get() crawler.JobState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *stateBox) set(s crawler.JobState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return
	}
	b.state = s
}

// transition moves from -> to and reports whether it happened.
func (b *stateBox) transition(from, to crawler.JobState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != from {
		return false
	}
	b.state = to
	return true
}

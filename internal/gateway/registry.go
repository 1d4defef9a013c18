package gateway

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/relay"
)

var (
	errDraining      = errors.New("gateway: draining")
	errDuplicateCall = errors.New("gateway: call id already in use")
)

// SessionInfo is a point-in-time view of one live call.
type SessionInfo struct {
	ID        string      `json:"id"`
	State     relay.State `json:"state"`
	StartedAt time.Time   `json:"started_at"`
	// Endpoint is the AI endpoint that answered; empty while connecting.
	Endpoint string `json:"endpoint,omitempty"`
}

// registry tracks live calls for diagnostics and shutdown. It is the only
// state shared between calls.
type registry struct {
	mu       sync.Mutex
	calls    map[string]*call
	draining bool
	wg       sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{calls: make(map[string]*call)}
}

// add registers c. It fails once draining has started or when c's ID is
// already live.
func (r *registry) add(c *call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return errDraining
	}
	if _, ok := r.calls[c.id]; ok {
		return errDuplicateCall
	}
	r.calls[c.id] = c
	r.wg.Add(1)
	return nil
}

func (r *registry) remove(c *call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[c.id] == c {
		delete(r.calls, c.id)
		r.wg.Done()
	}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *registry) isDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// snapshot returns all live calls, oldest first.
func (r *registry) snapshot() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.info())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// drain stops admission and cancels every live call.
func (r *registry) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
	for _, c := range r.calls {
		c.cancel()
	}
}

// wait blocks until every registered call has been removed.
func (r *registry) wait() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	return done
}

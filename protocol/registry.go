package protocol

import (
	"sync"
	"time"
)

// pendingRequest tracks one in-flight execute awaiting its idle broadcast.
// Output chunks and the final completion both land on the same channel;
// the done flag guarantees nothing is sent after the channel closes.
type pendingRequest struct {
	mu    sync.Mutex
	ch    chan ExecChunk
	done  bool
	timer *time.Timer // owned by the registry; stopped on removal
}

// newPendingRequest wraps a buffered chunk channel. The channel must have
// capacity of at least two: deliver keeps the last slot in reserve so
// complete can always send the final chunk without blocking.
func newPendingRequest(ch chan ExecChunk) *pendingRequest {
	return &pendingRequest{ch: ch}
}

// deliver feeds one output chunk to the consumer. Chunks are dropped when
// the consumer stops draining rather than blocking the receive loop, which
// also serves status broadcasts and other in-flight requests.
func (p *pendingRequest) deliver(chunk ExecChunk) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	if len(p.ch) >= cap(p.ch)-1 {
		return false
	}
	p.ch <- chunk
	return true
}

// complete sends the final chunk and closes the channel. Safe to call more
// than once; only the first call delivers.
func (p *pendingRequest) complete(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.ch <- ExecChunk{Done: true, Error: err}
	close(p.ch)
}

// pendingRegistry correlates iopub broadcasts back to in-flight requests
// by parent msg_id. An entry leaves the registry exactly once (idle
// match, timeout, send failure, or disconnect) and its timer is stopped
// on the way out.
type pendingRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{entries: make(map[string]*pendingRequest)}
}

// add registers a request under its msg_id and arms its timeout. The timer
// is created under the lock so remove never observes a half-set entry.
func (r *pendingRegistry) add(msgID string, req *pendingRequest, timeout time.Duration, onTimeout func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, onTimeout)
	}
	r.entries[msgID] = req
}

// lookup returns the entry for msgID without removing it.
func (r *pendingRegistry) lookup(msgID string) (*pendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.entries[msgID]
	return req, ok
}

// remove takes the entry out of the registry and stops its timer.
// Returns false when the entry was already removed, so the idle match and
// the timeout path cannot both resolve the same request.
func (r *pendingRegistry) remove(msgID string) (*pendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.entries[msgID]
	if !ok {
		return nil, false
	}
	delete(r.entries, msgID)
	if req.timer != nil {
		req.timer.Stop()
	}
	return req, true
}

// drain removes and returns every entry, stopping all timers.
func (r *pendingRegistry) drain() []*pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	reqs := make([]*pendingRequest, 0, len(r.entries))
	for id, req := range r.entries {
		delete(r.entries, id)
		if req.timer != nil {
			req.timer.Stop()
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// size returns the number of in-flight requests.
func (r *pendingRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/toolweave/internal/mcp/jsonrpc"
)

// reply is delivered to a waiting caller: either a decoded response or the
// error that ended the session.
type reply struct {
	msg *jsonrpc.Message
	err error
}

// pendingCall is one in-flight request awaiting its response.
type pendingCall struct {
	method    string
	createdAt time.Time
	ch        chan reply
}

// pendingTable correlates responses to in-flight requests by ID. Entries are
// removed on response, timeout, cancellation or session failure, so the table
// never grows beyond the number of concurrently waiting callers.
type pendingTable struct {
	mu    sync.Mutex
	calls map[int64]*pendingCall

	// idle holds channels closed the next time the table becomes empty.
	idle []chan struct{}
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// add registers id and returns the channel its reply will arrive on.
func (p *pendingTable) add(id int64, method string) (<-chan reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.calls[id]; exists {
		return nil, fmt.Errorf("session: request id %d already in flight", id)
	}
	ch := make(chan reply, 1)
	p.calls[id] = &pendingCall{method: method, createdAt: time.Now(), ch: ch}
	return ch, nil
}

// resolve delivers msg to the caller waiting on id. It reports false when no
// such caller exists (late response after eviction).
func (p *pendingTable) resolve(id int64, msg *jsonrpc.Message) bool {
	p.mu.Lock()
	call, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
		p.notifyIdle()
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	call.ch <- reply{msg: msg}
	return true
}

// remove evicts id. It returns the evicted call, or nil if it was already
// resolved.
func (p *pendingTable) remove(id int64) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	p.notifyIdle()
	return call
}

// failAll completes every waiting call with err and empties the table.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[int64]*pendingCall)
	p.notifyIdle()
	p.mu.Unlock()

	for _, call := range calls {
		call.ch <- reply{err: err}
	}
}

// len returns the number of in-flight calls.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// drained returns a channel that is closed once no call is in flight. It is
// already closed when the table is empty.
func (p *pendingTable) drained() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	if len(p.calls) == 0 {
		close(ch)
		return ch
	}
	p.idle = append(p.idle, ch)
	return ch
}

// notifyIdle releases drained waiters if the table is empty. Callers hold
// p.mu.
func (p *pendingTable) notifyIdle() {
	if len(p.calls) > 0 {
		return
	}
	for _, ch := range p.idle {
		close(ch)
	}
	p.idle = nil
}

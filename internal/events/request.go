package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds service round trips.
const DefaultRequestTimeout = 15 * time.Second

// ErrRequestTimeout is returned when no reply arrives in time.
var ErrRequestTimeout = errors.New("events: request timed out")

const (
	typeRequest  = "request"
	typeResponse = "response"
)

// RequestEnvelope is the wire shape of a correlated request.
type RequestEnvelope struct {
	RequestID string `json:"requestId"`
	Event     Event  `json:"event"`
}

// ResponseEnvelope is the wire shape of a correlated reply.
type ResponseEnvelope struct {
	ResponseID string `json:"responseId"`
	Error      string `json:"error,omitempty"`
	Data       any    `json:"data,omitempty"`
}

type pendingRequest struct {
	ch    chan ResponseEnvelope
	timer *time.Timer
}

// RequestNode layers request/response correlation on top of two emitters:
// requests go out on `out`, replies come back in on `in`. Each request gets
// a correlation id and a timeout; the timeout fires exactly once and a
// reply arriving after it is logged and dropped, never double-settled.
type RequestNode struct {
	out     *Emitter
	in      *Emitter
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewRequestNode wires a node onto the given emitters. timeout <= 0 selects
// DefaultRequestTimeout.
func NewRequestNode(out, in *Emitter, timeout time.Duration, log *slog.Logger) *RequestNode {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	n := &RequestNode{
		out:     out,
		in:      in,
		timeout: timeout,
		log:     log,
		pending: make(map[string]*pendingRequest),
	}
	n.in.On(typeResponse, n.handleResponse)
	return n
}

// Request emits ev as a correlated request and blocks until the matching
// reply, the timeout, or ctx cancellation.
func (n *RequestNode) Request(ctx context.Context, ev Event) (any, error) {
	id := uuid.NewString()
	p := &pendingRequest{ch: make(chan ResponseEnvelope, 1)}

	n.mu.Lock()
	n.pending[id] = p
	p.timer = time.AfterFunc(n.timeout, func() { n.expire(id) })
	n.mu.Unlock()

	n.out.Emit(Event{Type: typeRequest, Data: RequestEnvelope{RequestID: id, Event: ev}})

	select {
	case resp := <-p.ch:
		if resp.Error == ErrRequestTimeout.Error() {
			return nil, ErrRequestTimeout
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		n.cancel(id)
		return nil, ctx.Err()
	}
}

// Respond settles the pending request with the given id. Used by the side
// that services requests.
func (n *RequestNode) Respond(id string, data any, err error) {
	resp := ResponseEnvelope{ResponseID: id, Data: data}
	if err != nil {
		resp.Error = err.Error()
	}
	n.in.Emit(Event{Type: typeResponse, Data: resp})
}

func (n *RequestNode) handleResponse(ev Event) {
	var resp ResponseEnvelope
	if env, ok := ev.Data.(ResponseEnvelope); ok {
		resp = env
	} else if err := ev.DecodeData(&resp); err != nil {
		n.log.Warn("malformed response envelope", "err", err)
		return
	}

	n.mu.Lock()
	p, ok := n.pending[resp.ResponseID]
	if ok {
		delete(n.pending, resp.ResponseID)
	}
	n.mu.Unlock()
	if !ok {
		// Late or unknown reply; the request already timed out or was
		// cancelled. Dropping it keeps settlement exactly-once.
		n.log.Info("dropping late response", "responseId", resp.ResponseID)
		return
	}
	p.timer.Stop()
	p.ch <- resp
}

func (n *RequestNode) expire(id string) {
	n.mu.Lock()
	p, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	p.ch <- ResponseEnvelope{ResponseID: id, Error: ErrRequestTimeout.Error()}
}

func (n *RequestNode) cancel(id string) {
	n.mu.Lock()
	p, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// PendingCount reports requests still waiting on a reply.
func (n *RequestNode) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

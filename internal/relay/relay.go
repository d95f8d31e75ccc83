// Package relay bridges a room's live session to an external media-relay
// subprocess. The wire is line-delimited JSON envelopes over the child's
// stdio; control operations are correlated request/response, media signals
// are fire-and-forget.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/room"
)

// Operations spoken to the relay process.
const (
	opAddUser    = "add-user"
	opRemoveUser = "remove-user"
	opSetSource  = "set-source"
	opSignal     = "signal"
)

// Process is one live relay child. It satisfies room.Relay.
type Process struct {
	roomID string
	node   *events.RequestNode
	in     *events.Emitter
	log    *slog.Logger
	kill   func()

	mu       sync.Mutex
	w        io.WriteCloser
	closed   bool
	onClosed []func()
}

// Spawn launches the relay command for one room and wires its stdio.
func Spawn(command string, args []string, roomID string, timeout time.Duration, log *slog.Logger) (*Process, error) {
	cmd := exec.Command(command, append(args, "--room", roomID)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("relay stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("relay stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("relay stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("relay start: %w", err)
	}

	p := newProcess(roomID, stdin, stdout, timeout, log, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	go p.drainStderr(stderr)
	go func() {
		// Reap the child once the read loop has seen EOF.
		_ = cmd.Wait()
	}()
	return p, nil
}

// newProcess wires the envelope plumbing over an arbitrary stream pair.
// Split out from Spawn so the protocol is testable without a child process.
func newProcess(roomID string, w io.WriteCloser, r io.Reader, timeout time.Duration, log *slog.Logger, kill func()) *Process {
	p := &Process{
		roomID: roomID,
		w:      w,
		log:    log.With("component", "relay", "room", roomID),
		kill:   kill,
	}
	out := events.NewEmitter(p.writeEvent)
	p.in = events.NewEmitter(func(ev events.Event) {
		p.log.Debug("unhandled relay event", "type", ev.Type)
	})
	p.node = events.NewRequestNode(out, p.in, timeout, p.log)

	go p.readLoop(r)
	return p
}

func (p *Process) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			p.log.Warn("malformed relay frame", "err", err)
			continue
		}
		p.in.Emit(ev)
	}
	p.markClosed()
}

func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.log.Info("relay stderr", "line", scanner.Text())
	}
}

// writeEvent is the outbound sink: one JSON envelope per line.
func (p *Process) writeEvent(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("relay marshal failed", "type", ev.Type, "err", err)
		return
	}
	buf = append(buf, '\n')
	if _, err := p.w.Write(buf); err != nil {
		p.log.Warn("relay write failed", "err", err)
	}
}

func (p *Process) request(ctx context.Context, ev events.Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("relay %s: process gone", p.roomID)
	}
	_, err := p.node.Request(ctx, ev)
	return err
}

func (p *Process) AddUser(ctx context.Context, userID string) error {
	return p.request(ctx, events.New(opAddUser, map[string]any{"userId": userID}))
}

func (p *Process) RemoveUser(ctx context.Context, userID string) error {
	return p.request(ctx, events.New(opRemoveUser, map[string]any{"userId": userID}))
}

func (p *Process) SetSource(ctx context.Context, userID string) error {
	return p.request(ctx, events.New(opSetSource, map[string]any{"userId": userID}))
}

// HandleSignal forwards a media signal without waiting for an answer; the
// relay replies, if at all, over its own event stream.
func (p *Process) HandleSignal(_ context.Context, userID string, payload any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("relay %s: process gone", p.roomID)
	}
	p.writeEvent(events.New(opSignal, map[string]any{
		"userId": userID,
		"data":   payload,
	}))
	return nil
}

// OnClosed registers a death notification. A hook added after the process
// already died runs immediately.
func (p *Process) OnClosed(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClosed = append(p.onClosed, fn)
	p.mu.Unlock()
}

func (p *Process) markClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	hooks := p.onClosed
	p.onClosed = nil
	w := p.w
	p.mu.Unlock()

	_ = w.Close()
	if p.kill != nil {
		p.kill()
	}
	for _, fn := range hooks {
		fn()
	}
	p.log.Info("relay closed")
}

// Close tears the child down. Idempotent.
func (p *Process) Close() {
	p.markClosed()
}

var _ room.Relay = (*Process)(nil)

// NewFactory adapts a relay command line into the room.RelayFactory hook.
// An empty command disables media relaying entirely.
func NewFactory(command string, args []string, timing config.Timing, log *slog.Logger) room.RelayFactory {
	if command == "" {
		return nil
	}
	return func(roomID string) (room.Relay, error) {
		return Spawn(command, args, roomID, timing.Request, log)
	}
}

package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

// fakeChild plays the relay process over an in-memory pipe pair: it reads
// request envelopes and answers them per the reply hook.
type fakeChild struct {
	stdout *io.PipeWriter // child's write end; closing it is the child dying

	mu       sync.Mutex
	requests []events.RequestEnvelope
	signals  []events.Event
}

// startChild wires a Process against a fakeChild. reply decides each
// request's outcome; nil means never answer.
func startChild(t *testing.T, timeout time.Duration, reply func(env events.RequestEnvelope) events.ResponseEnvelope) (*Process, *fakeChild) {
	t.Helper()
	procOut, childIn := io.Pipe() // process writes -> child reads
	childOut, procIn := io.Pipe() // child writes -> process reads

	child := &fakeChild{}
	go func() {
		scanner := bufio.NewScanner(procOut)
		for scanner.Scan() {
			var ev events.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			if ev.Type != "request" {
				child.mu.Lock()
				child.signals = append(child.signals, ev)
				child.mu.Unlock()
				continue
			}
			var env events.RequestEnvelope
			if err := ev.DecodeData(&env); err != nil {
				continue
			}
			child.mu.Lock()
			child.requests = append(child.requests, env)
			child.mu.Unlock()
			if reply == nil {
				continue
			}
			resp := reply(env)
			buf, _ := json.Marshal(events.Event{Type: "response", Data: resp})
			buf = append(buf, '\n')
			if _, err := procIn.Write(buf); err != nil {
				return
			}
		}
	}()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := newProcess("room-1", childIn, childOut, timeout, log, nil)
	t.Cleanup(p.Close)
	child.stdout = procIn
	return p, child
}

func okReply(env events.RequestEnvelope) events.ResponseEnvelope {
	return events.ResponseEnvelope{ResponseID: env.RequestID}
}

func (f *fakeChild) lastRequest() (events.RequestEnvelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return events.RequestEnvelope{}, false
	}
	return f.requests[len(f.requests)-1], true
}

func (f *fakeChild) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func TestAddUserRoundTrip(t *testing.T) {
	p, child := startChild(t, time.Second, okReply)

	require.NoError(t, p.AddUser(context.Background(), "alice"))

	env, ok := child.lastRequest()
	require.True(t, ok)
	assert.Equal(t, opAddUser, env.Event.Type)
	var payload struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, env.Event.DecodeData(&payload))
	assert.Equal(t, "alice", payload.UserID)
}

func TestErrorReplySurfaces(t *testing.T) {
	p, _ := startChild(t, time.Second, func(env events.RequestEnvelope) events.ResponseEnvelope {
		return events.ResponseEnvelope{ResponseID: env.RequestID, Error: "no such session"}
	})

	err := p.SetSource(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such session")
}

func TestSilentChildTimesOut(t *testing.T) {
	p, _ := startChild(t, 50*time.Millisecond, nil)

	err := p.RemoveUser(context.Background(), "alice")
	assert.ErrorIs(t, err, events.ErrRequestTimeout)
}

func TestSignalIsFireAndForget(t *testing.T) {
	p, child := startChild(t, time.Second, okReply)

	require.NoError(t, p.HandleSignal(context.Background(), "alice", map[string]any{"sdp": "offer"}))

	require.Eventually(t, func() bool {
		return child.signalCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClosedHookFiresOnChildExit(t *testing.T) {
	p, child := startChild(t, time.Second, okReply)

	died := make(chan struct{})
	p.OnClosed(func() { close(died) })

	child.stdout.Close()

	select {
	case <-died:
	case <-time.After(time.Second):
		t.Fatal("closed hook never fired")
	}

	// Dead process refuses further work; a late hook runs immediately.
	assert.Error(t, p.AddUser(context.Background(), "bob"))
	late := false
	p.OnClosed(func() { late = true })
	assert.True(t, late)
}

func TestCloseIsIdempotent(t *testing.T) {
	p, _ := startChild(t, time.Second, okReply)

	fired := 0
	p.OnClosed(func() { fired++ })
	p.Close()
	p.Close()
	assert.Equal(t, 1, fired)
}

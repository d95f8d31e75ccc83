package room

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

// Inner event types carried inside a "live" envelope.
const (
	LiveJoin    = "join"
	LiveOpen    = "open"
	LiveLeave   = "leave"
	LivePing    = "ping"
	LivePong    = "pong"
	LiveQuality = "quality"
	LiveMode    = "mode"
	LiveSource  = "source"
	LiveSignal  = "signal"
)

// ModePresentation is the single mutually-exclusive mode lock.
const ModePresentation = "presentation"

var qualityLevels = []int{100, 75, 50, 25}

const liveLogTail = 20

type livePeer struct {
	userID    string
	pingTimer *time.Timer
	pongTimer *time.Timer
	deadTimer *time.Timer
}

// Live is the peer registry of a room's live media session. Pure mesh by
// default; in stream mode it lazily spins up the external media relay and
// elects the first joining workgroup streamer as source. Each peer runs the
// same two-tier liveness pattern as a connection: ping interval, pong
// timeout, then a full-peer timeout that removes the peer.
type Live struct {
	roomID   string
	users    *Users
	history  *Log
	timing   config.Timing
	log      *slog.Logger
	newRelay RelayFactory
	isStream bool
	worgs    WorgDirectory

	// broadcastTargets lets work rooms route live events through the chat
	// visibility predicate. Nil means the online list.
	broadcastTargets func(sourceID string) []string

	mu             sync.Mutex
	peers          map[string]*livePeer
	reAdds         map[string]bool
	mode           string
	modeOwner      string
	qualityIdx     int
	pendingImprove bool
	proxy          Relay
	sourceID       string
	closed         bool
}

func NewLive(roomID string, isStream bool, users *Users, history *Log, timing config.Timing, worgs WorgDirectory, newRelay RelayFactory, log *slog.Logger) *Live {
	return &Live{
		roomID:   roomID,
		users:    users,
		history:  history,
		timing:   timing,
		log:      log.With("room", roomID),
		newRelay: newRelay,
		isStream: isStream,
		worgs:    worgs,
		peers:    make(map[string]*livePeer),
		reAdds:   make(map[string]bool),
	}
}

// SetBroadcastTargets installs the work-room targeting hook.
func (l *Live) SetBroadcastTargets(fn func(sourceID string) []string) {
	l.mu.Lock()
	l.broadcastTargets = fn
	l.mu.Unlock()
}

func liveEvent(inner events.Event) events.Event {
	return events.Wrap(EventLive, inner)
}

// AddPeer admits a user to the live session. Re-adding a present peer is
// the reconnect race: the peer is removed, the settle delay passes, and the
// add is retried, guarded against overlapping re-adds.
func (l *Live) AddPeer(userID string) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if _, present := l.peers[userID]; present {
		if l.reAdds[userID] {
			l.mu.Unlock()
			return true
		}
		l.reAdds[userID] = true
		l.mu.Unlock()
		l.RemovePeer(userID)
		time.AfterFunc(l.timing.LiveReAddSettle, func() {
			l.mu.Lock()
			delete(l.reAdds, userID)
			l.mu.Unlock()
			l.AddPeer(userID)
		})
		return true
	}

	p := &livePeer{userID: userID}
	l.peers[userID] = p
	needProxy := l.isStream && l.proxy == nil && l.newRelay != nil
	l.mu.Unlock()

	if needProxy {
		l.spawnProxy()
	}
	l.electSource(userID)

	l.mu.Lock()
	proxy := l.proxy
	l.mu.Unlock()
	if proxy != nil {
		if err := proxy.AddUser(context.Background(), userID); err != nil {
			l.log.Warn("relay add_user failed", "user", userID, "err", err)
		}
	}

	l.broadcast(liveEvent(events.New(LiveJoin, map[string]any{"peerId": userID})), userID)
	l.sendOpen(userID)
	l.schedulePing(userID)
	l.updateQuality()
	return true
}

// RemovePeer drops a user from the live session.
func (l *Live) RemovePeer(userID string) {
	l.mu.Lock()
	p, ok := l.peers[userID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.peers, userID)
	stopPeerTimers(p)
	wasSource := l.sourceID == userID
	if wasSource {
		l.sourceID = ""
	}
	if l.modeOwner == userID {
		l.modeOwner = ""
		l.mode = ""
	}
	proxy := l.proxy
	l.mu.Unlock()

	if proxy != nil {
		if err := proxy.RemoveUser(context.Background(), userID); err != nil {
			l.log.Warn("relay remove_user failed", "user", userID, "err", err)
		}
	}
	l.broadcast(liveEvent(events.New(LiveLeave, map[string]any{"peerId": userID})), userID)
	l.updateQuality()
}

func stopPeerTimers(p *livePeer) {
	if p.pingTimer != nil {
		p.pingTimer.Stop()
	}
	if p.pongTimer != nil {
		p.pongTimer.Stop()
	}
	if p.deadTimer != nil {
		p.deadTimer.Stop()
	}
}

// sendOpen hands a fresh peer everything it needs to join: the current
// peer list, the recent log tail, quality and mode snapshot.
func (l *Live) sendOpen(userID string) {
	l.mu.Lock()
	peerIDs := make([]string, 0, len(l.peers))
	for id := range l.peers {
		if id != userID {
			peerIDs = append(peerIDs, id)
		}
	}
	open := map[string]any{
		"peers":   peerIDs,
		"log":     l.history.Tail(liveLogTail),
		"quality": l.qualitySnapshotLocked(),
		"mode":    l.mode,
		"source":  l.sourceID,
	}
	l.mu.Unlock()
	l.users.Send(userID, liveEvent(events.New(LiveOpen, open)))
}

func (l *Live) spawnProxy() {
	relay, err := l.newRelay(l.roomID)
	if err != nil {
		l.log.Warn("relay spawn failed", "err", err)
		return
	}
	l.mu.Lock()
	if l.proxy != nil || l.closed {
		l.mu.Unlock()
		relay.Close()
		return
	}
	l.proxy = relay
	l.mu.Unlock()
	relay.OnClosed(func() {
		l.mu.Lock()
		l.proxy = nil
		l.mu.Unlock()
		l.log.Info("relay closed")
	})
}

// electSource picks the first joining workgroup-designated streamer when no
// source is set yet.
func (l *Live) electSource(userID string) {
	if !l.isStream || l.worgs == nil || !l.worgs.IsStreamer(userID) {
		return
	}
	l.mu.Lock()
	if l.sourceID != "" {
		l.mu.Unlock()
		return
	}
	l.sourceID = userID
	proxy := l.proxy
	l.mu.Unlock()

	if proxy != nil {
		if err := proxy.SetSource(context.Background(), userID); err != nil {
			l.log.Warn("relay set_source failed", "user", userID, "err", err)
		}
	}
	l.broadcast(liveEvent(events.New(LiveSource, map[string]any{"peerId": userID})), "")
}

// schedulePing runs the per-peer liveness loop.
func (l *Live) schedulePing(userID string) {
	l.mu.Lock()
	p, ok := l.peers[userID]
	if !ok || l.closed {
		l.mu.Unlock()
		return
	}
	p.pingTimer = time.AfterFunc(l.timing.LivePing, func() { l.pingPeer(userID) })
	l.mu.Unlock()
}

func (l *Live) pingPeer(userID string) {
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	l.mu.Lock()
	p, ok := l.peers[userID]
	if !ok || l.closed {
		l.mu.Unlock()
		return
	}
	p.pongTimer = time.AfterFunc(l.timing.LivePong, func() { l.pongTimedOut(userID) })
	p.pingTimer = time.AfterFunc(l.timing.LivePing, func() { l.pingPeer(userID) })
	l.mu.Unlock()

	l.users.Send(userID, liveEvent(events.New(LivePing, nonce)))
}

func (l *Live) pongTimedOut(userID string) {
	l.mu.Lock()
	p, ok := l.peers[userID]
	if !ok {
		l.mu.Unlock()
		return
	}
	if p.deadTimer == nil {
		p.deadTimer = time.AfterFunc(l.timing.LivePeer, func() { l.RemovePeer(userID) })
	}
	l.mu.Unlock()
}

// HandlePong clears the escalation for a peer.
func (l *Live) HandlePong(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[userID]
	if !ok {
		return
	}
	if p.pongTimer != nil {
		p.pongTimer.Stop()
		p.pongTimer = nil
	}
	if p.deadTimer != nil {
		p.deadTimer.Stop()
		p.deadTimer = nil
	}
}

// HandleSignal relays an SDP/ICE blob: through the proxy in stream mode,
// peer-to-peer (wrapped in the source id) in mesh mode.
func (l *Live) HandleSignal(fromID string, data map[string]any) {
	l.mu.Lock()
	proxy := l.proxy
	l.mu.Unlock()

	if proxy != nil {
		if err := proxy.HandleSignal(context.Background(), fromID, data); err != nil {
			l.log.Warn("relay signal failed", "user", fromID, "err", err)
		}
		return
	}
	toID, _ := data["toId"].(string)
	if toID == "" {
		return
	}
	l.users.Send(toID, liveEvent(events.Wrap(fromID, events.New(LiveSignal, data))))
}

// SetMode acquires the presentation lock. Only the current owner may
// release it; toggle requests from anyone else are ignored while held.
func (l *Live) SetMode(userID, mode string) {
	l.mu.Lock()
	switch {
	case mode == ModePresentation && l.modeOwner == "":
		l.mode = mode
		l.modeOwner = userID
	case mode == "" && l.modeOwner == userID:
		l.mode = ""
		l.modeOwner = ""
	default:
		l.mu.Unlock()
		return
	}
	snapshot := map[string]any{"mode": l.mode, "owner": l.modeOwner}
	l.mu.Unlock()
	l.broadcast(liveEvent(events.New(LiveMode, snapshot)), "")
}

// Mode returns the current mode and its owner.
func (l *Live) Mode() (string, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode, l.modeOwner
}

// PeerIDs lists current peers.
func (l *Live) PeerIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.peers))
	for id := range l.peers {
		out = append(out, id)
	}
	return out
}

// Quality returns the current level and scale.
func (l *Live) Quality() (int, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	level := qualityLevels[l.qualityIdx]
	return level, float64(level) / 100
}

func (l *Live) qualitySnapshotLocked() map[string]any {
	level := qualityLevels[l.qualityIdx]
	return map[string]any{"level": level, "scale": float64(level) / 100}
}

func qualityIdxFor(peerCount int) int {
	switch {
	case peerCount <= 2:
		return 0
	case peerCount <= 4:
		return 1
	case peerCount <= 8:
		return 2
	default:
		return 3
	}
}

// updateQuality rescales on peer-count changes with hysteresis: a degrade
// applies immediately, an improve needs two consecutive updates pointing
// the same way so +-1 peer churn at a band edge cannot oscillate.
func (l *Live) updateQuality() {
	l.mu.Lock()
	target := qualityIdxFor(len(l.peers))
	changed := false
	switch {
	case target > l.qualityIdx:
		l.qualityIdx = target
		l.pendingImprove = false
		changed = true
	case target < l.qualityIdx:
		if l.pendingImprove {
			l.qualityIdx = target
			l.pendingImprove = false
			changed = true
		} else {
			l.pendingImprove = true
		}
	default:
		l.pendingImprove = false
	}
	var snapshot map[string]any
	if changed {
		snapshot = l.qualitySnapshotLocked()
	}
	l.mu.Unlock()

	if changed {
		l.broadcast(liveEvent(events.New(LiveQuality, snapshot)), "")
	}
}

func (l *Live) broadcast(ev events.Event, sourceID string) {
	l.mu.Lock()
	targetsFn := l.broadcastTargets
	l.mu.Unlock()

	var targets []string
	if targetsFn != nil {
		targets = targetsFn(sourceID)
	}
	l.users.Broadcast(targets, ev, sourceID, false)
}

// Close tears down every peer and the relay. Idempotent.
func (l *Live) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, p := range l.peers {
		stopPeerTimers(p)
	}
	l.peers = map[string]*livePeer{}
	proxy := l.proxy
	l.proxy = nil
	l.mu.Unlock()

	if proxy != nil {
		proxy.Close()
	}
}

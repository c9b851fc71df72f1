package actor

import (
	"context"
	"sync"

	"github.com/roasbeef/relay/internal/relayerr"
)

// DownMessage is delivered to every watcher that called ActorSystem.Monitor
// on an actor once that actor terminates, carrying the id of the actor that
// went down and the reason it stopped.
type DownMessage struct {
	BaseMessage

	ActorID string
	Reason  *relayerr.Error
}

// MessageType implements Message.
func (DownMessage) MessageType() string { return "actor.DownMessage" }

// ExitMessage describes a linked peer's termination: the peer's id and its
// exit reason. The lifecycle hub does not send it. When an actor stops with
// a reason other than relayerr.ExitReasonNormal, the hub stops each linked
// peer directly with the same reason, and nothing in the runtime constructs
// an ExitMessage. Unlike CAF, exit messages cannot be trapped inside a
// behavior.
type ExitMessage struct {
	BaseMessage

	ActorID string
	Reason  *relayerr.Error
}

// MessageType implements Message.
func (ExitMessage) MessageType() string { return "actor.ExitMessage" }

// lifecycleHub is a non-generic monitor/link graph shared by every actor in
// an ActorSystem, keyed by actor id string rather than by Actor[M, R] so
// that actors instantiated with different message/response type parameters
// can monitor and link to one another. This mirrors CAF's node-wide
// actor registry, which tracks links and monitors independent of an actor's
// concrete behavior type.
//
// A watcher receives lifecycle notifications as ordinary Message values
// delivered to its own mailbox, so any actor that wants to monitor or link
// must be instantiated with M = Message.
type lifecycleHub struct {
	mu sync.Mutex

	// forceStop holds, for every currently-registered actor, the closure
	// that terminates it with a given exit reason. Captured once at
	// registration time over the concrete *Actor[M, R] so link cascades
	// work across heterogeneous actor types.
	forceStop map[string]func(*relayerr.Error)

	// watchers maps an actor id to the set of other actors monitoring it.
	watchers map[string][]TellOnlyRef[Message]

	// links maps an actor id to the set of actor ids it is linked to.
	// Links are always recorded symmetrically.
	links map[string]map[string]struct{}

	// terminated records the exit reason of actors that have already
	// stopped, so a Monitor call racing with termination still delivers
	// a DownMessage instead of silently missing it.
	terminated map[string]*relayerr.Error
}

func newLifecycleHub() *lifecycleHub {
	return &lifecycleHub{
		forceStop:  make(map[string]func(*relayerr.Error)),
		watchers:   make(map[string][]TellOnlyRef[Message]),
		links:      make(map[string]map[string]struct{}),
		terminated: make(map[string]*relayerr.Error),
	}
}

// registerActor records the force-stop closure for a newly started actor.
func (h *lifecycleHub) registerActor(id string, stop func(*relayerr.Error)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.forceStop[id] = stop
}

// monitor subscribes watcher to lifecycle notifications for targetID. If
// targetID has already terminated, a DownMessage is delivered immediately
// and synchronously via Tell.
func (h *lifecycleHub) monitor(
	ctx context.Context, targetID string, watcher TellOnlyRef[Message],
) {

	h.mu.Lock()
	reason, alreadyDown := h.terminated[targetID]
	if !alreadyDown {
		h.watchers[targetID] = append(h.watchers[targetID], watcher)
	}
	h.mu.Unlock()

	if alreadyDown {
		watcher.Tell(ctx, DownMessage{ActorID: targetID, Reason: reason})
	}
}

// demonitor removes watcher from targetID's watcher list.
func (h *lifecycleHub) demonitor(targetID string, watcher TellOnlyRef[Message]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watchers := h.watchers[targetID]
	for i, w := range watchers {
		if w == watcher {
			h.watchers[targetID] = append(
				watchers[:i], watchers[i+1:]...,
			)
			break
		}
	}
}

// link establishes a bidirectional link between aID and bID. If either actor
// has already terminated, the other is force-stopped immediately with the
// terminated peer's exit reason (unless that reason is ExitReasonNormal).
func (h *lifecycleHub) link(aID, bID string) {
	h.mu.Lock()

	if h.links[aID] == nil {
		h.links[aID] = make(map[string]struct{})
	}
	if h.links[bID] == nil {
		h.links[bID] = make(map[string]struct{})
	}
	h.links[aID][bID] = struct{}{}
	h.links[bID][aID] = struct{}{}

	aReason, aDown := h.terminated[aID]
	bReason, bDown := h.terminated[bID]
	h.mu.Unlock()

	if aDown && !isSilentExit(aReason) {
		h.forceStopPeer(bID, aReason)
	}
	if bDown && !isSilentExit(bReason) {
		h.forceStopPeer(aID, bReason)
	}
}

// unlink removes a previously established link between aID and bID.
func (h *lifecycleHub) unlink(aID, bID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.links[aID], bID)
	delete(h.links[bID], aID)
}

func isSilentExit(reason *relayerr.Error) bool {
	return reason == nil || reason.Is(relayerr.ExitReasonNormal)
}

func (h *lifecycleHub) forceStopPeer(id string, reason *relayerr.Error) {
	h.mu.Lock()
	stop, ok := h.forceStop[id]
	h.mu.Unlock()

	if ok {
		stop(reason)
	}
}

// terminate records that id has stopped with reason, notifies every watcher
// with a DownMessage, and — unless reason is a silent (normal) exit —
// cascades termination to every linked peer. It is called once from each
// actor's process loop during cleanup.
func (h *lifecycleHub) terminate(id string, reason *relayerr.Error) {
	h.mu.Lock()

	h.terminated[id] = reason
	watchers := h.watchers[id]
	delete(h.watchers, id)
	delete(h.forceStop, id)

	var linkedPeers []string
	if !isSilentExit(reason) {
		for peer := range h.links[id] {
			linkedPeers = append(linkedPeers, peer)
		}
	}
	delete(h.links, id)

	h.mu.Unlock()

	ctx := context.Background()
	for _, w := range watchers {
		w.Tell(ctx, DownMessage{ActorID: id, Reason: reason})
	}

	for _, peer := range linkedPeers {
		h.forceStopPeer(peer, reason)
	}
}

// Monitor registers watcher to receive a DownMessage when target terminates.
// watcher must have been registered with M = Message, since lifecycle
// notifications are delivered as ordinary messages to its mailbox.
func (as *ActorSystem) Monitor(
	ctx context.Context, watcher TellOnlyRef[Message], target BaseActorRef,
) {

	as.lifecycle.monitor(ctx, target.ID(), watcher)
}

// Demonitor cancels a previous Monitor registration.
func (as *ActorSystem) Demonitor(
	watcher TellOnlyRef[Message], target BaseActorRef,
) {

	as.lifecycle.demonitor(target.ID(), watcher)
}

// Link establishes a bidirectional link between two actors: if either
// terminates for any reason other than relayerr.ExitReasonNormal, the other
// is force-stopped with the same reason.
func (as *ActorSystem) Link(a, b BaseActorRef) {
	as.lifecycle.link(a.ID(), b.ID())
}

// Unlink removes a previously established link between two actors.
func (as *ActorSystem) Unlink(a, b BaseActorRef) {
	as.lifecycle.unlink(a.ID(), b.ID())
}

package basp

import (
	"sync"

	"github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/relayerr"
)

// PathKind distinguishes a direct transport connection to a node from a
// multi-hop path reached through a neighbor.
type PathKind int

const (
	// PathDirect means frames for the node are written straight onto a
	// connection owned by this broker.
	PathDirect PathKind = iota

	// PathIndirect means frames for the node are forwarded unchanged to a
	// neighbor node, which is itself either directly or indirectly
	// connected to the destination.
	PathIndirect
)

// Path is one entry of the routing table: how to reach a node.
type Path struct {
	Kind PathKind

	// ConnID identifies the owning connection for a direct path.
	ConnID ConnID

	// Via is the neighbor node-id frames are forwarded to for an
	// indirect path.
	Via actor.NodeID
}

// ConnID identifies a broker-owned transport endpoint. The broker assigns
// these; basp never interprets them beyond using them as routing-table
// keys and handshake correlation tokens.
type ConnID uint64

// RoutingTable tracks how to reach every known node, direct paths taking
// priority over indirect ones. All mutation happens on the BASP broker
// actor's own goroutine, so the mutex here only guards against concurrent
// reads from helper goroutines (e.g. the automatic-connection dialer).
type RoutingTable struct {
	mu    sync.RWMutex
	paths map[actor.NodeID]Path
}

// NewRoutingTable returns an empty routing table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{paths: make(map[actor.NodeID]Path)}
}

// Lookup returns the current path to node, if any.
func (rt *RoutingTable) Lookup(node actor.NodeID) (Path, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	p, ok := rt.paths[node]
	return p, ok
}

// SetDirect installs (or upgrades, if an indirect path already existed) a
// direct path to node over connID.
func (rt *RoutingTable) SetDirect(node actor.NodeID, connID ConnID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.paths[node] = Path{Kind: PathDirect, ConnID: connID}
}

// SetIndirect installs an indirect path to node via neighbor, unless a
// direct path already exists — direct paths are never downgraded.
func (rt *RoutingTable) SetIndirect(node, via actor.NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if existing, ok := rt.paths[node]; ok && existing.Kind == PathDirect {
		return
	}
	rt.paths[node] = Path{Kind: PathIndirect, Via: via}
}

// IndirectNodes returns every node currently reachable only through a
// neighbor, for callers (e.g. the automatic connection-upgrade helper)
// that want to attempt promoting them to a direct path.
func (rt *RoutingTable) IndirectNodes() []actor.NodeID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []actor.NodeID
	for node, p := range rt.paths {
		if p.Kind == PathIndirect {
			out = append(out, node)
		}
	}
	return out
}

// RemoveConn drops every path that routed through connID, called when that
// connection's transport closes. It returns the nodes whose path was
// removed so the caller can fail pending requests to them.
func (rt *RoutingTable) RemoveConn(connID ConnID) []actor.NodeID {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var removed []actor.NodeID
	for node, p := range rt.paths {
		if p.Kind == PathDirect && p.ConnID == connID {
			delete(rt.paths, node)
			removed = append(removed, node)
		}
	}
	return removed
}

// proxyKey identifies a remote actor by its (node, actor-id) pair.
type proxyKey struct {
	node actor.NodeID
	id   WireActorID
}

// ProxyRegistry tracks, per remote node, the local proxies standing in for
// actors on that node, and (from the perspective of the node that owns the
// real actor) which peers have announced themselves as watchers.
type ProxyRegistry struct {
	mu sync.Mutex

	// proxies maps a remote actor to the local proxy representing it.
	proxies map[proxyKey]actor.TellOnlyRef[actor.Message]

	// watchers maps a locally-owned actor's wire id to the set of
	// remote nodes that have announced a proxy for it (and so must
	// receive kill-proxy on its termination).
	watchers map[WireActorID]map[actor.NodeID]struct{}
}

// NewProxyRegistry returns an empty registry.
func NewProxyRegistry() *ProxyRegistry {
	return &ProxyRegistry{
		proxies:  make(map[proxyKey]actor.TellOnlyRef[actor.Message]),
		watchers: make(map[WireActorID]map[actor.NodeID]struct{}),
	}
}

// ProxyFor returns the existing proxy for (node, id), if any.
func (pr *ProxyRegistry) ProxyFor(
	node actor.NodeID, id WireActorID,
) (actor.TellOnlyRef[actor.Message], bool) {

	pr.mu.Lock()
	defer pr.mu.Unlock()
	ref, ok := pr.proxies[proxyKey{node, id}]
	return ref, ok
}

// RegisterProxy records ref as the local stand-in for (node, id). Callers
// create the proxy (an ordinary lifecycle-registered actor whose behavior
// simply forwards Tell into a dispatch-message frame) before calling this.
func (pr *ProxyRegistry) RegisterProxy(
	node actor.NodeID, id WireActorID, ref actor.TellOnlyRef[actor.Message],
) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.proxies[proxyKey{node, id}] = ref
}

// RemoveProxy drops the proxy for (node, id), e.g. after kill-proxy
// terminates it.
func (pr *ProxyRegistry) RemoveProxy(node actor.NodeID, id WireActorID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.proxies, proxyKey{node, id})
}

// AddWatcher records that node has announced a proxy for localActorID,
// meaning it must receive kill-proxy when that actor terminates.
func (pr *ProxyRegistry) AddWatcher(localActorID WireActorID, node actor.NodeID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	set, ok := pr.watchers[localActorID]
	if !ok {
		set = make(map[actor.NodeID]struct{})
		pr.watchers[localActorID] = set
	}
	set[node] = struct{}{}
}

// WatchersOf returns the nodes that must be sent kill-proxy when
// localActorID terminates.
func (pr *ProxyRegistry) WatchersOf(localActorID WireActorID) []actor.NodeID {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	set := pr.watchers[localActorID]
	out := make([]actor.NodeID, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// ClearWatchers drops the watcher set for localActorID once kill-proxy has
// been fanned out, so a later reuse of the same actor id doesn't inherit
// stale watchers.
func (pr *ProxyRegistry) ClearWatchers(localActorID WireActorID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.watchers, localActorID)
}

// ErrNoPathToNode is returned by dispatch logic when neither a direct nor
// an indirect path exists for a destination node.
var ErrNoPathToNode = relayerr.New(
	relayerr.CodeRemoteLinkUnreachable,
	"no direct or indirect path to destination node",
)

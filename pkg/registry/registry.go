// Package registry tracks connected identities and their project room
// memberships. It routes outbound events to individual transports and
// fans them out to rooms; it never inspects payloads.
package registry

import (
	"sync"

	"questsync/pkg/logx"
	"questsync/pkg/metrics"
	"questsync/pkg/proto"
)

// Transport is the send side of one live connection. Implementations
// must be safe for concurrent Send calls.
type Transport interface {
	// ID returns the connection's unique identifier, distinct from the
	// identity it carries.
	ID() string
	// Send delivers one event to the remote peer. Errors are treated as
	// best-effort delivery failures, never as fatal.
	Send(event proto.Event, payload any) error
}

// Authorizer decides whether an identity may join a project. The
// registry delegates the policy entirely.
type Authorizer interface {
	CanJoin(identity proto.Identity, projectID string) error
}

// AllowAll authorizes every join. Useful for tests and single-tenant
// deployments.
type AllowAll struct{}

func (AllowAll) CanJoin(proto.Identity, string) error { return nil }

type member struct {
	identity proto.Identity
}

// Registry is the in-memory connection and room index. Connection state
// and room state are guarded by separate locks so that presence fanout
// for one project never contends with transport registration.
type Registry struct {
	logger *logx.Logger
	authz  Authorizer

	connMu      sync.RWMutex
	connections map[string]Transport      // identity ID -> transport
	identities  map[string]proto.Identity // identity ID -> last known identity

	roomMu sync.RWMutex
	rooms  map[string]map[string]member // project ID -> identity ID -> member

	recorder *metrics.Recorder
}

// New creates an empty registry. A nil authorizer allows every join.
func New(authz Authorizer) *Registry {
	if authz == nil {
		authz = AllowAll{}
	}
	return &Registry{
		logger:      logx.NewLogger("registry"),
		authz:       authz,
		connections: make(map[string]Transport),
		identities:  make(map[string]proto.Identity),
		rooms:       make(map[string]map[string]member),
	}
}

// SetRecorder attaches delivery metrics.
func (r *Registry) SetRecorder(rec *metrics.Recorder) {
	r.recorder = rec
}

// Register binds a transport to an identity. A reconnect under the same
// identity overwrites the binding; the stale transport is not closed
// here because its read loop discovers the disconnect on its own.
func (r *Registry) Register(identity proto.Identity, t Transport) {
	r.connMu.Lock()
	prev, had := r.connections[identity.ID]
	r.connections[identity.ID] = t
	r.identities[identity.ID] = identity
	r.connMu.Unlock()

	if had && prev.ID() != t.ID() {
		r.logger.Info("identity %s reconnected, replacing transport %s with %s", identity.ID, prev.ID(), t.ID())
	} else {
		logx.Debug("registry", "registered transport %s for identity %s", t.ID(), identity.ID)
	}
}

// Unregister drops the identity's transport, but only when the given
// transport is still the current one. This keeps a reconnect race from
// tearing down the fresh connection. All room memberships for the
// identity are removed either way the transport matches.
func (r *Registry) Unregister(identityID string, t Transport) {
	r.connMu.Lock()
	current, ok := r.connections[identityID]
	if ok && current.ID() == t.ID() {
		delete(r.connections, identityID)
		delete(r.identities, identityID)
	} else {
		// A newer transport took over; leave it in place.
		r.connMu.Unlock()
		return
	}
	r.connMu.Unlock()

	for _, projectID := range r.roomsOf(identityID) {
		r.Leave(identityID, projectID)
	}
	logx.Debug("registry", "unregistered transport %s for identity %s", t.ID(), identityID)
}

// Join adds the identity to a project room after the authorizer admits
// it. Joining a room the identity is already in is a no-op with no
// presence emission. Other room members receive a user-joined event.
func (r *Registry) Join(identity proto.Identity, projectID string) error {
	if err := r.authz.CanJoin(identity, projectID); err != nil {
		return logx.Wrap(err, "join denied for "+identity.ID)
	}

	r.roomMu.Lock()
	room, ok := r.rooms[projectID]
	if !ok {
		room = make(map[string]member)
		r.rooms[projectID] = room
	}
	if _, present := room[identity.ID]; present {
		r.roomMu.Unlock()
		return nil
	}
	room[identity.ID] = member{identity: identity}
	r.roomMu.Unlock()

	r.logger.Info("identity %s joined project %s", identity.ID, projectID)
	r.BroadcastToRoom(projectID, identity.ID, proto.EventUserJoined, proto.PresencePayload{
		ProjectID: projectID,
		Identity:  identity,
	})
	return nil
}

// Leave removes the identity from a project room and notifies the
// remaining members. Leaving a room the identity is not in is a no-op.
// Empty rooms are deleted so that the room index stays bounded by
// active projects.
func (r *Registry) Leave(identityID, projectID string) {
	r.roomMu.Lock()
	room, ok := r.rooms[projectID]
	if !ok {
		r.roomMu.Unlock()
		return
	}
	m, present := room[identityID]
	if !present {
		r.roomMu.Unlock()
		return
	}
	delete(room, identityID)
	if len(room) == 0 {
		delete(r.rooms, projectID)
	}
	r.roomMu.Unlock()

	r.logger.Info("identity %s left project %s", identityID, projectID)
	r.BroadcastToRoom(projectID, identityID, proto.EventUserLeft, proto.PresencePayload{
		ProjectID: projectID,
		Identity:  m.identity,
	})
}

// Members returns the display names of everyone currently in the room,
// for the project-joined snapshot.
func (r *Registry) Members(projectID string) []string {
	r.roomMu.RLock()
	defer r.roomMu.RUnlock()

	room := r.rooms[projectID]
	names := make([]string, 0, len(room))
	for _, m := range room {
		names = append(names, m.identity.DisplayName)
	}
	return names
}

// InRoom reports whether the identity is currently a member of the
// project room.
func (r *Registry) InRoom(identityID, projectID string) bool {
	r.roomMu.RLock()
	defer r.roomMu.RUnlock()
	_, ok := r.rooms[projectID][identityID]
	return ok
}

// SendToIdentity delivers one event to a single identity. Returns false
// when the identity has no live transport or the send fails; the caller
// decides whether that matters.
func (r *Registry) SendToIdentity(identityID string, event proto.Event, payload any) bool {
	r.connMu.RLock()
	t, ok := r.connections[identityID]
	r.connMu.RUnlock()
	if !ok {
		logx.Debug("registry", "no transport for identity %s, dropping %s", identityID, event)
		return false
	}
	if err := t.Send(event, payload); err != nil {
		r.logger.Warn("send %s to identity %s failed: %v", event, identityID, err)
		if r.recorder != nil {
			r.recorder.ObserveDroppedSend()
		}
		return false
	}
	return true
}

// BroadcastToRoom fans one event out to every room member except
// excludeIdentity. Delivery is best effort per recipient; one dead
// transport never blocks the rest of the room.
func (r *Registry) BroadcastToRoom(projectID, excludeIdentity string, event proto.Event, payload any) {
	r.roomMu.RLock()
	room := r.rooms[projectID]
	recipients := make([]string, 0, len(room))
	for id := range room {
		if id == excludeIdentity {
			continue
		}
		recipients = append(recipients, id)
	}
	r.roomMu.RUnlock()

	delivered := 0
	for _, id := range recipients {
		if r.SendToIdentity(id, event, payload) {
			delivered++
		}
	}
	if r.recorder != nil {
		r.recorder.ObserveBroadcast(delivered)
	}
	logx.Debug("registry", "broadcast %s to project %s reached %d/%d members", event, projectID, delivered, len(recipients))
}

// roomsOf lists every project the identity is currently a member of.
func (r *Registry) roomsOf(identityID string) []string {
	r.roomMu.RLock()
	defer r.roomMu.RUnlock()

	var projects []string
	for projectID, room := range r.rooms {
		if _, ok := room[identityID]; ok {
			projects = append(projects, projectID)
		}
	}
	return projects
}

// IdentityFor returns the last registered identity for an ID.
func (r *Registry) IdentityFor(identityID string) (proto.Identity, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	id, ok := r.identities[identityID]
	return id, ok
}

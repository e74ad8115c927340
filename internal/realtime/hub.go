// Package realtime authenticates long-lived websocket connections, manages
// room membership and presence, and relays events across gateway instances
// through the shared publish/subscribe bus.
//
// A connection's room memberships are only ever mutated by its own lifecycle
// events (connect, disconnect, explicit join/leave); relay traffic never
// touches membership. Cross-instance delivery works by every instance
// subscribing to every relay channel and emitting to whatever matching rooms
// it hosts locally. That trades redundant fan-out for not needing a
// connection-location directory.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftline/edge-gateway/internal/identity"
	"github.com/driftline/edge-gateway/internal/store"
)

const writeTimeout = 5 * time.Second

// Config tunes one hub instance.
type Config struct {
	MaxConnsPerPrincipal int
	PresenceTTL          time.Duration
	TypingTTL            time.Duration
}

// TokenVerifier is the slice of the identity verifier the hub needs for
// handshakes.
type TokenVerifier interface {
	VerifyUserToken(token string) (*identity.Principal, error)
}

// Hub owns this instance's websocket connections and their rooms.
type Hub struct {
	verifier TokenVerifier
	store    store.Store
	bus      RelayBus
	cfg      Config

	mu          sync.Mutex
	rooms       map[string]map[*session]struct{}
	byPrincipal map[string][]*session
	closed      bool
}

// session is one authenticated websocket connection. Lives exactly as long
// as the transport connection.
type session struct {
	id          string
	principal   *identity.Principal
	conn        *websocket.Conn
	rooms       map[string]struct{}
	connectedAt time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewHub builds a hub on the given bus and shared store.
func NewHub(verifier TokenVerifier, s store.Store, bus RelayBus, cfg Config) *Hub {
	return &Hub{
		verifier:    verifier,
		store:       s,
		bus:         bus,
		cfg:         cfg,
		rooms:       make(map[string]map[*session]struct{}),
		byPrincipal: make(map[string][]*session),
	}
}

// Run subscribes to all relay channels and emits received envelopes to
// locally hosted rooms until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	envelopes, err := h.bus.Subscribe(ctx, Channels...)
	if err != nil {
		return fmt.Errorf("realtime: subscribe relay channels: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			h.emitLocal(ctx, roomForEnvelope(env), serverMessage{Event: env.Event, Payload: env.Payload})
		}
	}
}

// HandleWS upgrades an authenticated handshake into a hub session. The
// handshake accepts the same session credential as the HTTP entry point:
// cookie, bearer header, or a token query parameter for transports that
// cannot set headers. Unauthenticated connections are refused before
// entering any room.
func (h *Hub) HandleWS(sessionCookie string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.authenticate(r, sessionCookie)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("websocket accept failed")
			return
		}

		sess := &session{
			id:          uuid.NewString(),
			principal:   principal,
			conn:        conn,
			rooms:       make(map[string]struct{}),
			connectedAt: time.Now(),
		}
		if !h.register(r.Context(), sess) {
			return
		}
		defer h.unregister(sess)

		h.readLoop(r.Context(), sess)
	}
}

func (h *Hub) authenticate(r *http.Request, sessionCookie string) (*identity.Principal, error) {
	token := ""
	if c, err := r.Cookie(sessionCookie); err == nil {
		token = c.Value
	}
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, identity.ErrMissingCredential
	}
	return h.verifier.VerifyUserToken(token)
}

// register joins the connection to its organization and personal rooms,
// records presence, and announces the principal to the rest of the
// organization. Presence registration is a set-add, so rapid reconnects stay
// idempotent. Returns false when the hub is already shut down.
func (h *Hub) register(ctx context.Context, sess *session) bool {
	p := sess.principal

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sess.close(websocket.StatusGoingAway, "gateway shutting down")
		return false
	}
	// Connection cap per principal: cycle out the oldest.
	var evict *session
	if existing := h.byPrincipal[p.ID]; h.cfg.MaxConnsPerPrincipal > 0 && len(existing) >= h.cfg.MaxConnsPerPrincipal {
		evict = existing[0]
	}
	h.byPrincipal[p.ID] = append(h.byPrincipal[p.ID], sess)
	h.joinLocked(sess, roomOrganization(p.OrgID))
	h.joinLocked(sess, roomPrincipal(p.ID))
	h.mu.Unlock()

	if evict != nil {
		log.Info().Str("principal_id", p.ID).Str("socket_id", evict.id).Msg("cycling oldest connection")
		evict.close(websocket.StatusPolicyViolation, "connection cycled by newer connection")
	}

	if err := h.store.SetAdd(ctx, presenceKey(p.OrgID), p.ID); err != nil {
		log.Warn().Err(err).Str("org_id", p.OrgID).Msg("presence registration failed")
	} else if err := h.store.Expire(ctx, presenceKey(p.OrgID), h.cfg.PresenceTTL); err != nil {
		log.Warn().Err(err).Str("org_id", p.OrgID).Msg("presence ttl refresh failed")
	}
	h.publish(ctx, ScopeOrganization, p.OrgID, EventPresenceOnline, presencePayload{PrincipalID: p.ID})

	log.Info().
		Str("socket_id", sess.id).
		Str("principal_id", p.ID).
		Str("org_id", p.OrgID).
		Msg("realtime connection established")
	return true
}

// unregister tears the session down. Guarded by closeOnce so a
// double-disconnect never double-removes presence.
func (h *Hub) unregister(sess *session) {
	sess.closeOnce.Do(func() {
		p := sess.principal

		h.mu.Lock()
		for room := range sess.rooms {
			h.leaveLocked(sess, room)
		}
		remaining := h.byPrincipal[p.ID][:0]
		for _, s := range h.byPrincipal[p.ID] {
			if s != sess {
				remaining = append(remaining, s)
			}
		}
		if len(remaining) == 0 {
			delete(h.byPrincipal, p.ID)
		} else {
			h.byPrincipal[p.ID] = remaining
		}
		lastInOrg := true
		for _, s := range remaining {
			if s.principal.OrgID == p.OrgID {
				lastInOrg = false
				break
			}
		}
		h.mu.Unlock()

		_ = sess.conn.Close(websocket.StatusNormalClosure, "")

		// Presence prune happens off the request context; the client being
		// gone must not block cleanup.
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if lastInOrg {
			if err := h.store.SetRemove(ctx, presenceKey(p.OrgID), p.ID); err != nil {
				log.Warn().Err(err).Str("org_id", p.OrgID).Msg("presence removal failed")
			}
			h.publish(ctx, ScopeOrganization, p.OrgID, EventPresenceOffline, presencePayload{PrincipalID: p.ID})
		}

		log.Info().
			Str("socket_id", sess.id).
			Str("principal_id", p.ID).
			Msg("realtime connection closed")
	})
}

func (h *Hub) readLoop(ctx context.Context, sess *session) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, sess.conn, &msg); err != nil {
			return
		}
		h.dispatch(ctx, sess, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, sess *session, msg clientMessage) {
	p := sess.principal
	switch msg.Action {
	case ActionJoinConversation:
		if msg.ConversationID == "" {
			return
		}
		h.mu.Lock()
		h.joinLocked(sess, roomConversation(msg.ConversationID))
		h.mu.Unlock()

	case ActionLeaveConversation:
		h.mu.Lock()
		h.leaveLocked(sess, roomConversation(msg.ConversationID))
		h.mu.Unlock()

	case ActionWatchCampaign:
		if msg.CampaignID == "" {
			return
		}
		h.mu.Lock()
		h.joinLocked(sess, roomCampaign(msg.CampaignID))
		h.mu.Unlock()

	case ActionUnwatchCampaign:
		h.mu.Lock()
		h.leaveLocked(sess, roomCampaign(msg.CampaignID))
		h.mu.Unlock()

	case ActionTypingStart:
		if msg.ConversationID == "" {
			return
		}
		// The marker expires on its own; a crashed client heals without an
		// explicit stop.
		key := typingKey(p.OrgID, msg.ConversationID, p.ID)
		if err := h.store.Set(ctx, key, "1", h.cfg.TypingTTL); err != nil {
			log.Warn().Err(err).Msg("typing marker write failed")
		}
		h.publish(ctx, ScopeOrganization, p.OrgID, EventTypingStart,
			typingPayload{ConversationID: msg.ConversationID, PrincipalID: p.ID})

	case ActionTypingStop:
		key := typingKey(p.OrgID, msg.ConversationID, p.ID)
		if err := h.store.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Msg("typing marker delete failed")
		}
		h.publish(ctx, ScopeOrganization, p.OrgID, EventTypingStop,
			typingPayload{ConversationID: msg.ConversationID, PrincipalID: p.ID})

	case ActionMarkRead:
		if len(msg.MessageIDs) == 0 {
			return
		}
		h.publish(ctx, ScopeOrganization, p.OrgID, EventMessagesRead,
			readPayload{ConversationID: msg.ConversationID, MessageIDs: msg.MessageIDs, PrincipalID: p.ID})

	default:
		log.Debug().Str("action", msg.Action).Msg("ignoring unknown realtime action")
	}
}

// publish sends an envelope to the relay bus. Local delivery happens through
// this instance's own subscription, the same path as every other instance.
func (h *Hub) publish(ctx context.Context, scope, targetID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("relay payload encode failed")
		return
	}
	env := Envelope{Scope: scope, TargetID: targetID, Event: event, Payload: raw}
	if err := h.bus.Publish(ctx, ChannelForScope(scope), env); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("relay publish failed")
	}
}

// emitLocal writes msg to every local member of room; a no-op when the room
// is not hosted here.
func (h *Hub) emitLocal(ctx context.Context, room string, msg serverMessage) {
	h.mu.Lock()
	members := make([]*session, 0, len(h.rooms[room]))
	for sess := range h.rooms[room] {
		members = append(members, sess)
	}
	h.mu.Unlock()

	for _, sess := range members {
		if err := sess.send(ctx, msg); err != nil {
			log.Debug().Err(err).Str("socket_id", sess.id).Msg("emit failed, dropping connection")
			h.unregister(sess)
		}
	}
}

// Presence returns the currently connected principal ids for an
// organization, across all gateway instances.
func (h *Hub) Presence(ctx context.Context, orgID string) ([]string, error) {
	return h.store.SetMembers(ctx, presenceKey(orgID))
}

// Shutdown closes every local connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*session
	for _, sessions := range h.byPrincipal {
		all = append(all, sessions...)
	}
	h.mu.Unlock()

	for _, sess := range all {
		sess.close(websocket.StatusGoingAway, "gateway shutting down")
		h.unregister(sess)
	}
}

func (h *Hub) joinLocked(sess *session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*session]struct{})
		h.rooms[room] = members
	}
	members[sess] = struct{}{}
	sess.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(sess *session, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, sess)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(sess.rooms, room)
}

func (s *session) send(ctx context.Context, msg serverMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, msg)
}

func (s *session) close(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}

func presenceKey(orgID string) string {
	return "presence:org:" + orgID
}

func typingKey(orgID, convID, principalID string) string {
	return "typing:" + orgID + ":" + convID + ":" + principalID
}

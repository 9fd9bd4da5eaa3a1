package presence

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
	"github.com/firezone/firezone-sub015/internal/store"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Gateways and relays are headless daemons, not browsers; the Origin
	// header carries no trust here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades gateway and relay connections, admits them through the
// rate limiter and token check, and keeps them registered in the presence
// registry while the socket lives.
type Server struct {
	store    *store.Store
	registry *Registry
	limiter  *Limiter
	bus      *Bus
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu      sync.Mutex
	byToken map[string]map[*session]struct{}
}

func NewServer(st *store.Store, registry *Registry, limiter *Limiter, bus *Bus, m *metrics.Metrics) *Server {
	return &Server{
		store:    st,
		registry: registry,
		limiter:  limiter,
		bus:      bus,
		metrics:  m,
		log:      logging.WithComponent("presence"),
		byToken:  make(map[string]map[*session]struct{}),
	}
}

// session is one live socket. All writes go through the send channel so
// the write pump is the only goroutine touching the connection for
// writes.
type session struct {
	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	tokenID string
	tracker *Tracker
	cancels []func()
	kind    string
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// admit authenticates a socket request: rate limit first, token check
// second, so secret probing is throttled per (IP, token) bucket.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, wantType string) (*store.Token, string, bool) {
	q := r.URL.Query()
	tokenID, err := uuid.Parse(q.Get("token_id"))
	if err != nil {
		http.Error(w, "invalid token_id", http.StatusUnauthorized)
		return nil, "", false
	}
	ip := remoteIP(r)

	if !s.limiter.Allow(ip, tokenID.String()) {
		s.metrics.PresenceRateLimited.Inc()
		http.Error(w, "rate_limit", http.StatusTooManyRequests)
		return nil, "", false
	}

	token, err := s.store.UseToken(r.Context(), tokenID, q.Get("secret"), ip, r.UserAgent())
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return nil, "", false
	}
	if token.Type != wantType {
		http.Error(w, "invalid token type", http.StatusUnauthorized)
		return nil, "", false
	}
	return token, ip, true
}

// HandleGateway serves gateway sockets. The gateway joins its account's
// gateway topic and receives account-scoped change events.
func (s *Server) HandleGateway(w http.ResponseWriter, r *http.Request) {
	token, ip, ok := s.admit(w, r, store.TokenTypeGatewayGroup)
	if !ok {
		return
	}
	q := r.URL.Query()
	externalID := q.Get("external_id")
	if externalID == "" {
		http.Error(w, "external_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Gateway upgrade failed")
		return
	}

	accountID := ""
	if token.AccountID != nil {
		accountID = token.AccountID.String()
	}
	topic := "account:" + accountID + ":gateways"
	meta := Meta{Fields: map[string]string{
		"external_id": externalID,
		"version":     q.Get("version"),
		"remote_ip":   ip,
	}}

	sess := s.newSession(conn, token.ID.String(), "gateway")
	sess.tracker = s.registry.Track(topic, externalID, meta)
	sess.subscribeEvents("account:" + accountID)
	s.metrics.PresenceJoins.WithLabelValues("gateway").Inc()
	s.metrics.PresenceOnline.WithLabelValues("gateway").Set(float64(s.registry.Online(topic)))
	sess.start()
}

// HandleRelay serves relay sockets. Relays are global, keyed by their
// stamped id; a reconnecting relay evicts its previous socket.
func (s *Server) HandleRelay(w http.ResponseWriter, r *http.Request) {
	token, ip, ok := s.admit(w, r, store.TokenTypeRelayGroup)
	if !ok {
		return
	}
	q := r.URL.Query()
	relayID := q.Get("id")
	if relayID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Relay upgrade failed")
		return
	}

	meta := Meta{Fields: map[string]string{
		"ipv4":      q.Get("ipv4"),
		"ipv6":      q.Get("ipv6"),
		"port":      q.Get("port"),
		"lat":       q.Get("lat"),
		"lon":       q.Get("lon"),
		"remote_ip": ip,
	}}

	sess := s.newSession(conn, token.ID.String(), "relay")
	sess.tracker = s.registry.TrackReplace("relays", relayID, meta)
	s.metrics.PresenceJoins.WithLabelValues("relay").Inc()
	s.metrics.PresenceOnline.WithLabelValues("relay").Set(float64(s.registry.Online("relays")))
	sess.start()
}

func (s *Server) newSession(conn *websocket.Conn, tokenID, kind string) *session {
	sess := &session{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		tokenID: tokenID,
		kind:    kind,
	}
	s.mu.Lock()
	if s.byToken[tokenID] == nil {
		s.byToken[tokenID] = make(map[*session]struct{})
	}
	s.byToken[tokenID][sess] = struct{}{}
	s.mu.Unlock()
	return sess
}

// DisconnectToken implements events.SessionEvictor: a revoked token
// closes every socket that authenticated with it.
func (s *Server) DisconnectToken(tokenID string) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.byToken[tokenID]))
	for sess := range s.byToken[tokenID] {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

// subscribeEvents forwards bus events for a topic into the send channel.
func (sess *session) subscribeEvents(topic string) {
	ch, cancel := sess.server.bus.Subscribe(topic)
	sess.cancels = append(sess.cancels, cancel)
	go func() {
		for {
			select {
			case <-sess.done:
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				select {
				case sess.send <- payload:
				default:
					// Drop rather than block the fanout on one slow socket.
				}
			}
		}
	}()
}

func (sess *session) start() {
	go sess.writePump()
	go sess.readPump()
	go func() {
		if sess.tracker == nil {
			return
		}
		select {
		case <-sess.tracker.Evicted():
			sess.server.log.Info().Str("kind", sess.kind).Msg("Presence holder evicted by newer join")
			sess.close()
		case <-sess.done:
		}
	}()
}

func (sess *session) close() {
	sess.once.Do(func() {
		close(sess.done)
		if sess.tracker != nil {
			sess.tracker.Untrack()
		}
		for _, cancel := range sess.cancels {
			cancel()
		}
		sess.server.mu.Lock()
		delete(sess.server.byToken[sess.tokenID], sess)
		if len(sess.server.byToken[sess.tokenID]) == 0 {
			delete(sess.server.byToken, sess.tokenID)
		}
		sess.server.mu.Unlock()
		sess.conn.Close()
	})
}

// writePump serializes all writes to the connection: data, pings, close.
func (sess *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.close()
	}()

	for {
		select {
		case message, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Flush whatever queued behind this message.
			n := len(sess.send)
			for i := 0; i < n; i++ {
				if err := sess.conn.WriteMessage(websocket.TextMessage, <-sess.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.done:
			return
		}
	}
}

// readPump is the only reader of the connection. Inbound frames keep the
// socket alive; their payloads are ignored for now.
func (sess *session) readPump() {
	defer sess.close()

	sess.conn.SetReadLimit(maxMsgSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.server.log.Debug().Err(err).Str("kind", sess.kind).Msg("Socket closed")
			}
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// Package wsgateway multiplexes long-lived subscription connections over
// WebSocket: one *websocket.Conn per gateway connection (gid), framing
// subscribe/unsubscribe requests in and Notification frames out, with
// ping/pong keepalive, read-deadline extension, an origin allowlist, a
// buffered send channel per connection, and a capacity pre-check at
// upgrade time.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sepabroker/internal/auth"
	"sepabroker/internal/logging"
	"sepabroker/internal/manager"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
)

// Authenticator resolves the calling principal (used as gid) from the
// upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAllAuthenticator accepts every connection, keying it by remote
// address; it is the default when no authenticator is configured.
type AllowAllAuthenticator struct{}

// Authenticate implements Authenticator.
func (AllowAllAuthenticator) Authenticate(*http.Request) (string, error) { return "", nil }

// HMACAuthenticator validates an auth_token query parameter or X-Auth-Token
// header against an HMAC-signed token.
type HMACAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

// NewHMACAuthenticator constructs an Authenticator backed by the shared secret.
func NewHMACAuthenticator(secret string) (*HMACAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &HMACAuthenticator{verifier: verifier}, nil
}

// Authenticate implements Authenticator.
func (a *HMACAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Principal, nil
}

// Options configures a Gateway.
type Options struct {
	Logger          *logging.Logger
	Manager         *manager.Manager
	Authenticator   Authenticator
	AllowedOrigins  []string
	PingInterval    time.Duration
	MaxPayloadBytes int64
	MaxConnections  int
}

// Gateway upgrades HTTP requests to WebSocket connections and multiplexes
// subscription traffic over them.
type Gateway struct {
	log             *logging.Logger
	mgr             *manager.Manager
	auth            Authenticator
	upgrader        websocket.Upgrader
	pingInterval    time.Duration
	maxPayloadBytes int64
	maxConnections  int

	mu          sync.Mutex
	pending     int
	connections map[*connection]struct{}
}

type connection struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	gid  string
	log  *logging.Logger

	mu   sync.Mutex
	sids map[string]struct{}
}

// New constructs a Gateway bound to mgr.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	authenticator := opts.Authenticator
	if authenticator == nil {
		authenticator = AllowAllAuthenticator{}
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	gw := &Gateway{
		log:             logger,
		mgr:             opts.Manager,
		auth:            authenticator,
		pingInterval:    pingInterval,
		maxPayloadBytes: opts.MaxPayloadBytes,
		maxConnections:  opts.MaxConnections,
		connections:     make(map[*connection]struct{}),
	}
	gw.upgrader = websocket.Upgrader{CheckOrigin: buildOriginChecker(logger, opts.AllowedOrigins)}
	return gw
}

// ServeHTTP upgrades the request and begins multiplexing subscription
// frames over the resulting connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := g.log.With(logging.String("remote_addr", r.RemoteAddr))

	gid := r.RemoteAddr
	if g.auth != nil {
		subject, err := g.auth.Authenticate(r)
		if err != nil {
			reqLogger.Warn("rejecting websocket connection: authentication failed", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if strings.TrimSpace(subject) != "" {
			gid = subject
		}
	}

	if g.maxConnections > 0 {
		g.mu.Lock()
		if len(g.connections)+g.pending >= g.maxConnections {
			g.mu.Unlock()
			reqLogger.Warn("refusing websocket connection: connection limit reached", logging.Int("max_connections", g.maxConnections))
			http.Error(w, "service unavailable: connection limit reached", http.StatusServiceUnavailable)
			return
		}
		g.pending++
		g.mu.Unlock()
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if g.maxConnections > 0 {
			g.mu.Lock()
			if g.pending > 0 {
				g.pending--
			}
			g.mu.Unlock()
		}
		reqLogger.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	c := &connection{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		gid:  gid,
		log:  reqLogger.With(logging.String("gid", gid)),
		sids: make(map[string]struct{}),
	}

	g.mu.Lock()
	if g.maxConnections > 0 && g.pending > 0 {
		g.pending--
	}
	g.connections[c] = struct{}{}
	g.mu.Unlock()

	if g.maxPayloadBytes > 0 {
		c.conn.SetReadLimit(g.maxPayloadBytes)
	}

	waitDuration := time.Duration(pongWaitMultiplier) * g.pingInterval
	if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		c.log.Error("failed to set initial read deadline", logging.Error(err))
		_ = c.conn.Close()
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go g.readLoop(c, waitDuration)
	go g.writeLoop(c)
}

type inboundMessage struct {
	Action        string   `json:"action"`
	SID           string   `json:"sid"`
	Query         string   `json:"query"`
	DefaultGraphs []string `json:"defaultGraphs"`
	NamedGraphs   []string `json:"namedGraphs"`
	Alias         string   `json:"alias"`
}

func (g *Gateway) readLoop(c *connection, waitDuration time.Duration) {
	defer g.deregister(c)
	for {
		messageType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsCloseError(err, websocket.CloseMessageTooBig) || errors.Is(err, websocket.ErrReadLimit) {
				c.log.Warn("closing connection due to oversized payload", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected websocket close", logging.Error(err))
			} else {
				c.log.Debug("read error", logging.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			c.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var in inboundMessage
		if err := json.Unmarshal(msg, &in); err != nil {
			c.log.Debug("dropping invalid JSON message", logging.Error(err))
			continue
		}
		g.handleMessage(c, in)
	}
}

func (g *Gateway) handleMessage(c *connection, in inboundMessage) {
	switch in.Action {
	case "subscribe":
		g.handleSubscribe(c, in)
	case "unsubscribe":
		g.handleUnsubscribe(c, in)
	default:
		c.log.Debug("dropping message with unknown action", logging.String("action", in.Action))
	}
}

func (g *Gateway) handleSubscribe(c *connection, in inboundMessage) {
	sink := &wsSink{send: c.send, done: c.done}
	resp, err := g.mgr.Subscribe(context.Background(), manager.SubscribeRequest{
		QueryText:     in.Query,
		DefaultGraphs: in.DefaultGraphs,
		NamedGraphs:   in.NamedGraphs,
		Alias:         in.Alias,
		GID:           c.gid,
		Principal:     c.gid,
	}, sink)
	if err != nil {
		c.pushError(err)
		return
	}
	c.mu.Lock()
	c.sids[resp.SID] = struct{}{}
	c.mu.Unlock()
	// The initial snapshot is already pushed through sink by Manager.Subscribe;
	// this ack just tells the client which sid/spuid it now owns.
	_ = sink.Deliver(map[string]string{"type": "subscribed", "sid": resp.SID, "spuid": resp.SPUID})
}

func (g *Gateway) handleUnsubscribe(c *connection, in inboundMessage) {
	if strings.TrimSpace(in.SID) == "" {
		return
	}
	if _, err := g.mgr.Unsubscribe(in.SID, c.gid); err != nil {
		c.pushError(err)
		return
	}
	c.mu.Lock()
	delete(c.sids, in.SID)
	c.mu.Unlock()
	sink := &wsSink{send: c.send, done: c.done}
	_ = sink.Deliver(map[string]string{"type": "unsubscribed", "sid": in.SID})
}

func (c *connection) pushError(err error) {
	sink := &wsSink{send: c.send, done: c.done}
	_ = sink.Deliver(map[string]string{"type": "error", "message": err.Error()})
}

// deregister removes c from the gateway and kills every subscription still
// attached to it. It uses KillSubscription, not Unsubscribe: the connection
// is already known to be dead, so the dependability notifier -- meant for
// gateway-observable clean teardown -- is deliberately skipped.
func (g *Gateway) deregister(c *connection) {
	g.mu.Lock()
	_, already := g.connections[c]
	delete(g.connections, c)
	g.mu.Unlock()
	if !already {
		return
	}

	c.mu.Lock()
	sids := make([]string, 0, len(c.sids))
	for sid := range c.sids {
		sids = append(sids, sid)
	}
	c.sids = make(map[string]struct{})
	c.mu.Unlock()

	for _, sid := range sids {
		if _, err := g.mgr.KillSubscription(sid, c.gid); err != nil {
			c.log.Warn("failed to terminate subscription on disconnect", logging.String("sid", sid), logging.Error(err))
		}
	}
	close(c.done)
	_ = c.conn.Close()
}

func (g *Gateway) writeLoop(c *connection) {
	pingTicker := time.NewTicker(g.pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error("failed to set write deadline", logging.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Error("write error", logging.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("ping failure", logging.Error(err))
				return
			}
		}
	}
}

package wsgateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"sepabroker/internal/endpoint"
	"sepabroker/internal/manager"
	"sepabroker/internal/rdf"
)

func newTestGateway(t *testing.T) (*httptest.Server, *Gateway) {
	t.Helper()
	ep := endpoint.NewMemEndpoint()
	ep.Store().Insert([]rdf.Triple{{Subject: rdf.IRI("urn:a"), Predicate: rdf.IRI("urn:p"), Object: rdf.Literal("1", "", "")}})
	mgr := manager.New(ep)
	gw := New(Options{Manager: mgr, PingInterval: 50 * time.Millisecond})

	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	return srv, gw
}

func dial(t *testing.T, srv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	return conn
}

func TestSubscribeOverWebSocketReceivesInitialSnapshotAndAck(t *testing.T) {
	srv, _ := newTestGateway(t)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	req, _ := json.Marshal(map[string]any{
		"action": "subscribe",
		"query":  "SELECT ?x WHERE { ?x <urn:p> ?v }",
	})
	if err := conn.WriteMessage(gorillaws.TextMessage, req); err != nil {
		t.Fatalf("writing subscribe message: %v", err)
	}

	var gotSnapshot, gotAck bool
	var sid string
	for i := 0; i < 2; i++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading message %d: %v", i, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(msg, &frame); err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		switch frame["tag"] {
		case "InitialSnapshot":
			gotSnapshot = true
		}
		if frame["type"] == "subscribed" {
			gotAck = true
			sid, _ = frame["sid"].(string)
		}
	}
	if !gotSnapshot {
		t.Fatal("expected an InitialSnapshot frame")
	}
	if !gotAck || sid == "" {
		t.Fatal("expected a subscribed ack carrying a sid")
	}

	unreq, _ := json.Marshal(map[string]any{"action": "unsubscribe", "sid": sid})
	if err := conn.WriteMessage(gorillaws.TextMessage, unreq); err != nil {
		t.Fatalf("writing unsubscribe message: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading unsubscribe ack: %v", err)
	}
	var ack map[string]any
	if err := json.Unmarshal(msg, &ack); err != nil {
		t.Fatalf("decoding unsubscribe ack: %v", err)
	}
	if ack["type"] != "unsubscribed" {
		t.Fatalf("expected unsubscribed ack, got %#v", ack)
	}
}

func TestOriginCheckerAllowsLocalhostAndConfiguredOrigins(t *testing.T) {
	check := buildOriginChecker(nil, []string{"https://allowed.example"})

	allowedReq := httptest.NewRequest("GET", "/", nil)
	allowedReq.Header.Set("Origin", "https://allowed.example")
	if !check(allowedReq) {
		t.Fatal("expected configured origin to be allowed")
	}

	localReq := httptest.NewRequest("GET", "/", nil)
	localReq.Header.Set("Origin", "http://localhost:3000")
	if !check(localReq) {
		t.Fatal("expected localhost origin to be allowed")
	}

	deniedReq := httptest.NewRequest("GET", "/", nil)
	deniedReq.Header.Set("Origin", "https://evil.example")
	if check(deniedReq) {
		t.Fatal("expected unconfigured origin to be denied")
	}

	noOriginReq := httptest.NewRequest("GET", "/", nil)
	if check(noOriginReq) {
		t.Fatal("expected missing Origin header to be denied")
	}
}

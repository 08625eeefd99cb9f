package httpgateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sepabroker/internal/endpoint"
	"sepabroker/internal/manager"
	"sepabroker/internal/rdf"
)

func newTestServer(t *testing.T, adminToken string) (*httptest.Server, *endpoint.MemEndpoint) {
	t.Helper()
	ep := endpoint.NewMemEndpoint()
	ep.Store().Insert([]rdf.Triple{{Subject: rdf.IRI("urn:a"), Predicate: rdf.IRI("urn:p"), Object: rdf.Literal("1", "", "")}})

	mgr := manager.New(ep)
	hs := NewHandlerSet(Options{
		Manager:    mgr,
		Endpoint:   ep,
		AdminToken: adminToken,
	})
	mux := http.NewServeMux()
	hs.Register(mux)
	return httptest.NewServer(mux), ep
}

func TestLivenessAndReadiness(t *testing.T) {
	srv, _ := newTestServer(t, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/livez")
	if err != nil {
		t.Fatalf("GET /livez: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
}

func TestSPARQLUpdateRequiresAdminToken(t *testing.T) {
	srv, _ := newTestServer(t, "")
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sparql/update", "application/sparql-update",
		bytes.NewBufferString(`INSERT DATA { <urn:b> <urn:p> "2" }`))
	if err != nil {
		t.Fatalf("POST /sparql/update: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 when admin auth disabled, got %d", resp.StatusCode)
	}
}

func TestSPARQLUpdateAppliesWithValidToken(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/sparql/update",
		bytes.NewBufferString(`INSERT DATA { <urn:b> <urn:p> "2" }`))
	req.Header.Set("Authorization", "Bearer s3cret")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /sparql/update: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	qreq, _ := http.NewRequest(http.MethodPost, srv.URL+"/sparql/query",
		bytes.NewBufferString(`SELECT ?v WHERE { <urn:b> <urn:p> ?v }`))
	qresp, err := http.DefaultClient.Do(qreq)
	if err != nil {
		t.Fatalf("POST /sparql/query: %v", err)
	}
	defer qresp.Body.Close()
	var body struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(qresp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding query response: %v", err)
	}
	if len(body.Results) != 1 {
		t.Fatalf("expected 1 result row after update, got %d: %#v", len(body.Results), body.Results)
	}
}

func TestSPARQLUpdateRejectsWrongToken(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/sparql/update",
		bytes.NewBufferString(`INSERT DATA { <urn:b> <urn:p> "2" }`))
	req.Header.Set("Authorization", "Bearer wrong")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /sparql/update: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSubscribeQueryPollAndUnsubscribe(t *testing.T) {
	srv, _ := newTestServer(t, "")
	defer srv.Close()

	payload, _ := json.Marshal(map[string]any{
		"query": "SELECT ?x WHERE { ?x <urn:p> ?v }",
	})
	resp, err := http.Post(srv.URL+"/subscriptions", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /subscriptions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		SID             string           `json:"sid"`
		SPUID           string           `json:"spuid"`
		InitialBindings []map[string]any `json:"initialBindings"`
		EventsURL       string           `json:"eventsURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decoding subscribe response: %v", err)
	}
	if created.SID == "" || created.SPUID == "" {
		t.Fatalf("expected sid/spuid to be populated, got %#v", created)
	}
	if len(created.InitialBindings) != 1 {
		t.Fatalf("expected 1 initial binding, got %d", len(created.InitialBindings))
	}

	pollResp, err := http.Get(srv.URL + created.EventsURL)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer pollResp.Body.Close()
	if pollResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 polling events, got %d", pollResp.StatusCode)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/subscriptions/"+created.SID, nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE /subscriptions/{sid}: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on unsubscribe, got %d", delResp.StatusCode)
	}
}

func TestUnsubscribeUnknownSIDReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")
	defer srv.Close()

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/subscriptions/does-not-exist", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE /subscriptions/{sid}: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected manager's sid_not_found status, got %d", delResp.StatusCode)
	}
}

func TestPollUnknownSubscriptionReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/subscriptions/does-not-exist/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

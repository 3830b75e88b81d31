package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hexbauer/loxodon/activitypub"
	"github.com/hexbauer/loxodon/db"
	"github.com/hexbauer/loxodon/domain"
	"github.com/hexbauer/loxodon/util"
)

// setupTestRouter builds the full route table over an in-memory database
// seeded with one local actor.
func setupTestRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	id := "https://localhost/users/alice"
	actor := &domain.Actor{
		Id:              id,
		Name:            "alice",
		DisplayName:     "alice",
		FederationId:    id,
		InboxURI:        id + "/inbox",
		OutboxURI:       id + "/outbox",
		Local:           true,
		PublicKeyPem:    "-----BEGIN PUBLIC KEY-----\ntest\n-----END PUBLIC KEY-----",
		LastRefreshedAt: time.Now(),
	}
	if err, _ := database.UpsertActor(actor); err != nil {
		t.Fatalf("Failed to seed local actor: %v", err)
	}

	conf := &util.AppConfig{}
	conf.Conf.Host = "127.0.0.1"
	conf.Conf.HttpPort = 8080
	conf.Conf.SslDomain = "localhost"
	conf.Conf.Username = "alice"

	resolver := &activitypub.Resolver{Store: database, Fetcher: &activitypub.HTTPFetcher{}}
	inbox := &activitypub.Inbox{Store: database, Resolver: resolver, Conf: conf}

	return SetupRouter(conf, database, inbox)
}

func get(router *gin.Engine, path string, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	router := setupTestRouter(t)

	w := get(router, "/ping", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "pong" {
		t.Errorf("Expected body 'pong', got %q", w.Body.String())
	}
}

func TestActorDocument(t *testing.T) {
	router := setupTestRouter(t)

	// The document is served under /users/<name> and at the bare handle.
	for _, path := range []string{"/users/alice", "/alice"} {
		w := get(router, path, "application/activity+json")
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: expected status 200, got %d", path, w.Code)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"preferredUsername":"alice"`) {
			t.Errorf("GET %s: expected preferredUsername in document, got %s", path, body)
		}
		if !strings.Contains(body, `"type":"Person"`) {
			t.Errorf("GET %s: expected Person type, got %s", path, body)
		}
		if strings.Contains(body, "PRIVATE") {
			t.Errorf("GET %s: document leaks private material", path)
		}
	}
}

func TestActorDocumentWrongAccept(t *testing.T) {
	router := setupTestRouter(t)

	w := get(router, "/users/alice", "text/html")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for non-federation Accept header, got %d", w.Code)
	}
}

func TestActorDocumentNotFound(t *testing.T) {
	router := setupTestRouter(t)

	w := get(router, "/users/nobody", "application/activity+json")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown actor, got %d", w.Code)
	}
}

func TestNoRouteFallback(t *testing.T) {
	router := setupTestRouter(t)

	// Multi-segment paths and non-GET methods stay plain 404s.
	w := get(router, "/some/deep/path", "application/activity+json")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for multi-segment path, got %d", w.Code)
	}

	req := httptest.NewRequest("DELETE", "/alice", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for DELETE on handle, got %d", rec.Code)
	}
}

func TestWebfinger(t *testing.T) {
	router := setupTestRouter(t)

	w := get(router, "/.well-known/webfinger?resource=acct:alice@localhost", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"href":"https://localhost/users/alice"`) {
		t.Errorf("Expected self link to actor URI, got %s", body)
	}
	if !strings.Contains(body, `"rel":"self"`) {
		t.Errorf("Expected rel self link, got %s", body)
	}
}

func TestWebfingerUnknownActor(t *testing.T) {
	router := setupTestRouter(t)

	w := get(router, "/.well-known/webfinger?resource=acct:nobody@localhost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Not Found") {
		t.Errorf("Expected not-found body, got %s", w.Body.String())
	}
}

func TestWebfingerMalformedResource(t *testing.T) {
	router := setupTestRouter(t)

	for _, resource := range []string{
		"",
		"alice@localhost",
		"acct:alice",
		"acct:alice@elsewhere.example",
	} {
		w := get(router, "/.well-known/webfinger?resource="+resource, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("resource %q: expected status 400, got %d", resource, w.Code)
		}
	}
}

func TestInboxRequiresSignature(t *testing.T) {
	router := setupTestRouter(t)

	for _, path := range []string{"/inbox", "/users/alice/inbox"} {
		req := httptest.NewRequest("POST", path, strings.NewReader(`{"type":"Follow"}`))
		req.Header.Set("Content-Type", "application/activity+json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("POST %s: expected status 401 for unsigned request, got %d", path, w.Code)
		}
	}
}

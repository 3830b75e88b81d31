package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hexbauer/loxodon/domain"
)

// DefaultMaxActorAge is how long a cached remote actor counts as fresh
// before a dereference triggers a re-fetch.
const DefaultMaxActorAge = 24 * time.Hour

// Store is the persistence surface the federation layer depends on.
// Satisfied by *db.DB; tests may substitute any other implementation.
type Store interface {
	ReadActorById(id string) (error, *domain.Actor)
	ReadLocalActorByName(name string) (error, *domain.Actor)
	UpsertActor(actor *domain.Actor) (error, int64)
	CreateFollow(follow *domain.Follow) error
	ReadFollowByAccountIds(accountId string, targetAccountId string) (error, *domain.Follow)
	CreateActivity(activity *domain.Activity) error
	ReadActivityByURI(uri string) (error, *domain.Activity)
	UpdateActivity(activity *domain.Activity) error
	EnqueueDelivery(item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem)
	UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteDelivery(id uuid.UUID) error
}

// PublicKey is the publicKey block of an actor document.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Person represents the public JSON document of an actor.
type Person struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	PublicKey         PublicKey   `json:"publicKey"`
}

// ToPerson converts a persisted actor into its public wire document.
// A non-absolute URI in any of the actor's URI fields is a data-integrity
// violation, fatal for the request that needed the document.
func ToPerson(actor *domain.Actor) (*Person, error) {
	for _, field := range []string{actor.Id, actor.InboxURI, actor.OutboxURI} {
		if err := requireAbsoluteURI(field); err != nil {
			return nil, err
		}
	}

	return &Person{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                actor.Id,
		Type:              "Person",
		PreferredUsername: actor.DisplayName,
		Name:              actor.Name,
		Inbox:             actor.InboxURI,
		Outbox:            actor.OutboxURI,
		PublicKey: PublicKey{
			ID:           actor.Id + "#main-key",
			Owner:        actor.Id,
			PublicKeyPem: actor.PublicKeyPem,
		},
	}, nil
}

// FromPerson converts a fetched actor document into an Actor record ready
// for upsert. The result is always remote: no credentials, no private key.
// federation_id stays unset on ingest. Persistence is the caller's job.
func FromPerson(person *Person) (*domain.Actor, error) {
	if person.ID == "" || person.Inbox == "" || person.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor document missing required fields: %w", domain.ErrDereference)
	}

	return &domain.Actor{
		Id:              person.ID,
		Name:            person.Name,
		DisplayName:     person.PreferredUsername,
		FederationId:    "",
		InboxURI:        person.Inbox,
		OutboxURI:       person.Outbox,
		Local:           false,
		PublicKeyPem:    person.PublicKey.PublicKeyPem,
		LastRefreshedAt: time.Now(),
	}, nil
}

func requireAbsoluteURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("actor record holds non-absolute URI %q: %w", raw, domain.ErrStorage)
	}
	return nil
}

// Fetcher retrieves a remote actor document. The HTTP transport (and any
// retries it wants to do) lives behind this interface.
type Fetcher interface {
	Fetch(actorURI string) (*Person, error)
}

// HTTPFetcher fetches actor documents over plain HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(actorURI string) (*Person, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "loxodon/1.0 ActivityPub")

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var person Person
	if err := json.Unmarshal(body, &person); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	return &person, nil
}

// Resolver dereferences actor identifiers: local and fresh cached actors
// come straight from the store, everything else is fetched from its origin
// and upserted into the cache.
type Resolver struct {
	Store   Store
	Fetcher Fetcher
	MaxAge  time.Duration // zero means DefaultMaxActorAge
}

func (r *Resolver) maxAge() time.Duration {
	if r.MaxAge > 0 {
		return r.MaxAge
	}
	return DefaultMaxActorAge
}

// Dereference resolves an actor URI to its persisted record, fetching and
// caching from the network when the record is missing or stale.
func (r *Resolver) Dereference(actorURI string) (*domain.Actor, error) {
	err, cached := r.Store.ReadActorById(actorURI)
	if err == nil && cached != nil {
		if cached.Local || time.Since(cached.LastRefreshedAt) < r.maxAge() {
			return cached, nil
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	person, err := r.Fetcher.Fetch(actorURI)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", actorURI, err, domain.ErrDereference)
	}

	// The fetched document must not claim an identity hosted elsewhere.
	requestedDomain, err := extractDomain(actorURI)
	if err != nil {
		return nil, err
	}
	if err := VerifyOrigin(person.ID, requestedDomain); err != nil {
		return nil, err
	}

	actor, err := FromPerson(person)
	if err != nil {
		return nil, err
	}

	err, affected := r.Store.UpsertActor(actor)
	if err != nil {
		return nil, err
	}
	if affected != 1 {
		return nil, fmt.Errorf("upsert of %s affected %d rows: %w", actorURI, affected, domain.ErrStorage)
	}

	err, stored := r.Store.ReadActorById(actor.Id)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// extractDomain extracts the host from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI %q: %w", actorURI, domain.ErrMalformedInput)
	}
	return parsed.Host, nil
}

// extractUsername extracts the trailing path segment of an actor URI
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(uri, "/")
	if len(parts) > 0 {
		username := parts[len(parts)-1]
		return strings.TrimPrefix(username, "@")
	}
	return ""
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Actor represents one federated identity, local or remote. Remote actors
// are cached copies of documents fetched from their origin server.
type Actor struct {
	Id              string // canonical actor URI, unique
	Idx             int64  // storage surrogate key, never exposed externally
	Name            string // local handle, unique among local actors
	DisplayName     string // maps to the wire field preferredUsername
	FederationId    string
	InboxURI        string
	OutboxURI       string
	Local           bool
	PublicKeyPem    string
	PrivateKeyPem   string // only set when Local
	PasswordHash    string // only set for local actors with credentials
	Email           string
	LastRefreshedAt time.Time
}

// Follow represents a directional follow relationship between two actors,
// keyed by their actor URIs.
type Follow struct {
	Id              uuid.UUID
	AccountId       string // the follower's actor URI
	TargetAccountId string // the followed actor's URI
	URI             string // ActivityPub Follow activity URI
	Accepted        bool
	CreatedAt       time.Time
}

// Activity represents an inbound or outbound activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Accept, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryQueueItem represents an item in the outbound delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityJSON string // the complete activity to deliver
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

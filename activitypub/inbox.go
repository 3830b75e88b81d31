package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hexbauer/loxodon/domain"
	"github.com/hexbauer/loxodon/util"
)

// Activity represents a generic inbound ActivityPub activity
type Activity struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   string      `json:"actor"`
	Object  interface{} `json:"object"`
}

// FollowActivity represents an ActivityPub Follow activity
type FollowActivity struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   string      `json:"actor"`
	Object  string      `json:"object"` // URI of the actor being followed
}

// Inbox consumes inbound federation activities. The handshake for a Follow
// is single-pass: resolve both parties, verify the sender's origin, record
// the edge, queue the Accept. No retry state is kept between attempts.
type Inbox struct {
	Store    Store
	Resolver *Resolver
	Conf     *util.AppConfig

	// VerifySignature checks the HTTP signature of an inbound request
	// against the sender's public key. Defaults to VerifyRequest.
	VerifySignature func(r *http.Request, publicKeyPem string) (string, error)
}

// HandleInbox processes one incoming activity end to end.
func (in *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("Signature")
	if signature == "" {
		log.Printf("Inbox: Missing HTTP signature")
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil || activity.Actor == "" {
		log.Printf("Inbox: Failed to parse activity: %v", err)
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	log.Printf("Inbox: Received %s from %s", activity.Type, activity.Actor)

	// Resolve the sender first; its public key authenticates the request.
	sender, err := in.Resolver.Dereference(activity.Actor)
	if err != nil {
		log.Printf("Inbox: Failed to dereference actor %s: %v", activity.Actor, err)
		http.Error(w, "Failed to verify actor", statusFor(err))
		return
	}

	verify := in.VerifySignature
	if verify == nil {
		verify = VerifyRequest
	}
	if _, err := verify(r, sender.PublicKeyPem); err != nil {
		log.Printf("Inbox: Signature verification failed: %v", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	// A re-delivered activity that was already processed is a no-op.
	if err, seen := in.Store.ReadActivityByURI(activity.ID); err == nil && seen != nil && seen.Processed {
		log.Printf("Inbox: Activity %s already processed, skipping", activity.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    objectURIOf(activity.Object),
		RawJSON:      string(body),
		Processed:    false,
		Local:        false,
		CreatedAt:    time.Now(),
	}
	if err := in.Store.CreateActivity(record); err != nil {
		log.Printf("Inbox: Failed to store activity: %v", err)
		// Not fatal, the activity is processed anyway
	}

	switch activity.Type {
	case "Follow":
		if err := in.processFollow(body); err != nil {
			log.Printf("Inbox: Failed to handle Follow: %v", err)
			http.Error(w, "Failed to process Follow", statusFor(err))
			return
		}
	default:
		log.Printf("Inbox: Unsupported activity type: %s", activity.Type)
	}

	record.Processed = true
	if err := in.Store.UpdateActivity(record); err != nil {
		log.Printf("Inbox: Failed to mark activity %s processed: %v", record.ActivityURI, err)
		// Not fatal either, a re-delivery will be reprocessed idempotently
	}

	w.WriteHeader(http.StatusAccepted)
}

// processFollow runs the follow handshake: dereference both parties,
// verify the follower's claimed identity against the activity's origin,
// persist the edge, queue the Accept.
func (in *Inbox) processFollow(body []byte) error {
	var follow FollowActivity
	if err := json.Unmarshal(body, &follow); err != nil {
		return fmt.Errorf("failed to parse Follow activity: %v: %w", err, domain.ErrMalformedInput)
	}

	follower, err := in.Resolver.Dereference(follow.Actor)
	if err != nil {
		return err
	}

	followed, err := in.Resolver.Dereference(follow.Object)
	if err != nil {
		return err
	}

	// The Follow activity and the actor it claims to come from must share
	// an origin.
	originDomain, err := extractDomain(follow.ID)
	if err != nil {
		return err
	}
	if err := VerifyOrigin(follower.Id, originDomain); err != nil {
		return err
	}

	if !followed.Local {
		return fmt.Errorf("follow target %s is not hosted here: %w", followed.Id, domain.ErrNotFound)
	}

	log.Printf("Inbox: Processing Follow %s -> %s", follower.Id, followed.Id)

	followRecord := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower.Id,
		TargetAccountId: followed.Id,
		URI:             follow.ID,
		Accepted:        true, // follows are auto-accepted
		CreatedAt:       time.Now(),
	}
	if err := in.Store.CreateFollow(followRecord); err != nil {
		return err
	}

	if err := in.SendAccept(followed, follower, follow.ID); err != nil {
		return fmt.Errorf("failed to queue Accept: %w", err)
	}

	log.Printf("Inbox: Accepted follow from %s", follower.Id)
	return nil
}

// objectURIOf extracts the object URI from an activity's object field,
// which may be a plain URI string or an embedded object.
func objectURIOf(object interface{}) string {
	switch obj := object.(type) {
	case string:
		return obj
	case map[string]interface{}:
		if id, ok := obj["id"].(string); ok {
			return id
		}
	}
	return ""
}

// statusFor maps the error taxonomy to transport status codes. This is the
// only place the translation happens.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrVerification):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrDereference):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

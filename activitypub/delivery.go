package activitypub

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hexbauer/loxodon/domain"
	"github.com/hexbauer/loxodon/util"
)

// SendAccept queues an Accept activity confirming a Follow, addressed to
// the follower's inbox. Delivery happens asynchronously via the worker.
func (in *Inbox) SendAccept(local *domain.Actor, follower *domain.Actor, followURI string) error {
	accept := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       fmt.Sprintf("https://%s/activities/%s", in.Conf.Conf.SslDomain, uuid.New()),
		"type":     "Accept",
		"actor":    local.Id,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  follower.Id,
			"object": local.Id,
		},
	}

	activityJSON, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("failed to marshal Accept: %w", err)
	}

	return in.Store.EnqueueDelivery(&domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     follower.InboxURI,
		ActivityJSON: string(activityJSON),
		Attempts:     0,
		NextRetryAt:  time.Now(),
		CreatedAt:    time.Now(),
	})
}

// StartDeliveryWorker starts a background worker that drains the delivery
// queue every ten seconds.
func StartDeliveryWorker(store Store, conf *util.AppConfig) {
	log.Println("Starting delivery worker...")

	ticker := time.NewTicker(10 * time.Second)
	go func() {
		for range ticker.C {
			processDeliveryQueue(store, conf)
		}
	}()
}

// processDeliveryQueue processes pending deliveries from the queue
func processDeliveryQueue(store Store, conf *util.AppConfig) {
	err, items := store.ReadPendingDeliveries(50)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read queue: %v", err)
		return
	}

	if items == nil || len(*items) == 0 {
		return
	}

	log.Printf("DeliveryWorker: Processing %d pending deliveries", len(*items))

	for _, item := range *items {
		if err := deliverActivity(store, &item, conf); err != nil {
			item.Attempts++
			backoffMinutes := []int{1, 5, 15, 60, 240, 1440}[min(item.Attempts-1, 5)]
			item.NextRetryAt = time.Now().Add(time.Duration(backoffMinutes) * time.Minute)

			if item.Attempts >= 10 {
				log.Printf("DeliveryWorker: Giving up on delivery to %s after %d attempts", item.InboxURI, item.Attempts)
				store.DeleteDelivery(item.Id)
			} else {
				log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d), retry in %dm: %v",
					item.InboxURI, item.Attempts, backoffMinutes, err)
				store.UpdateDeliveryAttempt(item.Id, item.Attempts, item.NextRetryAt)
			}
		} else {
			log.Printf("DeliveryWorker: Successfully delivered to %s", item.InboxURI)
			store.DeleteDelivery(item.Id)
		}
	}
}

// deliverActivity attempts to deliver a single activity to an inbox,
// signed with the sending local actor's private key.
func deliverActivity(store Store, item *domain.DeliveryQueueItem, conf *util.AppConfig) error {
	var activity map[string]interface{}
	if err := json.Unmarshal([]byte(item.ActivityJSON), &activity); err != nil {
		return fmt.Errorf("failed to parse activity JSON: %w", err)
	}

	actorURI, ok := activity["actor"].(string)
	if !ok {
		return fmt.Errorf("activity missing actor field")
	}

	name := extractUsername(actorURI)
	if name == "" {
		return fmt.Errorf("invalid actor URI: %s", actorURI)
	}

	err, localActor := store.ReadLocalActorByName(name)
	if err != nil {
		return fmt.Errorf("failed to load local actor: %w", err)
	}

	privateKey, err := ParsePrivateKey(localActor.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	req, err := http.NewRequest("POST", item.InboxURI, bytes.NewReader([]byte(item.ActivityJSON)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// The digest covers the exact bytes on the wire and is part of the
	// signature.
	hash := sha256.Sum256([]byte(item.ActivityJSON))
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "loxodon/1.0 ActivityPub")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)

	keyID := localActor.Id + "#main-key"
	if err := SignRequest(req, privateKey, keyID); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	return nil
}

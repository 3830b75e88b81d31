package web

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hexbauer/loxodon/activitypub"
	"github.com/hexbauer/loxodon/domain"
	"github.com/hexbauer/loxodon/util"
)

// WebFingerResponse is the resource descriptor returned for webfinger
// queries.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// extractWebfingerName pulls the local handle out of a resource string of
// the form "acct:<name>@<domain>". The domain must be this node's.
func extractWebfingerName(resource string, localDomain string) (string, error) {
	if !strings.HasPrefix(resource, "acct:") {
		return "", fmt.Errorf("webfinger resource %q: %w", resource, domain.ErrMalformedInput)
	}
	rest := strings.TrimPrefix(resource, "acct:")
	name, host, found := strings.Cut(rest, "@")
	if !found || name == "" || host == "" {
		return "", fmt.Errorf("webfinger resource %q: %w", resource, domain.ErrMalformedInput)
	}
	if !strings.EqualFold(host, localDomain) {
		return "", fmt.Errorf("webfinger resource %q is not served by %s: %w", resource, localDomain, domain.ErrMalformedInput)
	}
	return name, nil
}

// GetWebfinger resolves a webfinger resource string to a descriptor that
// links the handle to the actor's canonical federation URI.
func GetWebfinger(resource string, store activitypub.Store, conf *util.AppConfig) (error, string) {
	name, err := extractWebfingerName(resource, conf.Conf.SslDomain)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	err, actor := store.ReadLocalActorByName(name)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	if actor.FederationId == "" {
		return fmt.Errorf("actor %s has no federation id: %w", name, domain.ErrNotFound), GetWebFingerNotFound()
	}

	resp := WebFingerResponse{
		Subject: resource,
		Links: []WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: actor.FederationId,
			},
		},
	}

	jsonBytes, err := json.Marshal(resp)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	return nil, string(jsonBytes)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

package web

import (
	"encoding/json"

	"github.com/hexbauer/loxodon/activitypub"
)

// GetActor renders the public actor document for a local actor. This is the
// whole read path: local store lookup, then wire conversion. The resolver's
// fetch path is never involved here.
func GetActor(name string, store activitypub.Store) (error, string) {
	err, actor := store.ReadLocalActorByName(name)
	if err != nil {
		return err, "{}"
	}

	person, err := activitypub.ToPerson(actor)
	if err != nil {
		return err, "{}"
	}

	jsonBytes, err := json.Marshal(person)
	if err != nil {
		return err, "{}"
	}

	return nil, string(jsonBytes)
}

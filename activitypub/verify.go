package activitypub

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hexbauer/loxodon/domain"
)

// VerifyOrigin checks that the host component of claimedId equals
// expectedDomain. Comparison is case-insensitive per URI authority rules.
// A mismatch means a document from one origin is claiming an identity
// hosted at another origin and must never be accepted.
func VerifyOrigin(claimedId string, expectedDomain string) error {
	parsed, err := url.Parse(claimedId)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("claimed id %q: %w", claimedId, domain.ErrMalformedInput)
	}
	if !strings.EqualFold(parsed.Host, expectedDomain) {
		return fmt.Errorf("claimed id %s is not hosted on %s: %w", claimedId, expectedDomain, domain.ErrVerification)
	}
	return nil
}

package candidate

import (
	"testing"
	"time"
)

func TestQueueKey_PerJobNamespacing(t *testing.T) {
	a := queueKey("job-1")
	b := queueKey("job-2")
	if a == b {
		t.Errorf("queueKey must namespace by job id: got %q == %q", a, b)
	}
}

func TestOfferKey_PerJobNamespacing(t *testing.T) {
	a := offerKey("job-1")
	b := offerKey("job-2")
	if a == b {
		t.Errorf("offerKey must namespace by job id: got %q == %q", a, b)
	}
}

func TestOffer_ExpiresAtRoundTrip(t *testing.T) {
	expiresAt := time.Now().Add(15 * time.Second).Truncate(time.Second)
	o := &Offer{JobID: "job-1", CaptainID: "cap-1", ExpiresAt: expiresAt}
	reconstructed := time.Unix(o.ExpiresAt.Unix(), 0)
	if !reconstructed.Equal(expiresAt) {
		t.Errorf("expiry round-trip through unix seconds lost precision: got %v, want %v", reconstructed, expiresAt)
	}
}

// Package channel implements the SecureChannel state root (component D) and
// its request/response correlator (component F): channel id, current and
// previous security tokens, the send-sequence and request-id counters, and
// the pending-request map that ties a decoded response back to the promise
// a caller is awaiting.
//
// Everything here is owned by, and mutated only from, one channel's
// serialization queue (uatransport/queue): see spec §4.D-§4.F and §5.
package channel

import (
	"time"

	"github.com/opcua-io/uatransport"
)

// SecurityToken is the short-lived symmetric keying material identified by
// tokenId, scoped to one channelId.
type SecurityToken struct {
	TokenID        uint32
	ChannelID      uint32
	CreatedAt      time.Time
	LifetimeMillis uint32
	Keys           uatransport.DerivedKeySet
}

// gracePercent is the retention grace period beyond a token's lifetime
// during which chunks signed under it are still accepted, per spec §9's
// resolution of the "retention policy for previous" open question: drop no
// later than lifetime + 25% grace.
const gracePercent = 25

// Expired reports whether t, evaluated at now, is past its lifetime plus
// the 25% grace interval and must be dropped.
func (t *SecurityToken) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	grace := time.Duration(t.LifetimeMillis) * time.Millisecond * gracePercent / 100
	deadline := t.CreatedAt.Add(time.Duration(t.LifetimeMillis) * time.Millisecond).Add(grace)
	return now.After(deadline)
}

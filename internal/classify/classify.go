// Package classify maps raw transport outcomes to the retry policy
// classes the scheduler acts on.
package classify

import "github.com/kwrelay/kwrelay/internal/transport"

// Class is the failure classification of a delivery outcome.
type Class string

const (
	// Success is a clean delivery.
	Success Class = "success"

	// Transient covers network and timeout class failures. The target is
	// re-queued with an incremented attempt counter.
	Transient Class = "transient"

	// Permanent covers failures that can never succeed for this target:
	// malformed target, blocked by recipient, account restricted for it.
	Permanent Class = "permanent"

	// RateLimited covers platform throttling signals. The sender backs
	// off; the target rotates to a different sender.
	RateLimited Class = "rate_limited"
)

// Classify maps an outcome to its class. Unknown codes are conservatively
// Transient: failing open toward retry never loses a target, while a wrong
// Permanent verdict would.
func Classify(o transport.Outcome) Class {
	switch o.Code {
	case transport.CodeOK:
		return Success
	case transport.CodeFloodWait, transport.CodePeerFlood:
		return RateLimited
	case transport.CodeBadTarget, transport.CodeBlocked, transport.CodePrivacyRestricted, transport.CodeDeactivated:
		return Permanent
	case transport.CodeTimeout, transport.CodeNetwork, transport.CodeInternal:
		return Transient
	default:
		return Transient
	}
}

// Package consent decides whether a private message may be persisted,
// combining both parties' opt-in/opt-out state under the server-wide
// consent mode. The evaluator is pure: callers read the current state
// from account metadata at write time and pass it in.
package consent

import "github.com/recapnet/histd/internal/model"

// MayStorePM reports whether a private message between sender and
// recipient may be stored.
//
// Unset is neither an opt-in nor an opt-out: it only matters in
// single-party mode, where it counts as "not opted in".
func MayStorePM(sender, recipient model.Consent, mode model.ConsentMode) bool {
	switch mode {
	case model.ConsentModeGlobal:
		// Store unless either party explicitly opted out.
		return sender != model.ConsentOptOut && recipient != model.ConsentOptOut

	case model.ConsentModeSingleParty:
		// An explicit opt-out from either party overrides any opt-in.
		if sender == model.ConsentOptOut || recipient == model.ConsentOptOut {
			return false
		}
		return sender == model.ConsentOptIn || recipient == model.ConsentOptIn

	case model.ConsentModeMultiParty:
		return sender == model.ConsentOptIn && recipient == model.ConsentOptIn

	default:
		return false
	}
}

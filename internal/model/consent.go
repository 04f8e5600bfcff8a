package model

import "fmt"

// ConsentKey is the well-known account metadata key read by the consent
// evaluator before a private message is persisted.
const ConsentKey = "history.consent"

// Consent is one account's stored-history preference. Unset is a real
// state, not a default for either of the other two: it means the
// account has expressed nothing.
type Consent uint8

const (
	ConsentUnset Consent = iota
	ConsentOptIn
	ConsentOptOut
)

// String returns the metadata value for a consent state.
func (c Consent) String() string {
	switch c {
	case ConsentUnset:
		return "unset"
	case ConsentOptIn:
		return "opt-in"
	case ConsentOptOut:
		return "opt-out"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseConsent parses a stored metadata value. An absent or empty value
// is ConsentUnset; anything unrecognized is an error so a corrupted
// value never silently becomes an opt-in.
func ParseConsent(s string) (Consent, error) {
	switch s {
	case "", "unset":
		return ConsentUnset, nil
	case "opt-in":
		return ConsentOptIn, nil
	case "opt-out":
		return ConsentOptOut, nil
	default:
		return ConsentUnset, fmt.Errorf("unknown consent value: %q", s)
	}
}

// ConsentMode is the server-wide policy combining two parties' consent
// before a private message is stored.
type ConsentMode uint8

const (
	// ConsentModeGlobal stores unless either party explicitly opted out.
	ConsentModeGlobal ConsentMode = iota

	// ConsentModeSingleParty stores if either party opted in, but an
	// explicit opt-out from either party overrides any opt-in.
	ConsentModeSingleParty

	// ConsentModeMultiParty stores only if both parties opted in.
	ConsentModeMultiParty
)

// String returns the configuration name of a consent mode.
func (m ConsentMode) String() string {
	switch m {
	case ConsentModeGlobal:
		return "global"
	case ConsentModeSingleParty:
		return "single-party"
	case ConsentModeMultiParty:
		return "multi-party"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseConsentMode parses a configuration value into a ConsentMode.
func ParseConsentMode(s string) (ConsentMode, error) {
	switch s {
	case "global":
		return ConsentModeGlobal, nil
	case "single-party":
		return ConsentModeSingleParty, nil
	case "multi-party":
		return ConsentModeMultiParty, nil
	default:
		return 0, fmt.Errorf("unknown consent mode: %q", s)
	}
}

package mode

import (
	"fmt"
	"time"
)

// Proof is the evidence the human-confirmation workflow hands over when it
// asks for a context. Only its shape is checked here; the interactive steps
// happen before the call.
type Proof struct {
	Method      string    `json:"method"`
	ConfirmedBy string    `json:"confirmed_by"`
	ConfirmedAt time.Time `json:"confirmed_at"`
	Reference   string    `json:"reference,omitempty"`
}

var proofMethods = map[string]bool{
	"password":     true,
	"totp":         true,
	"typed_phrase": true,
	"hardware_key": true,
	"sso":          true,
}

const clockSkew = 5 * time.Second

func (p Proof) empty() bool {
	return p.Method == "" && p.ConfirmedBy == "" && p.ConfirmedAt.IsZero() && p.Reference == ""
}

// validate checks the proof for a switch into m. LIVE always needs a fresh
// proof from the same actor; other modes accept none but reject a malformed one.
func (p Proof) validate(m Mode, actorID string, now time.Time, maxAge time.Duration) error {
	if m != Live && p.empty() {
		return nil
	}
	if !proofMethods[p.Method] {
		return fmt.Errorf("%w: unknown method %q", ErrProof, p.Method)
	}
	if p.ConfirmedBy != actorID {
		return fmt.Errorf("%w: confirmed by %q, requested by %q", ErrProof, p.ConfirmedBy, actorID)
	}
	if p.ConfirmedAt.IsZero() {
		return fmt.Errorf("%w: confirmation time missing", ErrProof)
	}
	if p.ConfirmedAt.After(now.Add(clockSkew)) {
		return fmt.Errorf("%w: confirmation time in the future", ErrProof)
	}
	if now.Sub(p.ConfirmedAt) > maxAge {
		return fmt.Errorf("%w: confirmation older than %s", ErrProof, maxAge)
	}
	return nil
}

package signaling

import (
	"context"
	"errors"

	"github.com/Maelsh/dueli-opus-sub002/internal/auth"
	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
)

// Verification error codes, returned verbatim on the wire.
const (
	CodeInvalidSession       = "invalid_session"
	CodeCompetitionNotFound  = "competition_not_found"
	CodeCompetitionNotActive = "competition_not_active"
	CodeNotParticipant       = "not_participant"
	CodeRoleMismatch         = "role_mismatch"
)

// VerifyError is a join rejection carrying its wire code.
type VerifyError struct {
	Code string
}

func (e *VerifyError) Error() string { return "signaling verify failed: " + e.Code }

// VerifyResult is the outcome of a successful verification.
type VerifyResult struct {
	UserID string           `json:"userId"`
	Role   competition.Role `json:"role"`
}

// Verifier asserts a peer's claimed role against the authoritative
// competition record. Role claims are never trusted from the client alone.
type Verifier struct {
	competitions  competition.Store
	sessionSecret string
}

// NewVerifier creates a Verifier.
func NewVerifier(competitions competition.Store, sessionSecret string) *Verifier {
	return &Verifier{competitions: competitions, sessionSecret: sessionSecret}
}

// Verify validates the session token, resolves the competition, and checks
// that the authenticated user actually holds the claimed role.
func (v *Verifier) Verify(ctx context.Context, sessionToken, competitionID string, claimedRole competition.Role) (*VerifyResult, error) {
	userID, err := auth.ParseSessionToken(sessionToken, v.sessionSecret)
	if err != nil {
		return nil, &VerifyError{Code: CodeInvalidSession}
	}

	rec, err := v.competitions.Get(ctx, competitionID)
	if err != nil {
		if errors.Is(err, competition.ErrNotFound) {
			return nil, &VerifyError{Code: CodeCompetitionNotFound}
		}
		return nil, err
	}
	if !rec.Live {
		return nil, &VerifyError{Code: CodeCompetitionNotActive}
	}

	actual := rec.RoleOf(userID)
	if actual == "" {
		return nil, &VerifyError{Code: CodeNotParticipant}
	}
	if claimedRole.Valid() && claimedRole != actual {
		return nil, &VerifyError{Code: CodeRoleMismatch}
	}

	return &VerifyResult{UserID: userID, Role: actual}, nil
}

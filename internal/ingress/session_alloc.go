package ingress

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/models"
)

// allocateSession resolves or creates the session for a normalized
// request and acquires its turn lock (spec.md §4.1 steps 2-3). On
// success the caller owns the lock and must release it via
// releaseSession once the turn completes or times out.
func allocateSession(ctx context.Context, store contracts.Store, req *models.NormalizedRequest) (*models.Session, string, error) {
	key := models.SessionKey{
		UserID:         req.UserID,
		Surface:        req.Surface,
		ChannelID:      req.ChannelID,
		ThreadID:       req.ThreadID,
		ExternalUserID: req.ExternalUserID,
		WorkspaceID:    req.WorkspaceID,
	}

	session, _, err := store.GetOrCreateSession(ctx, key)
	if err != nil {
		return nil, "", Internal(fmt.Errorf("allocate session: %w", err))
	}

	lockToken, err := newLockToken()
	if err != nil {
		return nil, "", Internal(fmt.Errorf("generate lock token: %w", err))
	}

	acquired, err := store.AcquireTurn(ctx, session.ID, lockToken)
	if err != nil {
		return nil, "", Internal(fmt.Errorf("acquire turn: %w", err))
	}
	if !acquired {
		// Turn lock contention produces no state change (spec.md §8
		// boundary behavior): the session row is left exactly as found.
		return nil, "", Conflict("a request for this session is already in flight")
	}

	return session, lockToken, nil
}

// releaseSession clears the turn lock. Errors are logged by the caller,
// not surfaced to the HTTP response — the turn already happened.
func releaseSession(ctx context.Context, store contracts.Store, sessionID, lockToken string) error {
	return store.ReleaseTurn(ctx, sessionID, lockToken)
}

func newLockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

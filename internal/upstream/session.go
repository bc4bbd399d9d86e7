package upstream

import (
	"context"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/BizGeminiAPI/internal/account"
)

// SessionFor returns the account's current session name, creating a fresh
// session when none exists or the rotation limits (use count, age) tripped.
// Concurrent callers racing on a missing session share one create.
func (c *Client) SessionFor(ctx context.Context, snap account.Snapshot, jwt string) (string, error) {
	if session, ok := c.pool.SessionForUse(snap.ID, sessionMaxUses, sessionMaxAge); ok {
		return session, nil
	}
	v, err, _ := c.sessionFlights.Do(snap.ID, func() (any, error) {
		// The winner may have installed a session while this caller queued.
		if session, ok := c.pool.SessionForUse(snap.ID, sessionMaxUses, sessionMaxAge); ok {
			return session, nil
		}
		displayName := newSessionDisplayName()
		session, errCreate := c.CreateSession(ctx, snap, jwt, displayName)
		if errCreate != nil {
			return nil, errCreate
		}
		c.pool.SetSession(snap.ID, session)
		log.Debugf("account %s rotated to session %s (%s)", snap.ID, displayName, session)
		return session, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// newSessionDisplayName returns a short random hex display name.
func newSessionDisplayName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

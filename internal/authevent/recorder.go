// Package authevent upserts the per-login audit record in the registry.
// This is the only write this system performs against the registry
// database.
package authevent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EventUserLogin is the authentication event type recorded on each
// successful resolution.
const EventUserLogin = "UL"

// Recorder writes authentication events. Keyed by identifier plus event
// type: the latest row's modified timestamp is bumped when one exists,
// otherwise a new row is inserted.
type Recorder struct {
	db  *sql.DB
	now func() time.Time
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

const lastEventQuery = `SELECT id FROM cm_authentication_events
 WHERE authenticated_identifier = $1
 AND authentication_event = $2
 ORDER BY modified DESC
 LIMIT 1`

const updateEventQuery = `UPDATE cm_authentication_events SET modified = $1 WHERE id = $2`

const insertEventQuery = `INSERT INTO cm_authentication_events
 (authenticated_identifier, authentication_event, remote_ip, created, modified)
 VALUES ($1, $2, $3, $4, $5)`

// Record upserts the login event for the identifier. remoteIP is the
// client address as seen at the HTTP boundary.
func (r *Recorder) Record(ctx context.Context, identifier, remoteIP string) error {
	now := r.now().UTC().Format("2006-01-02 15:04:05")

	var id int
	err := r.db.QueryRowContext(ctx, lastEventQuery, identifier, EventUserLogin).Scan(&id)
	switch {
	case err == nil:
		if _, err := r.db.ExecContext(ctx, updateEventQuery, now, id); err != nil {
			return fmt.Errorf("authevent: update: %w", err)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		if _, err := r.db.ExecContext(ctx, insertEventQuery,
			identifier, EventUserLogin, remoteIP, now, now); err != nil {
			return fmt.Errorf("authevent: insert: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("authevent: lookup: %w", err)
	}
}

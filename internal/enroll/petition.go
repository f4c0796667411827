// Package enroll surfaces the enrollment petition behind an account in
// pending-confirmation state: the invitation mail, how long the
// confirmation token still lives, and where to resend it.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rciam.org/internal/registry"
)

// ResendEndpoint is the registry path for re-sending the confirmation
// mail; %id% is replaced with the petition id.
const ResendEndpoint = "/registry/co_petitions/resend/%id%"

// Banner severity levels shown to the user.
const (
	BannerInfo    = "info"
	BannerWarning = "warning"
)

// Invitation describes a pending enrollment confirmation.
type Invitation struct {
	PetitionID int
	Mail       string
	Expired    bool
	// Window is the humanized distance to (or since) expiry,
	// e.g. "2 days 4 hours".
	Window         string
	ResendEndpoint string
}

// BannerClass returns the notification severity: warning once the token
// has expired, info while it is still valid.
func (i Invitation) BannerClass() string {
	if i.Expired {
		return BannerWarning
	}
	return BannerInfo
}

type petitionStore interface {
	PetitionByStatus(ctx context.Context, personID int, status string) (registry.Petition, error)
}

// Handler looks up pending petitions for enrollees.
type Handler struct {
	store petitionStore
	now   func() time.Time
}

func NewHandler(store petitionStore) *Handler {
	return &Handler{store: store, now: time.Now}
}

// PendingInvitation fetches the person's pending-confirmation petition.
// Returns registry.ErrNotFound when no such petition exists.
func (h *Handler) PendingInvitation(ctx context.Context, personID int) (Invitation, error) {
	p, err := h.store.PetitionByStatus(ctx, personID, registry.StatusPendingConfirmation)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Invitation{}, err
		}
		return Invitation{}, fmt.Errorf("enroll: petition lookup: %w", err)
	}

	diff := time.Unix(p.ExpiresUnix, 0).Sub(h.now())
	inv := Invitation{
		PetitionID:     p.ID,
		Mail:           p.Mail,
		Expired:        diff < 0,
		Window:         humanizeWindow(diff),
		ResendEndpoint: strings.ReplaceAll(ResendEndpoint, "%id%", strconv.Itoa(p.ID)),
	}
	return inv, nil
}

// humanizeWindow renders the absolute distance to expiry in the largest
// two units.
func humanizeWindow(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%d days %d hours", days, hours)
	case hours > 0:
		return fmt.Sprintf("%d hours %d minutes", hours, minutes)
	default:
		return fmt.Sprintf("%d minutes", minutes)
	}
}

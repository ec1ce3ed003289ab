package cleanup

import (
	"context"
	"errors"
	"fmt"
)

// ProfileProvider is the browser-fingerprint profile service.
// Methods return ErrNotFound for unknown profiles.
type ProfileProvider interface {
	DeleteProfile(ctx context.Context, id string) error
	ProfileExists(ctx context.Context, id string) (bool, error)
}

// ProfileRecords is the local store of provider profile references.
type ProfileRecords interface {
	DeleteProfileRecord(ctx context.Context, id string) error
}

// ProfileHandler deletes the identity's fingerprint profile at the provider
// and then drops the local record.
type ProfileHandler struct {
	provider ProfileProvider
	records  ProfileRecords
}

func NewProfileHandler(provider ProfileProvider, records ProfileRecords) *ProfileHandler {
	return &ProfileHandler{provider: provider, records: records}
}

func (h *ProfileHandler) Cleanup(ctx context.Context, res Resources) Result {
	if res.ProfileID == "" {
		return skipped()
	}
	if err := h.provider.DeleteProfile(ctx, res.ProfileID); err != nil && !errors.Is(err, ErrNotFound) {
		return failed(fmt.Errorf("deleting profile %s: %w", res.ProfileID, err))
	}

	exists, err := h.provider.ProfileExists(ctx, res.ProfileID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Result{
			Success: true,
			Error:   fmt.Sprintf("verifying profile %s removal: %s", res.ProfileID, err),
		}
	}
	if exists && err == nil {
		return Result{
			Success: true,
			Error:   fmt.Sprintf("profile %s still present at provider", res.ProfileID),
		}
	}

	if h.records != nil {
		if err := h.records.DeleteProfileRecord(ctx, res.ProfileID); err != nil && !errors.Is(err, ErrNotFound) {
			return Result{
				Success: true,
				Error:   fmt.Sprintf("deleting local profile record %s: %s", res.ProfileID, err),
			}
		}
	}
	return Result{Success: true, Verified: true}
}

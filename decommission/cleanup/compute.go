package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errStillPresent = errors.New("server still present")

// ComputeProvider is the cloud API a compute handler talks to.
// Both methods return ErrNotFound when the server does not exist.
type ComputeProvider interface {
	DeleteServer(ctx context.Context, id string) error
	ServerExists(ctx context.Context, id string) (bool, error)
}

// ComputeHandler deletes the identity's virtual machine and waits until the
// provider no longer reports it.
type ComputeHandler struct {
	provider ComputeProvider

	PollInterval  time.Duration
	VerifyTimeout time.Duration
}

// NewComputeHandler returns a compute handler using provider.
func NewComputeHandler(provider ComputeProvider) *ComputeHandler {
	return &ComputeHandler{
		provider:      provider,
		PollInterval:  2 * time.Second,
		VerifyTimeout: 2 * time.Minute,
	}
}

func (h *ComputeHandler) Cleanup(ctx context.Context, res Resources) Result {
	if res.ServerID == "" {
		return skipped()
	}
	if err := h.provider.DeleteServer(ctx, res.ServerID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return failed(fmt.Errorf("deleting server %s: %w", res.ServerID, err))
		}
		log.Debugf("server %s already gone", res.ServerID)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.PollInterval
	eb.MaxInterval = 4 * h.PollInterval
	eb.MaxElapsedTime = h.VerifyTimeout
	err := backoff.Retry(func() error {
		exists, err := h.provider.ServerExists(ctx, res.ServerID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			log.Debugf("checking server %s: %s", res.ServerID, err)
			return err
		}
		if exists {
			return errStillPresent
		}
		return nil
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return Result{
			Success: true,
			Error:   fmt.Sprintf("verifying server %s removal: %s", res.ServerID, err),
		}
	}
	return Result{Success: true, Verified: true}
}

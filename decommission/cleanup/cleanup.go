// Package cleanup tears down the external resources owned by a managed
// identity. Each handler is idempotent: a resource that is already gone or
// already in the desired state is reported as success.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("decom.cleanup")

// DefaultTimeout bounds a single handler call when no timeout is given.
const DefaultTimeout = 5 * time.Minute

// ErrNotFound is returned by providers when the resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Resources are the external resources owned by an identity.
// Empty fields mean the identity never owned that kind.
type Resources struct {
	IdentityID string
	ServerID   string
	ServerIP   string
	Domain     string
	ProfileID  string
	AccountIDs []string
}

// Result is the outcome of a cleanup call. Success means the destructive
// call was accepted, Verified means a follow-up read confirmed the end state.
type Result struct {
	Success     bool
	Verified    bool
	NeedsManual bool
	Error       string
	Details     []string
}

// Done reports whether the resource can be considered cleaned up.
func (r Result) Done() bool {
	return r.Success && r.Verified
}

// Handler cleans up one kind of resource.
type Handler interface {
	Cleanup(ctx context.Context, res Resources) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, res Resources) Result

func (f HandlerFunc) Cleanup(ctx context.Context, res Resources) Result {
	return f(ctx, res)
}

// Run invokes h bounded by timeout. A handler that does not return in time
// yields a timeout result; a panicking handler yields a failed result.
func Run(ctx context.Context, h Handler, res Resources, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("cleanup panic for identity %s: %v\n%s", res.IdentityID, r, debug.Stack())
				done <- Result{Error: fmt.Sprintf("panic: %v", r)}
			}
		}()
		done <- h.Cleanup(ctx, res)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Error: "timeout"}
		}
		return Result{Error: ctx.Err().Error()}
	}
}

func skipped() Result {
	return Result{Success: true, Verified: true}
}

func failed(err error) Result {
	return Result{Error: err.Error()}
}

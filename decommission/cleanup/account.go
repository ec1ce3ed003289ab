package cleanup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// AuditActionArchive is recorded for every archived account.
const AuditActionArchive = "account.archived"

// AccountArchiver flips an account's lifecycle flag to archived. It reports
// whether the account changed.
type AccountArchiver interface {
	ArchiveAccount(ctx context.Context, accountID string) (bool, error)
}

// AuditEntry is one audit log line.
type AuditEntry struct {
	IdentityID string
	AccountID  string
	Action     string
	Detail     string
	CreatedAt  time.Time
}

// AuditLog persists audit entries. Recording the same action for the same
// account twice must keep a single entry.
type AuditLog interface {
	RecordAudit(ctx context.Context, e AuditEntry) error
}

// AccountHandler archives the identity's downstream ad accounts. The
// accounts themselves live on the ad platform and are only marked locally.
type AccountHandler struct {
	accounts AccountArchiver
	audit    AuditLog
	now      func() time.Time
}

// AccountOption configures an AccountHandler.
type AccountOption func(*AccountHandler)

// WithAuditClock sets the time source for audit entries.
func WithAuditClock(now func() time.Time) AccountOption {
	return func(h *AccountHandler) {
		h.now = now
	}
}

func NewAccountHandler(accounts AccountArchiver, audit AuditLog, opts ...AccountOption) *AccountHandler {
	h := &AccountHandler{accounts: accounts, audit: audit, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *AccountHandler) Cleanup(ctx context.Context, res Resources) Result {
	if len(res.AccountIDs) == 0 {
		return skipped()
	}
	var errs *multierror.Error
	var details []string
	for _, id := range res.AccountIDs {
		changed, err := h.accounts.ArchiveAccount(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("archiving account %s: %w", id, err))
			continue
		}
		// An earlier run may have archived the account and then failed to
		// audit it, so the entry is written either way.
		if !changed {
			details = append(details, fmt.Sprintf("account %s already archived", id))
		}
		if h.audit == nil {
			continue
		}
		if err := h.audit.RecordAudit(ctx, AuditEntry{
			IdentityID: res.IdentityID,
			AccountID:  id,
			Action:     AuditActionArchive,
			Detail:     "archived by decommission",
			CreatedAt:  h.now(),
		}); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("auditing account %s: %w", id, err))
		}
	}
	if errs != nil {
		errs.ErrorFormat = joinErrors
		return Result{Error: errs.Error(), Details: details}
	}
	return Result{Success: true, Verified: true, Details: details}
}

func joinErrors(es []error) string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "; ")
}

package cleanup

import (
	"context"
	"errors"
	"fmt"

	isd "github.com/jbenet/go-is-domain"
)

// AutoRenewState is the auto-renewal flag as read back from a registrar.
type AutoRenewState int

const (
	AutoRenewUnknown AutoRenewState = iota
	AutoRenewOn
	AutoRenewOff
)

func (s AutoRenewState) String() string {
	switch s {
	case AutoRenewOn:
		return "on"
	case AutoRenewOff:
		return "off"
	default:
		return "unknown"
	}
}

// Registrar disables and reads back domain auto-renewal.
// Both methods return ErrNotFound when the domain is not registered with it.
type Registrar interface {
	DisableAutoRenew(ctx context.Context, domain string) error
	AutoRenew(ctx context.Context, domain string) (AutoRenewState, error)
}

// RecordCleaner removes DNS records for domain that point at target.
type RecordCleaner interface {
	DeleteRecords(ctx context.Context, domain, target string) (int, error)
}

// DomainHandler stops a domain from renewing. Deleting a registration is not
// possible through registrars, so the domain is left to expire.
type DomainHandler struct {
	registrar Registrar
	records   RecordCleaner
}

// NewDomainHandler returns a domain handler. records may be nil.
func NewDomainHandler(registrar Registrar, records RecordCleaner) *DomainHandler {
	return &DomainHandler{registrar: registrar, records: records}
}

func (h *DomainHandler) Cleanup(ctx context.Context, res Resources) Result {
	if res.Domain == "" {
		return skipped()
	}
	if !isd.IsDomain(res.Domain) {
		return failed(fmt.Errorf("invalid domain name %q", res.Domain))
	}

	var details []string
	if h.records != nil && res.ServerIP != "" {
		n, err := h.records.DeleteRecords(ctx, res.Domain, res.ServerIP)
		if err != nil {
			log.Warnf("removing dns records for %s: %s", res.Domain, err)
			details = append(details, fmt.Sprintf("dns records not removed: %s", err))
		} else if n > 0 {
			details = append(details, fmt.Sprintf("removed %d dns records", n))
		}
	}

	disableErr := h.registrar.DisableAutoRenew(ctx, res.Domain)
	if errors.Is(disableErr, ErrNotFound) {
		log.Debugf("domain %s not found at registrar", res.Domain)
		return Result{Success: true, Verified: true, Details: details}
	}

	// The read-back decides the outcome. Registrars may reject the disable
	// call for a domain whose auto-renew is already off.
	state, err := h.registrar.AutoRenew(ctx, res.Domain)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Warnf("reading auto-renew for %s: %s", res.Domain, err)
		state = AutoRenewUnknown
	} else if errors.Is(err, ErrNotFound) {
		state = AutoRenewOff
	}
	if disableErr != nil {
		if state == AutoRenewOff {
			details = append(details, fmt.Sprintf("disable call failed but auto-renew is off: %s", disableErr))
			return Result{Success: true, Verified: true, Details: details}
		}
		return Result{
			NeedsManual: true,
			Error: fmt.Sprintf("disabling auto-renew for %s: %s: auto-renew is %s, manual intervention required at the registrar",
				res.Domain, disableErr, state),
			Details: details,
		}
	}
	switch state {
	case AutoRenewOff:
		return Result{Success: true, Verified: true, Details: details}
	case AutoRenewOn:
		return Result{
			Success: true,
			Error:   fmt.Sprintf("auto-renew still enabled for %s: manual intervention required at the registrar", res.Domain),
			Details: details,
		}
	default:
		return Result{
			Success:     true,
			NeedsManual: true,
			Error:       fmt.Sprintf("could not confirm auto-renew state for %s: manual intervention required at the registrar", res.Domain),
			Details:     details,
		}
	}
}

package decommission

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Category is a candidate category.
type Category string

const (
	CategorySuspended     Category = "suspended"
	CategoryAppealTimeout Category = "appeal_timeout"
	CategoryInactive      Category = "inactive"
)

// Trigger maps a category to the trigger used when it is auto-scheduled.
func (c Category) Trigger() TriggerType {
	switch c {
	case CategorySuspended:
		return TriggerSuspendedTimeout
	case CategoryAppealTimeout:
		return TriggerAppealTimeout
	case CategoryInactive:
		return TriggerInactiveTimeout
	default:
		panic(fmt.Sprintf("unknown category %q", c))
	}
}

// StateRecord is an account or identity that entered a state at Since.
// Retired is set for identities already archived or decommissioned.
type StateRecord struct {
	IdentityID string
	Name       string
	Since      time.Time
	Retired    bool
}

// CandidateSource queries records whose state started before a cutoff.
type CandidateSource interface {
	SuspendedBefore(ctx context.Context, cutoff time.Time) ([]StateRecord, error)
	AppealingBefore(ctx context.Context, cutoff time.Time) ([]StateRecord, error)
	InactiveBefore(ctx context.Context, cutoff time.Time) ([]StateRecord, error)
}

// Candidate is an identity eligible for decommission.
type Candidate struct {
	IdentityID  string `json:"identityId"`
	Name        string `json:"name"`
	DaysInState int    `json:"daysInState"`
}

// Candidates groups candidates by category.
type Candidates struct {
	Suspended     []Candidate `json:"suspended"`
	AppealTimeout []Candidate `json:"appealTimeout"`
	Inactive      []Candidate `json:"inactive"`
}

// Each calls fn for every candidate with its category.
func (c *Candidates) Each(fn func(Category, Candidate)) {
	for _, x := range c.Suspended {
		fn(CategorySuspended, x)
	}
	for _, x := range c.AppealTimeout {
		fn(CategoryAppealTimeout, x)
	}
	for _, x := range c.Inactive {
		fn(CategoryInactive, x)
	}
}

// Scanner finds identities whose accounts stayed dead past the thresholds.
type Scanner struct {
	src CandidateSource
	now func() time.Time
}

func NewScanner(src CandidateSource, opts ...Option) *Scanner {
	o := applyOptions(opts)
	return &Scanner{src: src, now: o.now}
}

// Scan returns candidates per category. Categories with a zero threshold
// are not scanned.
func (s *Scanner) Scan(ctx context.Context, conf Config) (*Candidates, error) {
	now := s.now()
	out := &Candidates{
		Suspended:     []Candidate{},
		AppealTimeout: []Candidate{},
		Inactive:      []Candidate{},
	}
	g, gctx := errgroup.WithContext(ctx)
	scan := func(days int, query func(context.Context, time.Time) ([]StateRecord, error), dst *[]Candidate, name string) {
		if days <= 0 {
			return
		}
		g.Go(func() error {
			recs, err := query(gctx, now.Add(-time.Duration(days)*24*time.Hour))
			if err != nil {
				return fmt.Errorf("scanning %s: %w", name, err)
			}
			*dst = collect(recs, now)
			return nil
		})
	}
	scan(conf.SuspendedDays, s.src.SuspendedBefore, &out.Suspended, "suspended accounts")
	scan(conf.AppealDays, s.src.AppealingBefore, &out.AppealTimeout, "appealing accounts")
	scan(conf.InactiveDays, s.src.InactiveBefore, &out.Inactive, "inactive identities")
	if err := g.Wait(); err != nil {
		return nil, storeErr("scanning candidates", err)
	}
	return out, nil
}

// collect drops retired identities, keeps the longest stretch per identity,
// and sorts by days in state, longest first.
func collect(recs []StateRecord, now time.Time) []Candidate {
	byID := make(map[string]Candidate, len(recs))
	for _, r := range recs {
		if r.Retired {
			continue
		}
		days := int(now.Sub(r.Since).Hours() / 24)
		if c, ok := byID[r.IdentityID]; ok && c.DaysInState >= days {
			continue
		}
		byID[r.IdentityID] = Candidate{
			IdentityID:  r.IdentityID,
			Name:        r.Name,
			DaysInState: days,
		}
	}
	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DaysInState != out[j].DaysInState {
			return out[i].DaysInState > out[j].DaysInState
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	return out
}

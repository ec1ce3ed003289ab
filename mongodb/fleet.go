package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/decommission/cleanup"
)

// Fleet joins identities, their accounts and profiles into the view used by
// the decommission orchestrator and candidate scanner.
type Fleet struct {
	identities *Identities
	accounts   *Accounts
	profiles   *Profiles
}

var (
	_ decommission.IdentityStore   = (*Fleet)(nil)
	_ decommission.CandidateSource = (*Fleet)(nil)
)

func NewFleet(identities *Identities, accounts *Accounts, profiles *Profiles) *Fleet {
	return &Fleet{identities: identities, accounts: accounts, profiles: profiles}
}

func (f *Fleet) GetIdentity(ctx context.Context, id string) (*decommission.Identity, error) {
	doc, err := f.identities.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	accounts, err := f.accounts.ListByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	res := cleanup.Resources{
		IdentityID: doc.ID,
		ServerID:   doc.ServerID,
		ServerIP:   doc.ServerIP,
		Domain:     doc.Domain,
	}
	for _, a := range accounts {
		res.AccountIDs = append(res.AccountIDs, a.ID)
	}
	profile, err := f.profiles.GetByIdentity(ctx, id)
	if err != nil && !errors.Is(err, decommission.ErrNotFound) {
		return nil, err
	}
	if profile != nil {
		res.ProfileID = profile.ID
	}
	return &decommission.Identity{
		ID:               doc.ID,
		Name:             doc.Name,
		Archived:         doc.Archived,
		DecommissionedAt: doc.DecommissionedAt,
		Resources:        res,
	}, nil
}

func (f *Fleet) MarkDecommissioned(ctx context.Context, id string, at time.Time, archive bool) error {
	return f.identities.MarkDecommissioned(ctx, id, at, archive)
}

func (f *Fleet) SuspendedBefore(ctx context.Context, cutoff time.Time) ([]decommission.StateRecord, error) {
	accounts, err := f.accounts.ListSuspendedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return f.accountRecords(ctx, accounts, func(a *Account) time.Time {
		return a.HealthChangedAt
	})
}

func (f *Fleet) AppealingBefore(ctx context.Context, cutoff time.Time) ([]decommission.StateRecord, error) {
	accounts, err := f.accounts.ListAppealingBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return f.accountRecords(ctx, accounts, func(a *Account) time.Time {
		return *a.AppealStartedAt
	})
}

func (f *Fleet) InactiveBefore(ctx context.Context, cutoff time.Time) ([]decommission.StateRecord, error) {
	docs, err := f.identities.ListInactiveBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	recs := make([]decommission.StateRecord, len(docs))
	for i, d := range docs {
		recs[i] = decommission.StateRecord{
			IdentityID: d.ID,
			Name:       d.Name,
			Since:      d.UpdatedAt,
			Retired:    d.Retired(),
		}
	}
	return recs, nil
}

func (f *Fleet) accountRecords(ctx context.Context, accounts []*Account, since func(*Account) time.Time) ([]decommission.StateRecord, error) {
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.IdentityID)
	}
	identities, err := f.identities.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	var recs []decommission.StateRecord
	for _, a := range accounts {
		identity, ok := identities[a.IdentityID]
		if !ok {
			log.Warnf("account %s references missing identity %s", a.ID, a.IdentityID)
			continue
		}
		recs = append(recs, decommission.StateRecord{
			IdentityID: identity.ID,
			Name:       identity.Name,
			Since:      since(a),
			Retired:    identity.Retired(),
		})
	}
	return recs, nil
}

package matching

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/notification"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

// PartyDirectory resolves the audiences of a match event from the registry.
// Hospitals with a webhook URL are addressed there; everyone else through
// their inbox topic.
type PartyDirectory struct {
	reg registry.Registry
}

func NewPartyDirectory(reg registry.Registry) *PartyDirectory {
	return &PartyDirectory{reg: reg}
}

// ResolveParties addresses the recipient and donor straight from the event
// and looks up their hospitals. A failed lookup is reported on that
// hospital's target so the others are still notified.
func (p *PartyDirectory) ResolveParties(ctx context.Context, ev notification.MatchEvent) ([]notification.Target, error) {
	targets := []notification.Target{
		{Party: notification.PartyRecipient, PartyID: ev.RecipientID.String(), Address: notification.InboxTopic("recipient", ev.RecipientID.String())},
		{Party: notification.PartyDonor, PartyID: ev.DonorID.String(), Address: notification.InboxTopic("donor", ev.DonorID.String())},
	}

	var recipientHospital, donorHospital *uuid.UUID
	r, rErr := p.reg.GetRecipient(ctx, ev.RecipientID)
	if rErr == nil {
		recipientHospital = r.HospitalID
	}
	d, dErr := p.reg.GetDonor(ctx, ev.DonorID)
	if dErr == nil {
		donorHospital = d.HospitalID
	}

	for _, h := range []struct {
		party     notification.Party
		id        *uuid.UUID
		lookupErr error
	}{
		{notification.PartyRecipientHospital, recipientHospital, rErr},
		{notification.PartyDonorHospital, donorHospital, dErr},
	} {
		if t, ok := p.hospital(ctx, h.party, h.id, h.lookupErr); ok {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// hospital reports ok=false when there is no hospital to notify. An owner
// or hospital lookup failure yields a target carrying the error.
func (p *PartyDirectory) hospital(ctx context.Context, party notification.Party, id *uuid.UUID, ownerErr error) (notification.Target, bool) {
	if ownerErr != nil {
		if errors.Is(ownerErr, sentinel.ErrNotFound) {
			return notification.Target{}, false
		}
		return notification.Target{Party: party, Err: ownerErr}, true
	}
	if id == nil || *id == uuid.Nil {
		return notification.Target{}, false
	}
	h, err := p.reg.GetHospital(ctx, *id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return notification.Target{}, false
	}
	if err != nil {
		return notification.Target{Party: party, PartyID: id.String(), Err: err}, true
	}
	addr := notification.InboxTopic("hospital", h.ID.String())
	if h.WebhookURL != nil && *h.WebhookURL != "" {
		addr = *h.WebhookURL
	}
	return notification.Target{Party: party, PartyID: h.ID.String(), Address: addr}, true
}

var _ notification.PartyResolver = (*PartyDirectory)(nil)

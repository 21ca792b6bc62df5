package scantrans

import "context"

// admit decides, once per batch and before any remote call, whether the
// identity's budget covers the requested units. Paid identities are
// accepted immediately; everyone else must fit inside today's remaining
// free allowance. This is a point-in-time decision only: the hard floor is
// enforced again by Ledger.Consume when units complete.
func (e *Engine) admit(ctx context.Context, id Identity, requested int64) (QuotaSnapshot, error) {
	snap, err := e.ledger.Remaining(ctx, id)
	if err != nil {
		return QuotaSnapshot{}, err
	}

	if snap.Paid || requested <= snap.Remaining {
		e.meter.OnAdmission(AdmissionEvent{
			Identity:  id,
			Requested: requested,
			Remaining: snap.Remaining,
			Accepted:  true,
		})
		return snap, nil
	}

	shortfall := requested - snap.Remaining
	e.meter.OnAdmission(AdmissionEvent{
		Identity:  id,
		Requested: requested,
		Remaining: snap.Remaining,
		Accepted:  false,
		Shortfall: shortfall,
	})
	return snap, &AdmissionError{
		Requested: requested,
		Remaining: snap.Remaining,
		Shortfall: shortfall,
	}
}

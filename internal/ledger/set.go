package ledger

// Claim binds a ledger to the subject it is charged against
type Claim struct {
	Ledger  *Ledger
	Subject string
}

// Set is a conjunction of claims: a request is admitted only when every
// ledger admits it, and a success debits every ledger once.
type Set []Claim

// Check reports the combined decision without reserving
func (s Set) Check() Decision {
	d := Decision{Allowed: true, Remaining: Unlimited}
	for _, c := range s {
		if c.Ledger == nil {
			continue
		}
		allowed, remaining := c.Ledger.Check(c.Subject)
		cd := Decision{
			Allowed:   allowed,
			Remaining: remaining,
			Limit:     c.Ledger.Limit(),
			ResetAt:   c.Ledger.ResetAt(c.Subject),
			Window:    c.Ledger.Window(),
		}
		d = combine(d, cd)
	}
	return d
}

// combine keeps the denying decision, or the tightest one when both allow
func combine(acc, next Decision) Decision {
	if !acc.Allowed {
		return acc
	}
	if !next.Allowed {
		return next
	}
	if next.Remaining == Unlimited {
		return acc
	}
	if acc.Remaining == Unlimited || next.Remaining < acc.Remaining {
		return next
	}
	return acc
}

// Hold is the set of reservations taken by Set.Reserve
type Hold struct {
	reservations []*Reservation
}

// Reserve takes a reservation on every claim. If any claim denies, the
// reservations already taken are released and the hold is nil.
func (s Set) Reserve() (*Hold, Decision) {
	h := &Hold{}
	d := Decision{Allowed: true, Remaining: Unlimited}
	for _, c := range s {
		if c.Ledger == nil {
			continue
		}
		r, cd := c.Ledger.Reserve(c.Subject)
		if !cd.Allowed {
			h.Release()
			return nil, cd
		}
		h.reservations = append(h.reservations, r)
		d = combine(d, cd)
	}
	return h, d
}

// Commit debits every reserved ledger once
func (h *Hold) Commit() {
	if h == nil {
		return
	}
	for _, r := range h.reservations {
		r.Commit()
	}
}

// Release frees every reservation without a debit
func (h *Hold) Release() {
	if h == nil {
		return
	}
	for _, r := range h.reservations {
		r.Release()
	}
}

package resolution

import (
	"context"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/normalize"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/pkg/logger"
)

// Key is the normalized comparison form of one participant endpoint.
type Key struct {
	Kind  EntityKind
	Exact string // canonical address or E.164 number
	Fuzzy string // email domain or last-10 phone digits; "" disables fuzzy
}

// KeyFor normalizes a participant's raw value. ok is false when the raw
// value is malformed; such rows stay unmatched but still count as
// processed.
func KeyFor(p Participant, defaultRegion string) (Key, bool) {
	switch p.Kind {
	case KindEmail:
		email := normalize.Email(p.RawValue)
		if email == "" {
			return Key{}, false
		}
		return Key{Kind: KindEmail, Exact: email, Fuzzy: normalize.EmailDomain(email)}, true
	case KindPhone:
		e164 := normalize.Phone(p.RawValue, defaultRegion)
		if e164 == "" {
			return Key{}, false
		}
		return Key{Kind: KindPhone, Exact: e164, Fuzzy: normalize.PhoneLast10(e164)}, true
	default:
		return Key{}, false
	}
}

// Strategy is one way of resolving a key to a candidate. nil candidate
// means "no opinion"; the chain moves on to the next strategy.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, key Key) (*Candidate, error)
}

// Matcher runs strategies in strict precedence order and stops at the
// first hit: manual override, then exact reference match, then fuzzy.
type Matcher struct {
	strategies []Strategy
}

// NewMatcher builds the standard precedence chain over the given store.
func NewMatcher(store *Store) *Matcher {
	return &Matcher{strategies: []Strategy{
		manualStrategy{store},
		exactStrategy{store},
		fuzzyStrategy{store},
	}}
}

// Resolve returns at most one candidate for the key. A strategy's lookup
// error (including a single slow query hitting its own deadline) is
// degraded to "no opinion" for that strategy; a missing or broken
// reference row must never fail the whole batch. Only the caller's own
// cancellation aborts.
func (m *Matcher) Resolve(ctx context.Context, key Key) (*Candidate, error) {
	for _, strat := range m.strategies {
		cand, err := strat.Resolve(ctx, key)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logger.Warn("match strategy lookup failed",
				"strategy", strat.Name(), "kind", string(key.Kind), "error", err.Error())
			continue
		}
		if cand != nil {
			return cand, nil
		}
	}
	return nil, nil
}

// manualStrategy consults the operator-curated override table. A hit is a
// hard override: it short-circuits every other signal.
type manualStrategy struct{ store *Store }

func (s manualStrategy) Name() string { return "manual" }

func (s manualStrategy) Resolve(ctx context.Context, key Key) (*Candidate, error) {
	m, err := s.store.LookupManual(ctx, key.Exact)
	if err != nil || m == nil {
		return nil, err
	}
	return &Candidate{
		ContactID:  m.ContactID,
		AccountID:  m.AccountID,
		Confidence: ConfidenceManual,
	}, nil
}

// exactStrategy matches the normalized key against the contact reference
// data's known addresses/numbers.
type exactStrategy struct{ store *Store }

func (s exactStrategy) Name() string { return "exact" }

func (s exactStrategy) Resolve(ctx context.Context, key Key) (*Candidate, error) {
	var (
		c   *ContactRef
		err error
	)
	switch key.Kind {
	case KindEmail:
		c, err = s.store.LookupContactByEmail(ctx, key.Exact)
	case KindPhone:
		c, err = s.store.LookupContactByPhone(ctx, key.Exact)
	}
	if err != nil || c == nil {
		return nil, err
	}
	return &Candidate{
		ContactID:  c.ID,
		AccountID:  c.AccountID,
		Confidence: ConfidenceExact,
	}, nil
}

// fuzzyStrategy is the last resort: shared email domain, or shared
// last-10 phone digits. Ambiguity is resolved inside the store query
// (most recently modified contact wins) so it never fails a batch.
type fuzzyStrategy struct{ store *Store }

func (s fuzzyStrategy) Name() string { return "fuzzy" }

func (s fuzzyStrategy) Resolve(ctx context.Context, key Key) (*Candidate, error) {
	if key.Fuzzy == "" {
		return nil, nil
	}
	var (
		c   *ContactRef
		err error
	)
	switch key.Kind {
	case KindEmail:
		c, err = s.store.LookupContactByEmailDomain(ctx, key.Fuzzy)
	case KindPhone:
		c, err = s.store.LookupContactByPhoneLast10(ctx, key.Fuzzy)
	}
	if err != nil || c == nil {
		return nil, err
	}
	return &Candidate{
		ContactID:  c.ID,
		AccountID:  c.AccountID,
		Confidence: ConfidenceFuzzy,
	}, nil
}

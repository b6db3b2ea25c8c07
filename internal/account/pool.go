package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketAccounts = []byte("accounts")

// ErrNotFound is returned when an account email has no record.
var ErrNotFound = errors.New("account: not found")

// ErrNoEligibleAccount is returned by Lease when no pooled account
// currently has enough remaining quota to serve the request.
var ErrNoEligibleAccount = errors.New("account: no eligible account available")

// SessionRefresher re-authenticates an account against the host when
// Lease finds its best candidate's session has expired. Set via
// SetSessionRefresher; left nil, Lease returns ErrNoEligibleAccount
// whenever its best candidate has no session token or an expired one.
type SessionRefresher func(email, currentToken string) (token string, expiresAt time.Time, err error)

// Pool is the durable, quota-aware account pool (C2 of the core design).
type Pool struct {
	db *bolt.DB
	mu sync.Mutex // serializes lease selection across goroutines

	refresher SessionRefresher
}

// SetSessionRefresher wires the closure Lease calls to refresh an
// otherwise-eligible account whose session has expired. The account
// package doesn't import hostclient directly so callers (typically the
// engine) supply this during setup.
func (p *Pool) SetSessionRefresher(fn SessionRefresher) {
	p.refresher = fn
}

// LeaseOption narrows or biases Lease's candidate selection.
type LeaseOption func(*leaseOptions)

type leaseOptions struct {
	exclude           map[string]bool
	preferPremium     bool
	minRemainingBytes int64
}

// WithExcludeAccounts removes the named accounts from consideration,
// used by the scheduler to retry against a different account after a
// per-account concurrency cap rejects the current best candidate.
func WithExcludeAccounts(emails ...string) LeaseOption {
	return func(o *leaseOptions) {
		if o.exclude == nil {
			o.exclude = make(map[string]bool, len(emails))
		}
		for _, e := range emails {
			o.exclude[e] = true
		}
	}
}

// WithPreferPremium restricts ranking to Premium-tier accounts when at
// least one is eligible, instead of just weighting for them.
func WithPreferPremium(prefer bool) LeaseOption {
	return func(o *leaseOptions) { o.preferPremium = prefer }
}

// WithMinRemainingBytes excludes accounts whose remaining quota would
// drop below min after serving this lease.
func WithMinRemainingBytes(min int64) LeaseOption {
	return func(o *leaseOptions) { o.minRemainingBytes = min }
}

// Open opens (creating if absent) the bbolt database at path. The
// daemon keeps accounts in their own file (accounts.db), separate from
// the task store's tasks.db.
func Open(path string) (*Pool, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("account: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAccounts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Pool{db: db}, nil
}

// Close closes the underlying database file.
func (p *Pool) Close() error {
	return p.db.Close()
}

// Add inserts or replaces an account record.
func (p *Pool) Add(a *Account) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Timezone == "" {
		a.Timezone = "Local"
	}
	if a.QuotaResetAt.IsZero() {
		a.QuotaResetAt = nextMidnight(time.Now(), a.Timezone)
	}

	return p.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAccounts).Put([]byte(a.Email), data)
	})
}

// Remove deletes an account record.
func (p *Pool) Remove(email string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b.Get([]byte(email)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(email))
	})
}

// Get fetches one account by email.
func (p *Pool) Get(email string) (*Account, error) {
	var a Account
	err := p.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(email))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns every pooled account, sorted by email.
func (p *Pool) List() ([]*Account, error) {
	var accounts []*Account
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			var a Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			accounts = append(accounts, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Email < accounts[j].Email })
	return accounts, nil
}

// Lease selects and reserves an account for a transfer: prefer
// Premium tier, then lowest in-flight lease count, tie-broken by
// greatest remaining quota bytes. Only the best candidate's session is
// checked: if it is missing or expired, Lease asks the SessionRefresher
// (when set) to renew it once and returns ErrNoEligibleAccount if that
// fails; other candidates are not tried.
func (p *Pool) Lease(estimatedBytes int64, opts ...LeaseOption) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var o leaseOptions
	for _, opt := range opts {
		opt(&o)
	}

	p.resetExpiredWindows()

	candidates, err := p.List()
	if err != nil {
		return nil, err
	}

	eligible := func(a *Account) bool {
		if o.exclude[a.Email] {
			return false
		}
		if !a.Eligible(estimatedBytes) {
			return false
		}
		if o.minRemainingBytes > 0 && a.RemainingBytes()-estimatedBytes < o.minRemainingBytes {
			return false
		}
		return true
	}

	var best *Account
	var bestPremium bool
	for _, a := range candidates {
		if !eligible(a) {
			continue
		}
		premium := a.Tier == TierPremium
		if o.preferPremium && bestPremium && !premium {
			continue
		}
		if best == nil || better(a, best) || (o.preferPremium && premium && !bestPremium) {
			best = a
			bestPremium = premium
		}
	}
	if best == nil {
		return nil, ErrNoEligibleAccount
	}

	if !sessionValid(best) {
		if refreshed, ok := p.tryRefreshSession(best); ok {
			best = refreshed
		} else {
			return nil, ErrNoEligibleAccount
		}
	}

	lease := &Lease{ID: uuid.NewString(), AccountEmail: best.Email, SessionToken: best.SessionToken}

	err = p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		data := b.Get([]byte(best.Email))
		if data == nil {
			return ErrNotFound
		}
		var a Account
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		a.InFlightLeases++
		a.UpdatedAt = time.Now()
		newData, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.Email), newData)
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// sessionValid reports whether a has a usable, unexpired session.
func sessionValid(a *Account) bool {
	if a.SessionToken == "" {
		return false
	}
	return a.SessionExpiresAt.IsZero() || a.SessionExpiresAt.After(time.Now())
}

// tryRefreshSession asks the configured refresher to renew a's session
// and persists the result, returning an updated copy on success.
func (p *Pool) tryRefreshSession(a *Account) (*Account, bool) {
	if p.refresher == nil {
		return nil, false
	}
	token, expiresAt, err := p.refresher(a.Email, a.SessionToken)
	if err != nil {
		return nil, false
	}
	if err := p.Refresh(a.Email, token, expiresAt); err != nil {
		return nil, false
	}
	updated := *a
	updated.SessionToken = token
	updated.SessionExpiresAt = expiresAt
	return &updated, true
}

// better reports whether candidate ranks above current under the
// pinned lease-selection policy (Premium > lowest in-flight > most
// remaining bytes).
func better(candidate, current *Account) bool {
	if (candidate.Tier == TierPremium) != (current.Tier == TierPremium) {
		return candidate.Tier == TierPremium
	}
	if candidate.InFlightLeases != current.InFlightLeases {
		return candidate.InFlightLeases < current.InFlightLeases
	}
	return candidate.RemainingBytes() > current.RemainingBytes()
}

// Release returns a lease, recording the bytes actually consumed
// against the account's daily quota.
func (p *Pool) Release(lease *Lease, bytesConsumed int64) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		data := b.Get([]byte(lease.AccountEmail))
		if data == nil {
			return ErrNotFound
		}
		var a Account
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.InFlightLeases > 0 {
			a.InFlightLeases--
		}
		a.DailyUsedBytes += bytesConsumed
		a.UpdatedAt = time.Now()
		newData, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.Email), newData)
	})
}

// Refresh updates an account's session token/expiry after a login or
// refresh call against the host (performed by the caller via the Host
// Client contract; Refresh only persists the result).
func (p *Pool) Refresh(email, sessionToken string, expiresAt time.Time) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		data := b.Get([]byte(email))
		if data == nil {
			return ErrNotFound
		}
		var a Account
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		a.SessionToken = sessionToken
		a.SessionExpiresAt = expiresAt
		a.UpdatedAt = time.Now()
		newData, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.Email), newData)
	})
}

// resetExpiredWindows zeroes daily_used_bytes for any account whose
// quota_reset_at has passed, advancing it to the account's next local
// midnight. Called with p.mu held.
func (p *Pool) resetExpiredWindows() {
	now := time.Now()
	_ = p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		return b.ForEach(func(k, v []byte) error {
			var a Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if now.Before(a.QuotaResetAt) {
				return nil
			}
			a.DailyUsedBytes = 0
			a.QuotaResetAt = nextMidnight(now, a.Timezone)
			a.UpdatedAt = now
			data, err := json.Marshal(&a)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		})
	})
}

func nextMidnight(from time.Time, tzName string) time.Time {
	loc, err := time.LoadLocation(tzName)
	if err != nil || tzName == "Local" {
		loc = time.Local
	}
	local := from.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return next
}

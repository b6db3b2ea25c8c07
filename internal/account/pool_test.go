package account

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestLease_PrefersPremiumThenLowestInFlight(t *testing.T) {
	p := openTestPool(t)
	require.NoError(t, p.Add(&Account{Email: "free@host", Tier: TierFree, DailyQuotaBytes: 1_000_000, SessionToken: "tok"}))
	require.NoError(t, p.Add(&Account{Email: "premium@host", Tier: TierPremium, DailyQuotaBytes: 1_000_000, SessionToken: "tok"}))

	lease, err := p.Lease(1000)
	require.NoError(t, err)
	assert.Equal(t, "premium@host", lease.AccountEmail)

	// premium@host now holds one lease; a second premium account with
	// none in flight wins the next lease.
	require.NoError(t, p.Add(&Account{Email: "premium2@host", Tier: TierPremium, DailyQuotaBytes: 1_000_000, SessionToken: "tok"}))
	lease2, err := p.Lease(1000)
	require.NoError(t, err)
	assert.Equal(t, "premium2@host", lease2.AccountEmail)
}

func TestLease_SkipsIneligibleAccounts(t *testing.T) {
	p := openTestPool(t)
	require.NoError(t, p.Add(&Account{Email: "tiny@host", Tier: TierFree, DailyQuotaBytes: 10, SessionToken: "tok"}))
	require.NoError(t, p.Add(&Account{Email: "big@host", Tier: TierFree, DailyQuotaBytes: 1_000_000, SessionToken: "tok"}))

	lease, err := p.Lease(500)
	require.NoError(t, err)
	assert.Equal(t, "big@host", lease.AccountEmail)
}

func TestLease_NoEligibleAccountReturnsError(t *testing.T) {
	p := openTestPool(t)
	require.NoError(t, p.Add(&Account{Email: "a@host", DailyQuotaBytes: 10, SessionToken: "tok"}))

	_, err := p.Lease(1000)
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestReleaseRecordsQuotaUsage(t *testing.T) {
	p := openTestPool(t)
	require.NoError(t, p.Add(&Account{Email: "a@host", DailyQuotaBytes: 1000, SessionToken: "tok"}))

	lease, err := p.Lease(100)
	require.NoError(t, err)

	require.NoError(t, p.Release(lease, 400))

	acct, err := p.Get("a@host")
	require.NoError(t, err)
	assert.Equal(t, int64(400), acct.DailyUsedBytes)
	assert.Equal(t, 0, acct.InFlightLeases)
	assert.Equal(t, int64(600), acct.RemainingBytes())
}

func TestQuotaWindowResetsAfterDeadlinePasses(t *testing.T) {
	p := openTestPool(t)
	require.NoError(t, p.Add(&Account{
		Email:           "a@host",
		DailyQuotaBytes: 1000,
		DailyUsedBytes:  900,
		QuotaResetAt:    time.Now().Add(-time.Minute),
		Timezone:        "Local",
	}))

	p.resetExpiredWindows()

	acct, err := p.Get("a@host")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.DailyUsedBytes)
	assert.True(t, acct.QuotaResetAt.After(time.Now()))
}

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"notifyflow/internal/domain"
)

func newTestRepo(t *testing.T, lease time.Duration) Repository {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteRepo(db, lease)
}

func TestCheckOrReserveNewKey(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	ctx := context.Background()

	rsv, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelEmail, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Reserved, rsv.Outcome)

	ds, err := repo.GetDelivery(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.StatusInflight, ds[0].Status)
	require.NotNil(t, ds[0].LeaseUntil)
}

func TestCheckOrReserveAlreadyTerminal(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	ctx := context.Background()

	_, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelEmail, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Commit(ctx, "evt-1", domain.ChannelEmail, domain.StatusSent, 2, ""))

	rsv, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelEmail, time.Now())
	require.NoError(t, err)
	assert.Equal(t, AlreadyTerminal, rsv.Outcome)
	assert.Equal(t, domain.StatusSent, rsv.PriorStatus)
	assert.Equal(t, 2, rsv.PriorAttempts)
}

func TestCheckOrReserveInflightElsewhere(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelPush, now)
	require.NoError(t, err)

	rsv, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelPush, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, InflightElsewhere, rsv.Outcome)
}

func TestCheckOrReserveExpiredLeaseTakenOver(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelPush, now)
	require.NoError(t, err)

	// A crashed worker never commits; after the lease expires the key
	// must be reservable again.
	rsv, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelPush, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Reserved, rsv.Outcome)
}

func TestChannelsAreIndependentKeys(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	r1, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelEmail, now)
	require.NoError(t, err)
	r2, err := repo.CheckOrReserve(ctx, "evt-1", domain.ChannelPush, now)
	require.NoError(t, err)
	assert.Equal(t, Reserved, r1.Outcome)
	assert.Equal(t, Reserved, r2.Outcome)
}

func TestCommitRejectsNonTerminal(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	err := repo.Commit(context.Background(), "evt-1", domain.ChannelEmail, domain.StatusInflight, 1, "")
	assert.Error(t, err)
}

func TestConcurrentReserveOneWinner(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make([]ReserveOutcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rsv, err := repo.CheckOrReserve(ctx, "evt-race", domain.ChannelEmail, time.Now())
			if !assert.NoError(t, err) {
				return
			}
			outcomes[i] = rsv.Outcome
		}(i)
	}
	wg.Wait()

	reserved := 0
	for _, o := range outcomes {
		if o == Reserved {
			reserved++
		}
	}
	assert.Equal(t, 1, reserved, "exactly one worker may win the reservation")
}

func TestOutcomeOutbox(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	ctx := context.Background()

	oc := domain.OutcomeEvent{
		Type:    domain.OutcomeFailed,
		EventID: "evt-1",
		Results: []domain.ChannelResult{
			{Channel: domain.ChannelEmail, Status: domain.StatusSent, Attempts: 1},
			{Channel: domain.ChannelPush, Status: domain.StatusFailed, Attempts: 1, Error: "bad token"},
		},
		CompletedAt: time.Now().UTC(),
	}

	inserted, err := repo.SaveOutcome(ctx, oc)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Redelivery must not create a second outcome row.
	inserted, err = repo.SaveOutcome(ctx, oc)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, repo.MarkPublishFailed(ctx, "evt-1", "broker down"))
	pending, err := repo.UnpublishedOutcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OutcomeFailed, pending[0].Type)
	assert.Len(t, pending[0].Results, 2)

	require.NoError(t, repo.MarkPublished(ctx, "evt-1", time.Now().UTC()))
	pending, err = repo.UnpublishedOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListRecent(t *testing.T) {
	repo := newTestRepo(t, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		_, err := repo.CheckOrReserve(ctx, id, domain.ChannelEmail, time.Now())
		require.NoError(t, err)
	}
	require.NoError(t, repo.Commit(ctx, "evt-2", domain.ChannelEmail, domain.StatusExhausted, 3, "timeout"))

	ds, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}

func TestStoreUnavailableWrapped(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	repo := NewSQLiteRepo(db, time.Minute)
	require.NoError(t, db.Close())

	_, err = repo.CheckOrReserve(context.Background(), "evt-1", domain.ChannelEmail, time.Now())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

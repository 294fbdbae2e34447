package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finansist-tg-app/internal/db"
	"finansist-tg-app/internal/ledger"
	"finansist-tg-app/internal/models"
)

type fakeNotifier struct {
	wins []int64
}

func (f *fakeNotifier) NotifyWinner(telegramID int64, raffleTitle string) {
	f.wins = append(f.wins, telegramID)
}

func TestSweepResolvesDueRafflesAndExpiresPurchases(t *testing.T) {
	ctx := context.Background()

	conn, err := db.Open("", "", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Bootstrap(conn))

	l := ledger.New(conn)

	user, err := l.GetOrCreateUser(ctx, 777, "winner", "Winner")
	require.NoError(t, err)

	// A raffle that ended a minute ago with one entrant
	res, err := conn.Exec(
		"INSERT INTO raffles (certificate_id, title, status, ends_at) VALUES (1, 'Розыгрыш', 'active', ?)",
		time.Now().Add(time.Hour).UTC().Format("2006-01-02 15:04:05"))
	require.NoError(t, err)
	raffleID, _ := res.LastInsertId()
	_, err = l.JoinRaffle(ctx, user.ID, raffleID)
	require.NoError(t, err)
	_, err = conn.Exec("UPDATE raffles SET ends_at = ? WHERE id = ?",
		time.Now().Add(-time.Minute).UTC().Format("2006-01-02 15:04:05"), raffleID)
	require.NoError(t, err)

	// A pending purchase past the TTL
	stale, err := l.CreatePurchase(ctx, user.ID, 1)
	require.NoError(t, err)
	_, err = conn.Exec("UPDATE purchases SET created_at = '2020-01-01 00:00:00' WHERE id = ?", stale.ID)
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	r := New(l, notifier, time.Second, time.Hour)
	r.sweep(ctx)

	// Winner picked and notified on their Telegram id
	require.Len(t, notifier.wins, 1)
	assert.Equal(t, int64(777), notifier.wins[0])

	// Purchase timed out
	purchases, err := l.ListPurchasesForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, models.PurchaseExpired, purchases[0].Status)

	// A second sweep is a no-op: the raffle is closed, nothing re-notifies
	r.sweep(ctx)
	assert.Len(t, notifier.wins, 1)
}

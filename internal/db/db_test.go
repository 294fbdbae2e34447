package db_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finansist-tg-app/internal/db"
)

func TestBootstrapSeedsOnce(t *testing.T) {
	conn, err := db.Open("", "", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.Bootstrap(conn))
	// Bootstrap runs on every startup; it must not duplicate seed data
	require.NoError(t, db.Bootstrap(conn))

	var certs, options, raffles int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM certificates").Scan(&certs))
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM charity_options").Scan(&options))
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM raffles").Scan(&raffles))

	assert.Equal(t, 3, certs)
	assert.Equal(t, 3, options)
	assert.Equal(t, 1, raffles)

	var price int64
	require.NoError(t, conn.QueryRow("SELECT price FROM certificates WHERE id = 1").Scan(&price))
	assert.Equal(t, int64(1000), price)
}

func TestUniqueConstraints(t *testing.T) {
	conn, err := db.Open("", "", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Bootstrap(conn))

	_, err = conn.Exec("INSERT INTO users (telegram_id, first_name) VALUES (1, 'A'), (2, 'B')")
	require.NoError(t, err)

	// One entry per (raffle, user)
	_, err = conn.Exec("INSERT INTO raffle_entries (raffle_id, user_id) VALUES (1, 1)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO raffle_entries (raffle_id, user_id) VALUES (1, 1)")
	assert.ErrorContains(t, err, "UNIQUE constraint failed")

	// One charity vote per user, system-wide
	_, err = conn.Exec("INSERT INTO charity_votes (user_id, option_id) VALUES (1, 1)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO charity_votes (user_id, option_id) VALUES (1, 2)")
	assert.ErrorContains(t, err, "UNIQUE constraint failed")
}

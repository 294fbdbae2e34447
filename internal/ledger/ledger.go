// Package ledger owns all persistent state of the storefront: the
// certificate catalog, purchases, raffle entries and charity votes. No
// other component issues queries against the store.
package ledger

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"finansist-tg-app/internal/models"
)

// sqlite stores CURRENT_TIMESTAMP in this layout (UTC); times written from
// Go use the same layout so string comparison in SQL stays correct.
const timeLayout = "2006-01-02 15:04:05"

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func storage(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}

// GetOrCreateUser resolves a Telegram identity to a stored user, creating
// it on first interaction and refreshing the display fields on later ones.
func (l *Ledger) GetOrCreateUser(ctx context.Context, telegramID int64, username, firstName string) (*models.User, error) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO users (telegram_id, username, first_name) VALUES (?, ?, ?)
		ON CONFLICT(telegram_id) DO UPDATE SET username = excluded.username, first_name = excluded.first_name`,
		telegramID, username, firstName)
	if err != nil {
		return nil, storage("upsert user", err)
	}

	var (
		u         models.User
		uname, fn sql.NullString
	)
	err = l.db.QueryRowContext(ctx,
		"SELECT id, telegram_id, username, first_name, created_at FROM users WHERE telegram_id = ?",
		telegramID).Scan(&u.ID, &u.TelegramID, &uname, &fn, &u.CreatedAt)
	if err != nil {
		return nil, storage("load user", err)
	}
	u.Username = uname.String
	u.FirstName = fn.String
	return &u, nil
}

// ListActiveCertificates returns the catalog ordered by price.
func (l *Ledger) ListActiveCertificates(ctx context.Context) ([]models.Certificate, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, title, description, price, ai_prompt, COALESCE(image_url, ''), active FROM certificates WHERE active = 1 ORDER BY price ASC")
	if err != nil {
		return nil, storage("list certificates", err)
	}
	defer rows.Close()

	var certs []models.Certificate
	for rows.Next() {
		var (
			c            models.Certificate
			desc, prompt sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Title, &desc, &c.Price, &prompt, &c.ImageURL, &c.Active); err != nil {
			return nil, storage("scan certificate", err)
		}
		c.Description = desc.String
		c.AIPrompt = prompt.String
		certs = append(certs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storage("list certificates", err)
	}
	return certs, nil
}

// GetCertificate returns one certificate, active or not.
func (l *Ledger) GetCertificate(ctx context.Context, id int64) (*models.Certificate, error) {
	var (
		c            models.Certificate
		desc, prompt sql.NullString
	)
	err := l.db.QueryRowContext(ctx,
		"SELECT id, title, description, price, ai_prompt, COALESCE(image_url, ''), active FROM certificates WHERE id = ?",
		id).Scan(&c.ID, &c.Title, &desc, &c.Price, &prompt, &c.ImageURL, &c.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("certificate %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storage("get certificate", err)
	}
	c.Description = desc.String
	c.AIPrompt = prompt.String
	return &c, nil
}

// CreatePurchase inserts a pending purchase for the certificate, snapshotting
// its current price as the amount. Later price changes never alter the record.
func (l *Ledger) CreatePurchase(ctx context.Context, userID, certificateID int64) (*models.Purchase, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage("begin purchase", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ?", userID).Scan(&exists); err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	} else if err != nil {
		return nil, storage("check user", err)
	}

	var (
		price  int64
		active bool
		title  string
	)
	err = tx.QueryRowContext(ctx, "SELECT price, active, title FROM certificates WHERE id = ?", certificateID).
		Scan(&price, &active, &title)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("certificate %d: %w", certificateID, ErrNotFound)
	}
	if err != nil {
		return nil, storage("check certificate", err)
	}
	if !active {
		return nil, fmt.Errorf("certificate %d is inactive: %w", certificateID, ErrInvalidState)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO purchases (user_id, certificate_id, amount, status) VALUES (?, ?, ?, ?)",
		userID, certificateID, price, models.PurchasePending)
	if err != nil {
		return nil, storage("insert purchase", err)
	}
	id, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, storage("commit purchase", err)
	}

	return &models.Purchase{
		ID:               id,
		UserID:           userID,
		CertificateID:    certificateID,
		Amount:           price,
		Status:           models.PurchasePending,
		CertificateTitle: title,
	}, nil
}

// ConfirmPurchase transitions a pending purchase to paid and stamps the
// certificate QR code on it. Exactly once: the conditional update makes a
// second confirmation report InvalidState.
func (l *Ledger) ConfirmPurchase(ctx context.Context, purchaseID int64) (*models.Purchase, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage("begin confirm", err)
	}
	defer tx.Rollback()

	paidAt := time.Now().UTC()
	ref := uuid.NewString()

	res, err := tx.ExecContext(ctx,
		"UPDATE purchases SET status = ?, paid_at = ?, payment_ref = ? WHERE id = ? AND status = ?",
		models.PurchasePaid, paidAt.Format(timeLayout), ref, purchaseID, models.PurchasePending)
	if err != nil {
		return nil, storage("confirm purchase", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, "SELECT status FROM purchases WHERE id = ?", purchaseID).Scan(&status)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("purchase %d: %w", purchaseID, ErrNotFound)
		}
		if err != nil {
			return nil, storage("check purchase", err)
		}
		return nil, fmt.Errorf("purchase %d is %s, not pending: %w", purchaseID, status, ErrInvalidState)
	}

	var (
		telegramID int64
		title      string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT u.telegram_id, c.title
		FROM purchases p
		JOIN users u ON p.user_id = u.id
		JOIN certificates c ON p.certificate_id = c.id
		WHERE p.id = ?`, purchaseID).Scan(&telegramID, &title)
	if err != nil {
		return nil, storage("load purchase owner", err)
	}

	qr, err := qrCodeBase64(fmt.Sprintf("cert:%d|user:%d|title:%s", purchaseID, telegramID, title))
	if err != nil {
		return nil, fmt.Errorf("generate qr code: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE purchases SET qr_code = ? WHERE id = ?", qr, purchaseID); err != nil {
		return nil, storage("store qr code", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storage("commit confirm", err)
	}

	return l.getPurchase(ctx, purchaseID)
}

// qrCodeBase64 renders the voucher payload as a base64-encoded PNG, ready
// for a data URI on the client.
func qrCodeBase64(data string) (string, error) {
	png, err := qrcode.Encode(data, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

func (l *Ledger) getPurchase(ctx context.Context, id int64) (*models.Purchase, error) {
	var (
		p       models.Purchase
		ref, qr sql.NullString
		paidAt  sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT p.id, p.user_id, p.certificate_id, p.amount, p.status, p.payment_ref, p.qr_code, p.created_at, p.paid_at, c.title
		FROM purchases p JOIN certificates c ON p.certificate_id = c.id
		WHERE p.id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.CertificateID, &p.Amount, &p.Status, &ref, &qr, &p.CreatedAt, &paidAt, &p.CertificateTitle)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("purchase %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storage("get purchase", err)
	}
	p.PaymentRef = ref.String
	p.QRCode = qr.String
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	return &p, nil
}

// ListPurchasesForUser returns the user's purchase history, newest first,
// with certificate titles joined in.
func (l *Ledger) ListPurchasesForUser(ctx context.Context, userID int64) ([]models.Purchase, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT p.id, p.user_id, p.certificate_id, p.amount, p.status, p.payment_ref, p.qr_code, p.created_at, p.paid_at, c.title
		FROM purchases p JOIN certificates c ON p.certificate_id = c.id
		WHERE p.user_id = ?
		ORDER BY p.created_at DESC, p.id DESC`, userID)
	if err != nil {
		return nil, storage("list purchases", err)
	}
	defer rows.Close()

	var purchases []models.Purchase
	for rows.Next() {
		var (
			p       models.Purchase
			ref, qr sql.NullString
			paidAt  sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.CertificateID, &p.Amount, &p.Status, &ref, &qr, &p.CreatedAt, &paidAt, &p.CertificateTitle); err != nil {
			return nil, storage("scan purchase", err)
		}
		p.PaymentRef = ref.String
		p.QRCode = qr.String
		if paidAt.Valid {
			t := paidAt.Time
			p.PaidAt = &t
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storage("list purchases", err)
	}
	return purchases, nil
}

// ExpirePendingPurchases moves pending purchases created before the cutoff
// to expired. Returns how many were expired.
func (l *Ledger) ExpirePendingPurchases(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"UPDATE purchases SET status = ? WHERE status = ? AND created_at < ?",
		models.PurchaseExpired, models.PurchasePending, olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, storage("expire purchases", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListActiveRaffles returns active raffles ordered by end time with live
// entry counts.
func (l *Ledger) ListActiveRaffles(ctx context.Context) ([]models.Raffle, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.id, r.certificate_id, r.title, r.description, r.status, r.winner_id, r.ends_at, r.created_at,
			(SELECT COUNT(*) FROM raffle_entries e WHERE e.raffle_id = r.id)
		FROM raffles r
		WHERE r.status = ?
		ORDER BY r.ends_at ASC`, models.RaffleActive)
	if err != nil {
		return nil, storage("list raffles", err)
	}
	defer rows.Close()
	return scanRaffles(rows)
}

// ListRafflesDue returns active raffles whose end time has passed.
func (l *Ledger) ListRafflesDue(ctx context.Context, now time.Time) ([]models.Raffle, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.id, r.certificate_id, r.title, r.description, r.status, r.winner_id, r.ends_at, r.created_at,
			(SELECT COUNT(*) FROM raffle_entries e WHERE e.raffle_id = r.id)
		FROM raffles r
		WHERE r.status = ? AND r.ends_at < ?
		ORDER BY r.ends_at ASC`, models.RaffleActive, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, storage("list due raffles", err)
	}
	defer rows.Close()
	return scanRaffles(rows)
}

func scanRaffles(rows *sql.Rows) ([]models.Raffle, error) {
	var raffles []models.Raffle
	for rows.Next() {
		var (
			r      models.Raffle
			desc   sql.NullString
			winner sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.CertificateID, &r.Title, &desc, &r.Status, &winner, &r.EndsAt, &r.CreatedAt, &r.EntryCount); err != nil {
			return nil, storage("scan raffle", err)
		}
		r.Description = desc.String
		if winner.Valid {
			id := winner.Int64
			r.WinnerID = &id
		}
		raffles = append(raffles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storage("scan raffles", err)
	}
	return raffles, nil
}

// JoinRaffle enters the user into an active raffle. A second attempt by the
// same user hits the (raffle_id, user_id) unique constraint and reports
// Conflict; the entry count is unchanged. Returns the updated count.
func (l *Ledger) JoinRaffle(ctx context.Context, userID, raffleID int64) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storage("begin join", err)
	}
	defer tx.Rollback()

	var (
		status string
		endsAt time.Time
	)
	err = tx.QueryRowContext(ctx, "SELECT status, ends_at FROM raffles WHERE id = ?", raffleID).Scan(&status, &endsAt)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("raffle %d: %w", raffleID, ErrNotFound)
	}
	if err != nil {
		return 0, storage("check raffle", err)
	}
	if models.RaffleStatus(status) != models.RaffleActive {
		return 0, fmt.Errorf("raffle %d is %s: %w", raffleID, status, ErrInvalidState)
	}
	if endsAt.Before(time.Now()) {
		return 0, fmt.Errorf("raffle %d has ended: %w", raffleID, ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO raffle_entries (raffle_id, user_id) VALUES (?, ?)", raffleID, userID)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("user %d already joined raffle %d: %w", userID, raffleID, ErrConflict)
	}
	if err != nil {
		return 0, storage("insert entry", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM raffle_entries WHERE raffle_id = ?", raffleID).Scan(&count); err != nil {
		return 0, storage("count entries", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storage("commit join", err)
	}
	return count, nil
}

// Resolution reports the outcome of ResolveRaffle. Resolved is false when
// the raffle was already closed and the call was a no-op.
type Resolution struct {
	Raffle   models.Raffle
	Winner   *models.User
	Resolved bool
}

// ResolveRaffle closes a raffle and picks a winner uniformly at random among
// its entrants. The close is a conditional update on status, so concurrent
// triggers commit exactly one winner; repeated calls are no-ops that return
// the recorded outcome.
func (l *Ledger) ResolveRaffle(ctx context.Context, raffleID int64) (*Resolution, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage("begin resolve", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE raffles SET status = ? WHERE id = ? AND status = ?",
		models.RaffleClosed, raffleID, models.RaffleActive)
	if err != nil {
		return nil, storage("close raffle", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Already closed, or missing
		raffle, err := l.getRaffleTx(ctx, tx, raffleID)
		if err != nil {
			return nil, err
		}
		out := &Resolution{Raffle: *raffle, Resolved: false}
		if raffle.WinnerID != nil {
			if out.Winner, err = l.getUserTx(ctx, tx, *raffle.WinnerID); err != nil {
				return nil, err
			}
		}
		return out, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, "SELECT user_id FROM raffle_entries WHERE raffle_id = ?", raffleID)
	if err != nil {
		return nil, storage("load entries", err)
	}
	var entrants []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storage("scan entry", err)
		}
		entrants = append(entrants, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storage("load entries", err)
	}

	out := &Resolution{Resolved: true}
	if len(entrants) > 0 {
		winnerID := entrants[rand.Intn(len(entrants))]
		if _, err := tx.ExecContext(ctx, "UPDATE raffles SET winner_id = ? WHERE id = ?", winnerID, raffleID); err != nil {
			return nil, storage("record winner", err)
		}
		if out.Winner, err = l.getUserTx(ctx, tx, winnerID); err != nil {
			return nil, err
		}
	}

	raffle, err := l.getRaffleTx(ctx, tx, raffleID)
	if err != nil {
		return nil, err
	}
	out.Raffle = *raffle

	if err := tx.Commit(); err != nil {
		return nil, storage("commit resolve", err)
	}
	return out, nil
}

func (l *Ledger) getRaffleTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Raffle, error) {
	var (
		r      models.Raffle
		desc   sql.NullString
		winner sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT r.id, r.certificate_id, r.title, r.description, r.status, r.winner_id, r.ends_at, r.created_at,
			(SELECT COUNT(*) FROM raffle_entries e WHERE e.raffle_id = r.id)
		FROM raffles r WHERE r.id = ?`, id).
		Scan(&r.ID, &r.CertificateID, &r.Title, &desc, &r.Status, &winner, &r.EndsAt, &r.CreatedAt, &r.EntryCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("raffle %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storage("get raffle", err)
	}
	r.Description = desc.String
	if winner.Valid {
		w := winner.Int64
		r.WinnerID = &w
	}
	return &r, nil
}

func (l *Ledger) getUserTx(ctx context.Context, tx *sql.Tx, id int64) (*models.User, error) {
	var (
		u         models.User
		uname, fn sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		"SELECT id, telegram_id, username, first_name, created_at FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.TelegramID, &uname, &fn, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storage("get user", err)
	}
	u.Username = uname.String
	u.FirstName = fn.String
	return &u, nil
}

// ListCharityOptions returns active options with vote counts and a live
// percentage breakdown, plus the total vote count.
func (l *Ledger) ListCharityOptions(ctx context.Context) ([]models.CharityOption, int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, title, description, COALESCE(image_url, ''), votes, active
		FROM charity_options WHERE active = 1 ORDER BY votes DESC, id ASC`)
	if err != nil {
		return nil, 0, storage("list options", err)
	}
	defer rows.Close()

	var (
		options []models.CharityOption
		total   int
	)
	for rows.Next() {
		var (
			o    models.CharityOption
			desc sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Title, &desc, &o.ImageURL, &o.Votes, &o.Active); err != nil {
			return nil, 0, storage("scan option", err)
		}
		o.Description = desc.String
		total += o.Votes
		options = append(options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storage("list options", err)
	}

	for i := range options {
		options[i].Percentage = percentage(options[i].Votes, total)
	}
	return options, total, nil
}

func percentage(votes, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(votes)/float64(total)*1000) / 10
}

// CastVote records the user's single system-wide charity vote and increments
// the option's counter atomically. A second vote by the same user hits the
// unique constraint on user_id and reports Conflict. Returns the updated
// breakdown.
func (l *Ledger) CastVote(ctx context.Context, userID, optionID int64) ([]models.CharityOption, int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, storage("begin vote", err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx, "SELECT active FROM charity_options WHERE id = ?", optionID).Scan(&active)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("charity option %d: %w", optionID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, storage("check option", err)
	}
	if !active {
		return nil, 0, fmt.Errorf("charity option %d is inactive: %w", optionID, ErrInvalidState)
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO charity_votes (user_id, option_id) VALUES (?, ?)", userID, optionID)
	if isUniqueViolation(err) {
		return nil, 0, fmt.Errorf("user %d already voted: %w", userID, ErrConflict)
	}
	if err != nil {
		return nil, 0, storage("insert vote", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE charity_options SET votes = votes + 1 WHERE id = ?", optionID); err != nil {
		return nil, 0, storage("count vote", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, storage("commit vote", err)
	}

	return l.ListCharityOptions(ctx)
}

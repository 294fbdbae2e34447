// Package resolver runs the background sweep that closes expired raffles
// and times out unconfirmed purchases.
package resolver

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"finansist-tg-app/internal/ledger"
)

// Notifier delivers winner announcements. Nil-safe at the call site so the
// server can run without bot credentials.
type Notifier interface {
	NotifyWinner(telegramID int64, raffleTitle string)
}

type Resolver struct {
	ledger      *ledger.Ledger
	notifier    Notifier
	interval    time.Duration
	purchaseTTL time.Duration
}

func New(l *ledger.Ledger, n Notifier, interval, purchaseTTL time.Duration) *Resolver {
	return &Resolver{ledger: l, notifier: n, interval: interval, purchaseTTL: purchaseTTL}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.WithField("interval", r.interval).Info("resolver started")
	for {
		select {
		case <-ctx.Done():
			log.Info("resolver stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Resolver) sweep(ctx context.Context) {
	now := time.Now()

	due, err := r.ledger.ListRafflesDue(ctx, now)
	if err != nil {
		log.WithError(err).Error("list due raffles failed")
	}
	for _, raffle := range due {
		res, err := r.ledger.ResolveRaffle(ctx, raffle.ID)
		if err != nil {
			log.WithError(err).WithField("raffle_id", raffle.ID).Error("resolve raffle failed")
			continue
		}
		if !res.Resolved {
			continue
		}
		if res.Winner != nil {
			log.WithFields(log.Fields{
				"raffle_id": raffle.ID,
				"winner_id": res.Winner.ID,
			}).Info("raffle resolved")
			if r.notifier != nil {
				r.notifier.NotifyWinner(res.Winner.TelegramID, res.Raffle.Title)
			}
		} else {
			log.WithField("raffle_id", raffle.ID).Info("raffle closed without entrants")
		}
	}

	n, err := r.ledger.ExpirePendingPurchases(ctx, now.Add(-r.purchaseTTL))
	if err != nil {
		log.WithError(err).Error("expire purchases failed")
	} else if n > 0 {
		log.WithField("count", n).Info("pending purchases expired")
	}
}

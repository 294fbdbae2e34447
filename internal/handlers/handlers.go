package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"finansist-tg-app/internal/ledger"
	"finansist-tg-app/internal/middleware"
)

// AdminNotifier pushes operational notifications to the admin chats.
type AdminNotifier interface {
	NotifyAdmins(text string)
}

// Handler is the HTTP-facing adapter over the ledger: request parsing and
// response shaping only, no business logic.
type Handler struct {
	ledger   *ledger.Ledger
	validate *validator.Validate
	notifier AdminNotifier
}

func New(l *ledger.Ledger, notifier AdminNotifier) *Handler {
	return &Handler{
		ledger:   l,
		validate: validator.New(),
		notifier: notifier,
	}
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("encode response failed")
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidState):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		// Store and driver details stay in the log, never in the response.
		log.WithError(err).Error("request failed")
		respond(w, status, map[string]string{"error": "internal error"})
		return
	}
	respond(w, status, map[string]string{"error": err.Error()})
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id: %w", ledger.ErrInvalidState)
	}
	return id, nil
}

// currentUser resolves the authenticated Telegram identity into a stored user.
func (h *Handler) currentUser(r *http.Request) (int64, error) {
	tg, ok := middleware.UserFromContext(r.Context())
	if !ok {
		return 0, fmt.Errorf("user resolution failed: %w", ledger.ErrNotFound)
	}
	u, err := h.ledger.GetOrCreateUser(r.Context(), tg.ID, tg.Username, tg.FirstName)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.ledger.ListActiveCertificates(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"certificates": certs})
}

func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	cert, err := h.ledger.GetCertificate(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"certificate": cert})
}

type createPurchaseRequest struct {
	CertificateID int64 `json:"certificate_id" validate:"required,gt=0"`
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	userID, err := h.currentUser(r)
	if err != nil {
		respondError(w, err)
		return
	}

	purchase, err := h.ledger.CreatePurchase(r.Context(), userID, req.CertificateID)
	if err != nil {
		respondError(w, err)
		return
	}

	if h.notifier != nil {
		h.notifier.NotifyAdmins(fmt.Sprintf(
			"🎟️ Новая покупка: «%s»\n💰 Сумма: %d\n📋 Покупка #%d (ожидает оплаты)",
			purchase.CertificateTitle, purchase.Amount, purchase.ID))
	}

	respond(w, http.StatusCreated, map[string]any{
		"id":                purchase.ID,
		"certificate_title": purchase.CertificateTitle,
		"amount":            purchase.Amount,
		"status":            purchase.Status,
		"message":           "Покупка создана, ожидает подтверждения оплаты",
	})
}

// ConfirmPurchase stands in for the payment provider's confirmation webhook.
func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	purchase, err := h.ledger.ConfirmPurchase(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"id":          purchase.ID,
		"status":      purchase.Status,
		"payment_ref": purchase.PaymentRef,
		"qr_code":     purchase.QRCode,
		"paid_at":     purchase.PaidAt,
	})
}

func (h *Handler) MyPurchases(w http.ResponseWriter, r *http.Request) {
	userID, err := h.currentUser(r)
	if err != nil {
		respondError(w, err)
		return
	}
	purchases, err := h.ledger.ListPurchasesForUser(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"purchases": purchases})
}

func (h *Handler) ListRaffles(w http.ResponseWriter, r *http.Request) {
	raffles, err := h.ledger.ListActiveRaffles(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"raffles": raffles})
}

func (h *Handler) JoinRaffle(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	userID, err := h.currentUser(r)
	if err != nil {
		respondError(w, err)
		return
	}
	count, err := h.ledger.JoinRaffle(r.Context(), userID, id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"message":       "Вы участвуете в розыгрыше!",
		"raffle_id":     id,
		"entries_count": count,
	})
}

// DrawRaffle is the administrative resolution trigger.
func (h *Handler) DrawRaffle(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	res, err := h.ledger.ResolveRaffle(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	out := map[string]any{
		"raffle_id":    res.Raffle.ID,
		"raffle_title": res.Raffle.Title,
		"status":       res.Raffle.Status,
		"resolved":     res.Resolved,
	}
	if res.Winner != nil {
		out["winner"] = map[string]any{
			"telegram_id": res.Winner.TelegramID,
			"username":    res.Winner.Username,
			"first_name":  res.Winner.FirstName,
		}
	}
	respond(w, http.StatusOK, out)
}

func (h *Handler) ListCharityOptions(w http.ResponseWriter, r *http.Request) {
	options, total, err := h.ledger.ListCharityOptions(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"options": options, "total_votes": total})
}

func (h *Handler) CastVote(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		respondError(w, err)
		return
	}
	userID, err := h.currentUser(r)
	if err != nil {
		respondError(w, err)
		return
	}
	options, total, err := h.ledger.CastVote(r.Context(), userID, id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"message":     "Голос принят!",
		"options":     options,
		"total_votes": total,
	})
}

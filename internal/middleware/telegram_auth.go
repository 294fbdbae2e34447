package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TelegramUser is the identity extracted from validated Mini App initData.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type contextKey struct{}

// UserFromContext returns the Telegram user placed by RequireUser.
func UserFromContext(ctx context.Context) (*TelegramUser, bool) {
	u, ok := ctx.Value(contextKey{}).(*TelegramUser)
	return u, ok
}

// InitDataAuth validates Telegram Mini App initData signatures.
type InitDataAuth struct {
	BotToken string
	AdminIDs []int64
	// Debug accepts the literal initData value "debug" and injects a fixed
	// test identity. Never enable outside local development.
	Debug bool
}

// RequireUser validates the X-Init-Data header and stores the resulting
// user in the request context. 401 on missing or invalid data.
func (a *InitDataAuth) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		initData := r.Header.Get("X-Init-Data")
		if initData == "" {
			http.Error(w, `{"error":"X-Init-Data header required"}`, http.StatusUnauthorized)
			return
		}

		if a.Debug && initData == "debug" {
			user := &TelegramUser{ID: 123456789, Username: "debug_user", FirstName: "Debug", LastName: "User"}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, user)))
			return
		}

		user, valid := a.validate(initData)
		if !valid {
			log.Warn("invalid initData signature")
			http.Error(w, `{"error":"invalid initData"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, user)))
	})
}

// RequireAdmin is RequireUser plus a check against the configured admin list.
func (a *InitDataAuth) RequireAdmin(next http.Handler) http.Handler {
	return a.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		if user == nil || !a.isAdmin(user.ID) {
			log.Warn("non-admin access attempt")
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *InitDataAuth) validate(initData string) (*TelegramUser, bool) {
	if a.BotToken == "" {
		return nil, false
	}

	params, err := url.ParseQuery(initData)
	if err != nil {
		return nil, false
	}

	hash := params.Get("hash")
	if hash == "" {
		return nil, false
	}

	// data-check-string: sorted key=value pairs, hash excluded
	var keys []string
	for k := range params {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var dataCheckParts []string
	for _, k := range keys {
		dataCheckParts = append(dataCheckParts, k+"="+params.Get(k))
	}
	dataCheckString := strings.Join(dataCheckParts, "\n")

	// secret key: HMAC-SHA256(bot_token, "WebAppData")
	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(a.BotToken))

	h := hmac.New(sha256.New, secretKey.Sum(nil))
	h.Write([]byte(dataCheckString))
	calculatedHash := hex.EncodeToString(h.Sum(nil))

	if calculatedHash != hash {
		return nil, false
	}

	userJSON := params.Get("user")
	if userJSON == "" {
		return nil, false
	}

	var user TelegramUser
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
		return nil, false
	}

	return &user, true
}

func (a *InitDataAuth) isAdmin(userID int64) bool {
	for _, id := range a.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

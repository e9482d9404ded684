// Package httpapi exposes the portal REST API.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/crashsignal/portal/internal/app/metrics"
	"github.com/crashsignal/portal/internal/config"
	"github.com/crashsignal/portal/internal/domain/member"
	"github.com/crashsignal/portal/internal/errors"
	"github.com/crashsignal/portal/internal/middleware"
	"github.com/crashsignal/portal/internal/oauth"
	"github.com/crashsignal/portal/internal/services/history"
	"github.com/crashsignal/portal/internal/services/ledger"
	"github.com/crashsignal/portal/internal/services/market"
	"github.com/crashsignal/portal/internal/services/payments"
	"github.com/crashsignal/portal/internal/token"
	"github.com/crashsignal/portal/pkg/logger"
)

// Services bundles the collaborators the handler exposes.
type Services struct {
	Ledger   *ledger.Service
	Payments *payments.Service
	History  *history.Service
	Market   *market.Service
	Discord  *oauth.Discord
}

type handler struct {
	cfg      *config.Config
	services Services
	log      *logger.Logger
}

// NewHandler returns the portal router with middleware applied.
func NewHandler(cfg *config.Config, services Services, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{cfg: cfg, services: services, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/auth/discord", h.authDiscord).Methods(http.MethodGet)
	r.HandleFunc("/auth/discord/callback", h.authDiscordCallback).Methods(http.MethodGet)

	r.HandleFunc("/api/me", h.me).Methods(http.MethodGet)
	r.HandleFunc("/api/logout", h.logout).Methods(http.MethodPost)
	r.HandleFunc("/api/payments/config", h.paymentsConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/market/prices", h.marketPrices).Methods(http.MethodGet)

	auth := middleware.NewSessionAuth([]byte(cfg.Auth.SessionSecret), log)
	protected := r.NewRoute().Subrouter()
	protected.Use(mux.MiddlewareFunc(auth.Handler))
	protected.HandleFunc("/api/payments/verify", h.paymentsVerify).Methods(http.MethodPost)
	protected.HandleFunc("/api/portal/history", h.portalHistory).Methods(http.MethodGet)

	admin := r.NewRoute().Subrouter()
	admin.Use(mux.MiddlewareFunc(h.requireAdmin))
	admin.HandleFunc("/api/admin/tier", h.adminTier).Methods(http.MethodPost)
	admin.HandleFunc("/api/admin/membership", h.adminMembership).Methods(http.MethodPost)

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst, log)
	cors := middleware.NewCORSMiddleware(cfg.Server.OriginList())

	var wrapped http.Handler = r
	wrapped = limiter.Handler(wrapped)
	wrapped = cors.Handler(wrapped)
	wrapped = metrics.InstrumentHandler(wrapped)
	return wrapped
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- auth -------------------------------------------------------------------

func (h *handler) authDiscord(w http.ResponseWriter, r *http.Request) {
	if !h.services.Discord.Configured() {
		writeServiceError(w, errors.Internal("oauth is not configured", nil))
		return
	}

	state, err := token.MintState([]byte(h.cfg.Auth.SessionSecret), h.cfg.Auth.StateTTLOrDefault())
	if err != nil {
		writeServiceError(w, errors.Internal("mint state token", err))
		return
	}

	http.SetCookie(w, h.cookie(middleware.StateCookie, state, h.cfg.Auth.StateTTLOrDefault()))
	http.Redirect(w, r, h.services.Discord.AuthorizeURL(state), http.StatusFound)
}

func (h *handler) authDiscordCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeServiceError(w, errors.InvalidRequest("missing code or state"))
		return
	}

	// The state must match the cookie exactly and verify as a state
	// token; either failure aborts the flow.
	cookie, err := r.Cookie(middleware.StateCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		writeServiceError(w, errors.InvalidRequest("state mismatch"))
		return
	}
	if _, err := token.VerifyState(state, []byte(h.cfg.Auth.SessionSecret)); err != nil {
		writeServiceError(w, errors.InvalidRequest("state invalid or expired"))
		return
	}

	user, err := h.services.Discord.Exchange(r.Context(), code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	snap, err := h.services.Ledger.Resolve(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	session, err := token.MintSession(user.ID, string(snap.Tier), []byte(h.cfg.Auth.SessionSecret), h.cfg.Auth.SessionTTLOrDefault())
	if err != nil {
		writeServiceError(w, errors.Internal("mint session token", err))
		return
	}

	http.SetCookie(w, h.expiredCookie(middleware.StateCookie))
	http.SetCookie(w, h.cookie(middleware.SessionCookie, session, h.cfg.Auth.SessionTTLOrDefault()))
	http.Redirect(w, r, h.cfg.OAuth.AppBaseURL, http.StatusFound)
}

// me reports session state without requiring authentication: an
// anonymous caller gets a 200 with authenticated=false.
func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	raw := sessionToken(r)
	if raw == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	session, err := token.VerifySession(raw, []byte(h.cfg.Auth.SessionSecret))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	// Tier comes from the ledger, not the token: payments made after
	// sign-in must show up without a new session.
	tier, err := h.services.Ledger.ResolveTier(r.Context(), session.SubjectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"subject_id":    session.SubjectID,
		"tier":          tier,
	})
}

func (h *handler) logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, h.expiredCookie(middleware.SessionCookie))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- payments ---------------------------------------------------------------

func (h *handler) paymentsConfig(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.services.Payments.Pricing(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	type networkInfo struct {
		ReceivingAddress string                             `json:"receiving_address"`
		NativeSymbol     string                             `json:"native_symbol"`
		Stablecoins      map[string]config.StablecoinConfig `json:"stablecoins"`
	}
	// Every configured chain is listed so the UI can show its receiving
	// address; chains without an RPC endpoint are still rejected by the
	// verifier.
	networks := make(map[string]networkInfo, len(h.cfg.Chains))
	for name, chainCfg := range h.cfg.Chains {
		networks[name] = networkInfo{
			ReceivingAddress: chainCfg.ReceivingAddress,
			NativeSymbol:     chainCfg.NativeSymbol,
			Stablecoins:      chainCfg.Stablecoins,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plans":    quotes,
		"networks": networks,
	})
}

func (h *handler) paymentsVerify(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeServiceError(w, errors.Unauthorized())
		return
	}

	var req payments.VerifyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, errors.InvalidRequest("malformed request body"))
		return
	}
	req.SubjectID = session.SubjectID

	start := time.Now()
	result, err := h.services.Payments.Verify(r.Context(), req)
	outcome := "credited"
	if err != nil {
		outcome = "error"
		if svcErr := errors.GetServiceError(err); svcErr != nil {
			outcome = string(svcErr.Code)
		}
	} else if result.Status != "credited" {
		outcome = result.Status
	}
	metrics.RecordPaymentVerification(strings.ToLower(req.Network), outcome, time.Since(start))

	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- portal -----------------------------------------------------------------

func (h *handler) portalHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeServiceError(w, errors.Unauthorized())
		return
	}

	tier, err := h.services.Ledger.ResolveTier(r.Context(), session.SubjectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rows, err := h.services.History.Rows(tier)
	if err != nil {
		writeServiceError(w, errors.Internal("load signal history", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tier": tier,
		"data": map[string]any{"signal_list": rows},
	})
}

func (h *handler) marketPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.services.Market.Spot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// --- admin ------------------------------------------------------------------

func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := h.cfg.Auth.AdminSecret
		provided := r.Header.Get("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			writeServiceError(w, errors.Forbidden())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) adminTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string `json:"subject_id"`
		Tier      string `json:"tier"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, errors.InvalidRequest("malformed request body"))
		return
	}

	if !isDiscordID(req.SubjectID) {
		writeServiceError(w, errors.InvalidRequest("subject_id must be a numeric discord id"))
		return
	}

	var expiresAt time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeServiceError(w, errors.InvalidRequest("expires_at must be RFC 3339"))
			return
		}
		expiresAt = parsed
	}

	rec, err := h.services.Ledger.ForceSetTier(r.Context(), req.SubjectID, member.Tier(req.Tier), expiresAt, "admin")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordLedgerChange(string(member.ActionAdminSet), string(rec.Tier))
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) adminMembership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string `json:"subject_id"`
		Tier      string `json:"tier"`
		Minutes   int    `json:"minutes"`
		IsUpgrade bool   `json:"is_upgrade"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, errors.InvalidRequest("malformed request body"))
		return
	}
	if !isDiscordID(req.SubjectID) {
		writeServiceError(w, errors.InvalidRequest("subject_id must be a numeric discord id"))
		return
	}

	rec, err := h.services.Ledger.ApplyChange(r.Context(), req.SubjectID, member.Tier(req.Tier), req.Minutes, req.IsUpgrade, "admin")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	metrics.RecordLedgerChange(string(rec.LastOperation), string(rec.Tier))
	writeJSON(w, http.StatusOK, rec)
}

// --- helpers ----------------------------------------------------------------

func (h *handler) cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Auth.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *handler) expiredCookie(name string) *http.Cookie {
	c := h.cookie(name, "", 0)
	c.MaxAge = -1
	return c
}

// Discord subject ids are numeric snowflakes.
func isDiscordID(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(middleware.SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeServiceError maps categorized errors to their HTTP status. An
// uncategorized error is treated as internal and its detail withheld.
func writeServiceError(w http.ResponseWriter, err error) {
	svcErr := errors.GetServiceError(err)
	if svcErr == nil {
		svcErr = errors.Internal("internal error", err)
	}
	writeJSON(w, svcErr.HTTPStatus, svcErr)
}

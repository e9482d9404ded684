package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crashsignal/portal/internal/chain"
	"github.com/crashsignal/portal/internal/config"
	"github.com/crashsignal/portal/internal/middleware"
	"github.com/crashsignal/portal/internal/oauth"
	"github.com/crashsignal/portal/internal/services/history"
	"github.com/crashsignal/portal/internal/services/ledger"
	"github.com/crashsignal/portal/internal/services/market"
	"github.com/crashsignal/portal/internal/services/payments"
	"github.com/crashsignal/portal/internal/storage"
	"github.com/crashsignal/portal/internal/token"
)

const (
	testSecret    = "handler-test-secret"
	testAdmin     = "handler-test-admin"
	testReceiving = "0x70FBd71c755aE9355f76ff88FF5b74B2a51889D7"
	usdtContract  = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

type fakeChain struct {
	tx      *chain.Transaction
	receipt *chain.Receipt
}

func (f *fakeChain) TransactionByHash(_ context.Context, _ string) (*chain.Transaction, error) {
	return f.tx, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, _ string) (*chain.Receipt, error) {
	return f.receipt, nil
}

type fixedPrice struct{ usd float64 }

func (p fixedPrice) SpotUSD(_ context.Context, _ string) (float64, error) { return p.usd, nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.SessionSecret = testSecret
	cfg.Auth.AdminSecret = testAdmin
	secure := false
	cfg.Auth.CookieSecure = &secure
	cfg.OAuth.AppBaseURL = "https://portal.example/app"
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000
	return cfg
}

func writeHistoryFile(t *testing.T) string {
	t.Helper()
	payload := `{"data":{"signal_list":[
		{"date":"2023-01-05","price":16800,"signal2":1,"proba2":0.2,"signal7":3,"proba7":0.4},
		{"date":"2024-06-01","price":67000,"signal2":2,"proba2":0.5,"signal7":4,"proba7":0.6}
	]}}`
	path := filepath.Join(t.TempDir(), "signals.json")
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write history file: %v", err)
	}
	return path
}

func newTestHandler(t *testing.T, cfg *config.Config, reader payments.ChainReader) http.Handler {
	t.Helper()
	store := storage.NewMemory()

	chainCfg := config.ChainConfig{
		RPCURL:           "http://127.0.0.1:0",
		ReceivingAddress: testReceiving,
		PriceID:          "ethereum",
		NativeSymbol:     "ETH",
		Stablecoins: map[string]config.StablecoinConfig{
			"USDT": {Address: usdtContract, Decimals: 6},
		},
	}
	networks := map[string]payments.Network{}
	if reader != nil {
		networks["ethereum"] = payments.Network{Reader: reader, Config: chainCfg}
		cfg.Chains["ethereum"] = chainCfg
	}

	hist, err := history.New(writeHistoryFile(t), "2022-11-11", nil, nil)
	if err != nil {
		t.Fatalf("history.New: %v", err)
	}

	services := Services{
		Ledger:   ledger.New(store, cfg.Membership.UltraSubjects, cfg.Membership.ProSubjects, nil),
		Payments: payments.New(store, store, networks, fixedPrice{usd: 3000}, cfg.Membership, nil),
		History:  hist,
		Market:   market.New("http://127.0.0.1:0", time.Minute, nil),
		Discord:  oauth.NewDiscord(cfg.OAuth, nil),
	}
	return NewHandler(cfg, services, nil)
}

func sessionCookie(t *testing.T, subjectID string) *http.Cookie {
	t.Helper()
	tok, err := token.MintSession(subjectID, "basic", []byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	return &http.Cookie{Name: middleware.SessionCookie, Value: tok}
}

func doJSON(t *testing.T, h http.Handler, req *http.Request, want int) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	out := doJSON(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil), http.StatusOK)
	if out["status"] != "ok" {
		t.Fatalf("status = %v", out["status"])
	}
}

func TestMeUnauthenticated(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	out := doJSON(t, h, httptest.NewRequest(http.MethodGet, "/api/me", nil), http.StatusOK)
	if out["authenticated"] != false {
		t.Fatalf("authenticated = %v, want false", out["authenticated"])
	}
	if _, present := out["subject_id"]; present {
		t.Fatal("anonymous response must not carry a subject id")
	}
}

func TestMeWithSession(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(sessionCookie(t, "subject-1"))
	out := doJSON(t, h, req, http.StatusOK)
	if out["authenticated"] != true || out["subject_id"] != "subject-1" || out["tier"] != "basic" {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestMeTamperedCookie(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: "bm9wZQ.bm9wZQ"})
	out := doJSON(t, h, req, http.StatusOK)
	if out["authenticated"] != false {
		t.Fatalf("tampered cookie must resolve anonymous, got %v", out)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/logout", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("logout must expire the session cookie")
	}
}

func TestAuthDiscordRedirect(t *testing.T) {
	cfg := testConfig()
	cfg.OAuth.ClientID = "client-id"
	cfg.OAuth.ClientSecret = "client-secret"
	cfg.OAuth.RedirectURI = "https://portal.example/auth/discord/callback"
	h := newTestHandler(t, cfg, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/discord", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("redirect carries no state")
	}

	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.StateCookie {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("state cookie not set")
	}
	if stateCookie.Value != state {
		t.Fatal("state cookie must match the redirect state parameter")
	}
	if !stateCookie.HttpOnly {
		t.Fatal("state cookie must be http-only")
	}
}

func TestAuthDiscordUnconfigured(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/discord", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestAuthDiscordCallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"atk","token_type":"Bearer"}`)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"discord-77","username":"tester"}`)
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	cfg := testConfig()
	cfg.OAuth.ClientID = "client-id"
	cfg.OAuth.ClientSecret = "client-secret"
	cfg.OAuth.RedirectURI = "https://portal.example/auth/discord/callback"
	cfg.OAuth.TokenURL = upstream.URL + "/token"
	cfg.OAuth.UserURL = upstream.URL + "/user"
	h := newTestHandler(t, cfg, nil)

	state, err := token.MintState([]byte(testSecret), time.Minute)
	if err != nil {
		t.Fatalf("mint state: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/discord/callback?code=abc&state="+url.QueryEscape(state), nil)
	req.AddCookie(&http.Cookie{Name: middleware.StateCookie, Value: state})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != cfg.OAuth.AppBaseURL {
		t.Fatalf("redirect = %q, want %q", loc, cfg.OAuth.AppBaseURL)
	}

	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.SessionCookie {
			session = c
		}
	}
	if session == nil {
		t.Fatal("callback must set the session cookie")
	}

	me := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	me.AddCookie(session)
	out := doJSON(t, h, me, http.StatusOK)
	if out["authenticated"] != true || out["subject_id"] != "discord-77" {
		t.Fatalf("session does not resolve the discord user: %v", out)
	}
}

func TestAuthDiscordCallbackStateMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.OAuth.ClientID = "client-id"
	cfg.OAuth.ClientSecret = "client-secret"
	cfg.OAuth.RedirectURI = "https://portal.example/cb"
	h := newTestHandler(t, cfg, nil)

	state, err := token.MintState([]byte(testSecret), time.Minute)
	if err != nil {
		t.Fatalf("mint state: %v", err)
	}
	other, err := token.MintState([]byte(testSecret), time.Minute)
	if err != nil {
		t.Fatalf("mint state: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/discord/callback?code=abc&state="+url.QueryEscape(state), nil)
	req.AddCookie(&http.Cookie{Name: middleware.StateCookie, Value: other})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPaymentsVerifyRequiresSession(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	body := bytes.NewBufferString(`{"plan":"pro","network":"ethereum","tx_hash":"0x0"}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payments/verify", body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPaymentsVerifyCreditsMembership(t *testing.T) {
	txHash := "0x" + strings.Repeat("ab", 32)
	amount := "0x" + fmt.Sprintf("%x", uint64(30_000_000)) // 30 USDT at 6 decimals
	reader := &fakeChain{
		tx: &chain.Transaction{Hash: txHash, From: "0x1111", To: usdtContract, Value: "0x0", BlockNumber: "0x10"},
		receipt: &chain.Receipt{Status: "0x1", Logs: []chain.Log{{
			Address: usdtContract,
			Topics: []string{
				chain.TransferTopic,
				"0x0000000000000000000000000000000000000000000000000000000000001111",
				"0x00000000000000000000000070fbd71c755ae9355f76ff88ff5b74b2a51889d7",
			},
			Data: amount,
		}}},
	}
	h := newTestHandler(t, testConfig(), reader)

	body := fmt.Sprintf(`{"plan":"pro","network":"ethereum","tx_hash":"%s"}`, txHash)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/verify", strings.NewReader(body))
	req.AddCookie(sessionCookie(t, "payer-1"))
	out := doJSON(t, h, req, http.StatusOK)
	if out["status"] != "credited" || out["tier"] != "pro" {
		t.Fatalf("unexpected verify response %v", out)
	}

	me := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	me.AddCookie(sessionCookie(t, "payer-1"))
	resolved := doJSON(t, h, me, http.StatusOK)
	if resolved["tier"] != "pro" {
		t.Fatalf("tier after credit = %v, want pro", resolved["tier"])
	}

	// Replay of the same transaction must not extend the membership.
	req = httptest.NewRequest(http.MethodPost, "/api/payments/verify", strings.NewReader(body))
	req.AddCookie(sessionCookie(t, "payer-1"))
	replay := doJSON(t, h, req, http.StatusOK)
	if replay["status"] != "already_processed" {
		t.Fatalf("replay status = %v, want already_processed", replay["status"])
	}
}

func TestPaymentsVerifyUnknownNetwork(t *testing.T) {
	h := newTestHandler(t, testConfig(), &fakeChain{})
	body := strings.NewReader(`{"plan":"pro","network":"solana","tx_hash":"0x` + strings.Repeat("ab", 32) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/verify", body)
	req.AddCookie(sessionCookie(t, "payer-2"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestPaymentsVerifyRejectsUnknownFields(t *testing.T) {
	h := newTestHandler(t, testConfig(), &fakeChain{})
	body := strings.NewReader(`{"plan":"pro","network":"ethereum","tx_hash":"0x00","bogus":1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/verify", body)
	req.AddCookie(sessionCookie(t, "payer-3"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPaymentsConfig(t *testing.T) {
	h := newTestHandler(t, testConfig(), &fakeChain{})
	out := doJSON(t, h, httptest.NewRequest(http.MethodGet, "/api/payments/config", nil), http.StatusOK)

	plans, ok := out["plans"].([]any)
	if !ok || len(plans) != 2 {
		t.Fatalf("plans = %v, want pro and ultra", out["plans"])
	}
	networks, ok := out["networks"].(map[string]any)
	if !ok {
		t.Fatalf("networks missing: %v", out)
	}
	eth, ok := networks["ethereum"].(map[string]any)
	if !ok {
		t.Fatalf("ethereum network missing: %v", networks)
	}
	if eth["receiving_address"] != testReceiving {
		t.Fatalf("receiving_address = %v", eth["receiving_address"])
	}
	// Chains without an RPC endpoint still list their receiving address
	// so the frontend can display it.
	if _, ok := networks["bnb"]; !ok {
		t.Fatalf("bnb network missing from config: %v", networks)
	}
}

func TestPortalHistoryRedactsBasic(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/portal/history", nil)
	req.AddCookie(sessionCookie(t, "viewer-1"))
	out := doJSON(t, h, req, http.StatusOK)
	if out["tier"] != "basic" {
		t.Fatalf("tier = %v", out["tier"])
	}
	data := out["data"].(map[string]any)
	rows := data["signal_list"].([]any)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	first := rows[0].(map[string]any)
	if _, present := first["signal7"]; present {
		t.Fatal("basic tier must not see signal7")
	}
	if _, present := first["signal2"]; !present {
		t.Fatal("basic tier must see signal2")
	}
}

func TestPortalHistoryRequiresSession(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/portal/history", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminRoutesRejectBadSecret(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	for _, secret := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/tier", strings.NewReader(`{"subject_id":"31337","tier":"pro"}`))
		if secret != "" {
			req.Header.Set("X-Admin-Secret", secret)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("secret %q: status = %d, want 403", secret, rec.Code)
		}
	}
}

func TestAdminRejectsNonNumericSubject(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/tier", strings.NewReader(`{"subject_id":"not-a-snowflake","tier":"pro"}`))
	req.Header.Set("X-Admin-Secret", testAdmin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminTierForceSet(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	expires := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"subject_id":"900100","tier":"ultra","expires_at":"%s"}`, expires)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/tier", strings.NewReader(body))
	req.Header.Set("X-Admin-Secret", testAdmin)
	out := doJSON(t, h, req, http.StatusOK)
	if out["tier"] != "ultra" {
		t.Fatalf("tier = %v, want ultra", out["tier"])
	}

	me := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	me.AddCookie(sessionCookie(t, "900100"))
	resolved := doJSON(t, h, me, http.StatusOK)
	if resolved["tier"] != "ultra" {
		t.Fatalf("resolved tier = %v, want ultra", resolved["tier"])
	}
}

func TestAdminMembershipApply(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	body := `{"subject_id":"900200","tier":"pro","minutes":1440}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/membership", strings.NewReader(body))
	req.Header.Set("X-Admin-Secret", testAdmin)
	out := doJSON(t, h, req, http.StatusOK)
	if out["tier"] != "pro" {
		t.Fatalf("tier = %v, want pro", out["tier"])
	}
	if out["last_recharge_minutes"] != float64(1440) {
		t.Fatalf("last_recharge_minutes = %v, want 1440", out["last_recharge_minutes"])
	}
}

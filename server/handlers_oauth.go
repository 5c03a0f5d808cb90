package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/twitchapi"
)

const (
	oauthStatePrefix = "oauth_state:"
	oauthStateTTL    = 10 * time.Minute
)

// newOAuthState stores a random state in kv bound to provider and returns it.
func (h *Handlers) newOAuthState(r *http.Request, provider string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	st := hex.EncodeToString(b)
	val := provider + "|" + h.now().Add(oauthStateTTL).UTC().Format(time.RFC3339)
	if err := h.store.SetKV(r.Context(), oauthStatePrefix+st, val); err != nil {
		return "", err
	}
	return st, nil
}

// consumeOAuthState reports whether st was issued for provider and has not expired. A state is
// usable once.
func (h *Handlers) consumeOAuthState(r *http.Request, provider, st string) bool {
	key := oauthStatePrefix + st
	val, err := h.store.GetKV(r.Context(), key)
	if err != nil || val == "" {
		return false
	}
	_ = h.store.SetKV(r.Context(), key, "")
	p, exp, ok := strings.Cut(val, "|")
	if !ok || p != provider {
		return false
	}
	t, err := time.Parse(time.RFC3339, exp)
	return err == nil && h.now().Before(t)
}

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.TwitchClientID == "" || h.cfg.TwitchRedirectURI == "" {
		writeError(w, http.StatusBadRequest, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)")
		return
	}
	st, err := h.newOAuthState(r, "twitch")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state error")
		return
	}
	authURL, err := twitchapi.BuildAuthorizeURL(h.cfg.TwitchClientID, h.cfg.TwitchRedirectURI, h.cfg.TwitchScopes, st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback handles the OAuth callback from Twitch and stores tokens.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	if !h.consumeOAuthState(r, "twitch", st) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	tok, err := twitchapi.ExchangeAuthCode(r.Context(), h.httpClient, h.cfg.TwitchClientID, h.cfg.TwitchClientSecret, code, h.cfg.TwitchRedirectURI)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("twitch code exchange failed", slog.String("component", "oauth"), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	if err := h.store.UpsertOAuthToken(r.Context(), "twitch", tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(tok.Scopes, " ")); err != nil {
		writeError(w, http.StatusInternalServerError, "store token failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scopes": tok.Scopes, "expiry": tok.Expiry})
}

// HandleYouTubeOAuthStart initiates the YouTube OAuth flow.
func (h *Handlers) HandleYouTubeOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.youtube == nil || h.cfg.YTClientID == "" || h.cfg.YTRedirectURI == "" {
		writeError(w, http.StatusBadRequest, "youtube oauth not configured")
		return
	}
	st, err := h.newOAuthState(r, "youtube")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state error")
		return
	}
	http.Redirect(w, r, h.youtube.AuthCodeURL(st), http.StatusFound)
}

// HandleYouTubeOAuthCallback handles the OAuth callback from YouTube and stores tokens.
func (h *Handlers) HandleYouTubeOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.youtube == nil {
		writeError(w, http.StatusBadRequest, "youtube oauth not configured")
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	if !h.consumeOAuthState(r, "youtube", st) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	tok, err := h.youtube.Exchange(r.Context(), code)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("youtube code exchange failed", slog.String("component", "oauth"), slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "expiry": tok.Expiry, "refresh_token_present": tok.RefreshToken != ""})
}

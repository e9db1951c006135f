package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type authMode string

const (
	authModeNone  authMode = "none"
	authModeBasic authMode = "basic"
	authModeOIDC  authMode = "oidc"
)

const (
	oidcSessionCookieName = "mumblepwa_oidc_session"
	oidcStateCookieName   = "mumblepwa_oidc_state"

	basicRealm = "Mumble PWA Client"
)

func parseAuthMode(value string) (authMode, error) {
	mode := authMode(strings.ToLower(strings.TrimSpace(value)))
	switch mode {
	case authModeNone, authModeBasic, authModeOIDC:
		return mode, nil
	case "":
		return authModeNone, nil
	default:
		return authModeNone, fmt.Errorf("unsupported auth mode: %s", value)
	}
}

// authGate protects the web UI and the websocket bridge.
type authGate interface {
	// authorize reports whether the request may proceed. When it may not,
	// the response has already been written. Websocket requests never get
	// redirected to a login page.
	authorize(w http.ResponseWriter, r *http.Request, websocketRequest bool) bool
	check(w http.ResponseWriter, r *http.Request)
	logout(w http.ResponseWriter, r *http.Request)
	mount(r chi.Router)
	mode() authMode
}

func newAuthGate(ctx context.Context, cfg AuthConfig, paths basePath) (authGate, error) {
	mode, err := parseAuthMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	switch mode {
	case authModeBasic:
		return newBasicGate(cfg.BasicUser, cfg.BasicPass, paths), nil
	case authModeOIDC:
		return newOIDCGate(ctx, cfg, paths)
	default:
		return openGate{paths: paths}, nil
	}
}

type openGate struct {
	paths basePath
}

func (openGate) authorize(http.ResponseWriter, *http.Request, bool) bool { return true }

func (openGate) check(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (g openGate) logout(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, g.paths.home(), http.StatusFound)
}

func (openGate) mount(chi.Router) {}

func (openGate) mode() authMode { return authModeNone }

// basicGate keeps only digests of the configured credentials so every
// comparison runs over equal-length inputs.
type basicGate struct {
	user  [sha256.Size]byte
	pass  [sha256.Size]byte
	paths basePath
}

func newBasicGate(user, pass string, paths basePath) *basicGate {
	return &basicGate{
		user:  sha256.Sum256([]byte(strings.TrimSpace(user))),
		pass:  sha256.Sum256([]byte(strings.TrimSpace(pass))),
		paths: paths,
	}
}

func (g *basicGate) authorize(w http.ResponseWriter, r *http.Request, _ bool) bool {
	if g.authorized(r) {
		return true
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", basicRealm))
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (g *basicGate) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	gotUser := sha256.Sum256([]byte(user))
	gotPass := sha256.Sum256([]byte(pass))
	return subtle.ConstantTimeCompare(gotUser[:], g.user[:])&subtle.ConstantTimeCompare(gotPass[:], g.pass[:]) == 1
}

func (g *basicGate) check(w http.ResponseWriter, r *http.Request) {
	if g.authorize(w, r, false) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (g *basicGate) logout(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", basicRealm+" (logout)"))
	http.Error(w, "logged out", http.StatusUnauthorized)
}

func (g *basicGate) mount(chi.Router) {}

func (g *basicGate) mode() authMode { return authModeBasic }

type oidcStateCookie struct {
	State    string `json:"state"`
	Nonce    string `json:"nonce"`
	Verifier string `json:"verifier"`
	Next     string `json:"next"`
	Exp      int64  `json:"exp"`
}

type oidcSessionCookie struct {
	Sub   string `json:"sub"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Exp   int64  `json:"exp"`
}

type oidcGate struct {
	issuer       string
	oauth2Config oauth2.Config
	verifier     *oidc.IDTokenVerifier
	cookies      signedCookies
	paths        basePath
}

func newOIDCGate(ctx context.Context, cfg AuthConfig, paths basePath) (*oidcGate, error) {
	issuer := strings.TrimSpace(cfg.OIDCIssuer)
	clientID := strings.TrimSpace(cfg.OIDCClientID)
	secret := strings.TrimSpace(cfg.OIDCSessionSecret)
	if issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	if clientID == "" {
		return nil, fmt.Errorf("oidc client id is required")
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("oidc session secret is too short (min 16 chars)")
	}

	scopes := ensureOpenIDScope(parseCSV(cfg.OIDCScopes))
	if len(scopes) == 1 {
		scopes = append(scopes, "profile", "email")
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	return &oidcGate{
		issuer: issuer,
		oauth2Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: strings.TrimSpace(cfg.OIDCClientSecret),
			Endpoint:     provider.Endpoint(),
			RedirectURL:  strings.TrimSpace(cfg.OIDCRedirectURL),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		cookies:  signedCookies{key: []byte(secret), path: paths.cookie()},
		paths:    paths,
	}, nil
}

func (g *oidcGate) mode() authMode { return authModeOIDC }

func (g *oidcGate) mount(r chi.Router) {
	r.Get("/auth/login", g.handleLogin)
	r.Get("/auth/callback", g.handleCallback)
}

func (g *oidcGate) authorize(w http.ResponseWriter, r *http.Request, websocketRequest bool) bool {
	if _, ok := g.readSession(r); ok {
		return true
	}
	if websocketRequest {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	http.Redirect(w, r, g.loginURL(r), http.StatusTemporaryRedirect)
	return false
}

func (g *oidcGate) check(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.readSession(r); ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (g *oidcGate) logout(w http.ResponseWriter, r *http.Request) {
	g.cookies.clear(w, r, oidcSessionCookieName)
	g.cookies.clear(w, r, oidcStateCookieName)
	http.Redirect(w, r, g.paths.home(), http.StatusFound)
}

// handleLogin starts an authorization code flow with PKCE. State, nonce and
// the code verifier travel in a short-lived signed cookie.
func (g *oidcGate) handleLogin(w http.ResponseWriter, r *http.Request) {
	login := oidcStateCookie{
		State:    oauth2.GenerateVerifier(),
		Nonce:    oauth2.GenerateVerifier(),
		Verifier: oauth2.GenerateVerifier(),
		Next:     g.paths.loginReturn(r.URL.Query().Get("next")),
		Exp:      time.Now().Add(10 * time.Minute).Unix(),
	}
	if err := g.cookies.set(w, r, oidcStateCookieName, login, 10*time.Minute); err != nil {
		http.Error(w, "failed to persist oidc state", http.StatusInternalServerError)
		return
	}

	oauthCfg := g.oauth2Config
	oauthCfg.RedirectURL = g.redirectURL(r)
	target := oauthCfg.AuthCodeURL(login.State, oidc.Nonce(login.Nonce), oauth2.S256ChallengeOption(login.Verifier))
	http.Redirect(w, r, target, http.StatusFound)
}

func (g *oidcGate) handleCallback(w http.ResponseWriter, r *http.Request) {
	fail := func(status int, message string) {
		g.cookies.clear(w, r, oidcStateCookieName)
		http.Error(w, message, status)
	}

	query := r.URL.Query()
	if errText := strings.TrimSpace(query.Get("error")); errText != "" {
		http.Error(w, fmt.Sprintf("oidc authentication failed: %s", errText), http.StatusUnauthorized)
		return
	}

	var login oidcStateCookie
	if err := g.cookies.read(r, oidcStateCookieName, &login); err != nil {
		http.Error(w, "missing oidc state", http.StatusUnauthorized)
		return
	}
	if login.Exp < time.Now().Unix() {
		fail(http.StatusUnauthorized, "oidc state expired")
		return
	}
	if !hmac.Equal([]byte(strings.TrimSpace(query.Get("state"))), []byte(login.State)) {
		fail(http.StatusUnauthorized, "oidc state mismatch")
		return
	}

	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		fail(http.StatusUnauthorized, "missing oidc code")
		return
	}

	oauthCfg := g.oauth2Config
	oauthCfg.RedirectURL = g.redirectURL(r)
	oauthToken, err := oauthCfg.Exchange(r.Context(), code, oauth2.VerifierOption(login.Verifier))
	if err != nil {
		log.Warnf("oidc code exchange failed: %v", err)
		fail(http.StatusUnauthorized, "oidc code exchange failed")
		return
	}

	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok || strings.TrimSpace(rawIDToken) == "" {
		fail(http.StatusUnauthorized, "missing id_token")
		return
	}
	idToken, err := g.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		fail(http.StatusUnauthorized, "invalid id_token")
		return
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
		Nonce string `json:"nonce"`
		Exp   int64  `json:"exp"`
	}
	if err := idToken.Claims(&claims); err != nil {
		fail(http.StatusUnauthorized, "failed to parse id_token claims")
		return
	}
	if claims.Sub == "" {
		fail(http.StatusUnauthorized, "id_token subject is empty")
		return
	}
	if !hmac.Equal([]byte(claims.Nonce), []byte(login.Nonce)) {
		fail(http.StatusUnauthorized, "oidc nonce mismatch")
		return
	}

	sessionExp := sessionExpiry(claims.Exp, oauthToken.Expiry, time.Now())
	ttl := min(max(time.Until(time.Unix(sessionExp, 0)), time.Minute), 7*24*time.Hour)
	session := oidcSessionCookie{
		Sub:   claims.Sub,
		Email: claims.Email,
		Name:  claims.Name,
		Exp:   sessionExp,
	}
	if err := g.cookies.set(w, r, oidcSessionCookieName, session, ttl); err != nil {
		fail(http.StatusInternalServerError, "failed to persist session")
		return
	}

	log.WithField("sub", claims.Sub).Info("oidc login")
	g.cookies.clear(w, r, oidcStateCookieName)
	http.Redirect(w, r, g.paths.loginReturn(login.Next), http.StatusFound)
}

func sessionExpiry(claimExp int64, tokenExpiry time.Time, now time.Time) int64 {
	exp := claimExp
	if exp <= 0 {
		if !tokenExpiry.IsZero() {
			exp = tokenExpiry.Unix()
		} else {
			exp = now.Add(8 * time.Hour).Unix()
		}
	}
	if exp <= now.Unix() {
		exp = now.Add(5 * time.Minute).Unix()
	}
	return exp
}

func (g *oidcGate) loginURL(r *http.Request) string {
	params := url.Values{}
	params.Set("next", r.URL.RequestURI())
	return g.paths.route("/auth/login") + "?" + params.Encode()
}

func (g *oidcGate) redirectURL(r *http.Request) string {
	if configured := strings.TrimSpace(g.oauth2Config.RedirectURL); configured != "" {
		return configured
	}
	origin := originOf(r)
	return origin.scheme + "://" + origin.host + g.paths.route("/auth/callback")
}

func (g *oidcGate) readSession(r *http.Request) (oidcSessionCookie, bool) {
	var session oidcSessionCookie
	if err := g.cookies.read(r, oidcSessionCookieName, &session); err != nil {
		return session, false
	}
	if session.Sub == "" || session.Exp <= time.Now().Unix() {
		return session, false
	}
	return session, true
}

func ensureOpenIDScope(scopes []string) []string {
	out := make([]string, 0, len(scopes)+1)
	hasOpenID := false
	for _, scope := range scopes {
		token := strings.TrimSpace(scope)
		if token == "" {
			continue
		}
		if token == "openid" {
			hasOpenID = true
		}
		out = append(out, token)
	}
	if !hasOpenID {
		out = append([]string{"openid"}, out...)
	}
	return out
}

// loginReturn resolves where to send the browser after login. Only local
// paths under the base path are honoured; anything else lands on home.
func (b basePath) loginReturn(next string) string {
	u, err := url.Parse(strings.TrimSpace(next))
	if err != nil || u.Scheme != "" || u.Host != "" {
		return b.home()
	}
	p := u.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return b.home()
	}
	if p == "/" || p == string(b) {
		p = b.home()
	}
	if b != "" && !strings.HasPrefix(p, string(b)+"/") {
		return b.home()
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// requestOrigin is the scheme and host the browser used, as reported by the
// first reverse proxy hop when there is one.
type requestOrigin struct {
	scheme string
	host   string
}

func originOf(r *http.Request) requestOrigin {
	origin := requestOrigin{scheme: "http", host: strings.TrimSpace(r.Host)}
	if r.TLS != nil || strings.EqualFold(firstHop(r.Header.Get("X-Forwarded-Proto")), "https") {
		origin.scheme = "https"
	}
	if host := firstHop(r.Header.Get("X-Forwarded-Host")); host != "" {
		origin.host = host
	}
	if origin.host == "" {
		origin.host = "localhost"
	}
	return origin
}

func (o requestOrigin) secure() bool { return o.scheme == "https" }

func firstHop(header string) string {
	hop, _, _ := strings.Cut(header, ",")
	return strings.TrimSpace(hop)
}

// signedCookies stores JSON payloads in cookies as base64(json) "."
// base64(mac). The MAC covers the cookie name, so a value cannot be replayed
// under another name.
type signedCookies struct {
	key  []byte
	path string
}

func (c signedCookies) mac(name string, data []byte) []byte {
	m := hmac.New(sha256.New, c.key)
	_, _ = m.Write([]byte(name))
	_, _ = m.Write([]byte{0})
	_, _ = m.Write(data)
	return m.Sum(nil)
}

func (c signedCookies) seal(name string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(c.mac(name, data)), nil
}

func (c signedCookies) open(name, value string, out any) error {
	dataText, sigText, ok := strings.Cut(value, ".")
	if !ok || strings.Contains(sigText, ".") {
		return fmt.Errorf("cookie %s: malformed value", name)
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(dataText)
	if err != nil {
		return fmt.Errorf("cookie %s: payload encoding: %w", name, err)
	}
	sig, err := enc.DecodeString(sigText)
	if err != nil {
		return fmt.Errorf("cookie %s: signature encoding: %w", name, err)
	}
	if !hmac.Equal(sig, c.mac(name, data)) {
		return fmt.Errorf("cookie %s: signature mismatch", name)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cookie %s: %w", name, err)
	}
	return nil
}

func (c signedCookies) set(w http.ResponseWriter, r *http.Request, name string, payload any, ttl time.Duration) error {
	value, err := c.seal(name, payload)
	if err != nil {
		return err
	}
	ttl = max(ttl, time.Minute)
	http.SetCookie(w, c.cookie(r, name, value, time.Now().Add(ttl), int(ttl.Seconds())))
	return nil
}

func (c signedCookies) read(r *http.Request, name string, out any) error {
	cookie, err := r.Cookie(name)
	if err != nil {
		return err
	}
	return c.open(name, cookie.Value, out)
}

func (c signedCookies) clear(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, c.cookie(r, name, "", time.Unix(0, 0), -1))
}

func (c signedCookies) cookie(r *http.Request, name, value string, expires time.Time, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.path,
		HttpOnly: true,
		Secure:   originOf(r).secure(),
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
		MaxAge:   maxAge,
	}
}

// websocketToken is the optional shared secret for /ws. The browser sends it
// as ?token=; command-line clients may use a bearer Authorization header.
type websocketToken string

func (t websocketToken) allows(r *http.Request) bool {
	if t == "" {
		return true
	}
	presented := strings.TrimSpace(r.URL.Query().Get("token"))
	if presented == "" {
		scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			presented = strings.TrimSpace(value)
		}
	}
	return presented != "" && hmac.Equal([]byte(presented), []byte(t))
}

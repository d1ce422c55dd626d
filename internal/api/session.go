package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SessionCookie is the name of the session cookie.
const SessionCookie = "meremail_session"

const sessionMaxAge = 30 * 24 * time.Hour

// sessionValue builds a cookie value <timestamp>:<hex16>:<signature>
// where the signature is hex-sha256 over "timestamp:hex16:secret".
func sessionValue(secret string, now time.Time) string {
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	ts := strconv.FormatInt(now.Unix(), 10)
	payload := ts + ":" + hex.EncodeToString(nonce[:])
	return payload + ":" + signSession(payload, secret)
}

func signSession(payload, secret string) string {
	sum := sha256.Sum256([]byte(payload + ":" + secret))
	return hex.EncodeToString(sum[:])
}

// verifySession checks the signature and expiry of a cookie value.
func verifySession(value, secret string, now time.Time) bool {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return false
	}
	payload := parts[0] + ":" + parts[1]
	want := signSession(payload, secret)
	if subtle.ConstantTimeCompare([]byte(parts[2]), []byte(want)) != 1 {
		return false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}
	issued := time.Unix(ts, 0)
	return !now.After(issued.Add(sessionMaxAge)) && !issued.After(now.Add(time.Minute))
}

// setSessionCookie emits a fresh session cookie. Called on login and
// on every authenticated request (sliding expiration).
func (s *Server) setSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionValue(s.cfg.Auth.CookieSecret, s.now()),
		Path:     "/",
		MaxAge:   int(sessionMaxAge / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionMiddleware gates the protected routes on a valid cookie and
// re-emits it so an active user never expires.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil || !verifySession(cookie.Value, s.cfg.Auth.CookieSecret, s.now()) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
			return
		}
		s.setSessionCookie(w)
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin checks the single-user credentials. Comparison is
// constant-time and failures take a randomized 100-200ms, blunting
// both timing probes and online guessing.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed login payload")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.Auth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Auth.Password)) == 1
	if !userOK || !passOK {
		s.failureDelay()
		s.log.Warn("login failed", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials")
		return
	}

	s.setSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) failureDelay() {
	jitter, err := rand.Int(rand.Reader, big.NewInt(100))
	ms := int64(100)
	if err == nil {
		ms += jitter.Int64()
	}
	s.sleep(time.Duration(ms) * time.Millisecond)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleMe reports authenticated state; it sits behind the session
// middleware so reaching it means the cookie is valid.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      s.cfg.Auth.Username,
	})
}

package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Role separates the two kinds of console users. Operators enroll entities
// and watch their own jobs; admins additionally manage profiles, attempts,
// and the audit trail.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleOperator:
		return RoleOperator, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

var errNotAuthenticated = errors.New("not authenticated")

// Auth issues cookie sessions backed by the users table and accepts the
// deploy-wide service token as an admin credential. Logins and logouts land
// in the audit trail.
type Auth struct {
	pool         *pgxpool.Pool
	store        Store
	serviceToken string
	cookieName   string
	sessionTTL   time.Duration
}

func NewAuth(pool *pgxpool.Pool, store Store, cfg ServerConfig) *Auth {
	ttl := 8 * time.Hour
	if parsed, err := time.ParseDuration(strings.TrimSpace(cfg.Auth.SessionTTL)); err == nil && parsed > 0 {
		ttl = parsed
	}
	cookie := strings.TrimSpace(cfg.Auth.CookieName)
	if cookie == "" {
		cookie = "typeauth_session"
	}
	return &Auth{
		pool:         pool,
		store:        store,
		serviceToken: strings.TrimSpace(cfg.Security.AdminToken),
		cookieName:   cookie,
		sessionTTL:   ttl,
	}
}

type userAccount struct {
	ID       string
	Username string
	Role     Role
}

func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSONBody(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}
	if a.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}

	user, err := a.verifyCredentials(r.Context(), creds.Username, creds.Password)
	if err != nil {
		a.audit(r, "auth.login", "denied", creds.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := a.openSession(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(a.sessionTTL.Seconds()),
	})
	a.audit(r, "auth.login", "ok", user.Username)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "role": user.Role})
}

func (a *Auth) verifyCredentials(ctx context.Context, username, password string) (userAccount, error) {
	var (
		user userAccount
		hash string
		role string
	)
	err := a.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role FROM users WHERE username=$1`,
		username).Scan(&user.ID, &user.Username, &hash, &role)
	if err != nil {
		return userAccount{}, errNotAuthenticated
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return userAccount{}, errNotAuthenticated
	}
	user.Role = RoleOperator
	if parsed, err := ParseRole(role); err == nil {
		user.Role = parsed
	}
	return user, nil
}

func (a *Auth) openSession(ctx context.Context, userID string) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	_, _ = a.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id=$1 AND expires_at < now()`, userID)
	_, err = a.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		sha256Hex(token), userID, time.Now().Add(a.sessionTTL))
	if err != nil {
		return "", err
	}
	_, _ = a.pool.Exec(ctx, `UPDATE users SET last_login_at=now() WHERE id=$1`, userID)
	return token, nil
}

func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" && a.pool != nil {
		_, _ = a.pool.Exec(r.Context(), `DELETE FROM sessions WHERE token_hash=$1`, sha256Hex(cookie.Value))
		a.audit(r, "auth.logout", "ok", "")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *Auth) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal, err := a.AuthenticateRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"principal":     principal,
	})
}

// Require authenticates the request and stashes the principal in the
// context for the wrapped handler.
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.AuthenticateRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates on the given role. Admins pass every gate.
func (a *Auth) RequireRole(role Role, next http.Handler) http.Handler {
	return a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFromContext(r.Context())
		if principal.Role != role && principal.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return a.RequireRole(RoleAdmin, next)
}

func (a *Auth) AuthenticateRequest(r *http.Request) (Principal, error) {
	if principal, ok := a.sessionPrincipal(r); ok {
		return principal, nil
	}
	if principal, ok := a.tokenPrincipal(r); ok {
		return principal, nil
	}
	return Principal{}, errNotAuthenticated
}

func (a *Auth) sessionPrincipal(r *http.Request) (Principal, bool) {
	if a.pool == nil {
		return Principal{}, false
	}
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return Principal{}, false
	}
	var sub, username, role string
	err = a.pool.QueryRow(r.Context(),
		`SELECT u.id, u.username, u.role FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash=$1 AND s.expires_at > now()`,
		sha256Hex(cookie.Value)).Scan(&sub, &username, &role)
	if err != nil {
		return Principal{}, false
	}
	parsed, err := ParseRole(role)
	if err != nil {
		parsed = RoleOperator
	}
	return Principal{Subject: sub, Username: username, Role: parsed}, true
}

// tokenPrincipal accepts the service token from X-Admin-Token or a Bearer
// Authorization header. Service-token callers act as admin.
func (a *Auth) tokenPrincipal(r *http.Request) (Principal, bool) {
	if a.serviceToken == "" {
		return Principal{}, false
	}
	presented := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if presented == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			presented = strings.TrimSpace(header[7:])
		}
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.serviceToken)) != 1 {
		return Principal{}, false
	}
	return Principal{Subject: "service-token", Username: "service-token", Role: RoleAdmin}, true
}

func (a *Auth) audit(r *http.Request, action, result, detail string) {
	if a.store == nil {
		return
	}
	ipHash, uaHash := actorHashes(r)
	_ = a.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ActorType: "auth",
		Action:    action,
		Result:    result,
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    detail,
	})
}

func SeedUser(ctx context.Context, pool *pgxpool.Pool, username, password string, role Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO UPDATE SET password_hash=$2, role=$3, updated_at=now()`,
		username, string(hash), string(role))
	return err
}

type principalContextKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	value := ctx.Value(principalContextKey{})
	principal, ok := value.(Principal)
	return principal, ok
}

func newSessionToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

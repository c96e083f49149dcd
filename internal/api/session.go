package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/registry"
)

// Cookie configuration.
const (
	userCookieName   = "quill_uid"
	rosterCookieName = "quill_models"
	cookieMaxAge     = 30 * 24 * 3600 // 30 days in seconds
)

// identity handles the signed user cookie and the roster cookie.
//
// There is no account system: the first visit mints a random user id and
// the HMAC signature makes the cookie tamper-evident, so a client cannot
// claim another user's id by editing its cookie.
type identity struct {
	hmacSecret []byte
	logger     log.Logger
}

func newIdentity(secret []byte, logger log.Logger) *identity {
	return &identity{hmacSecret: secret, logger: logger}
}

// createSession handles POST /api/v1/session. It returns the caller's user
// id, minting and setting a signed cookie when none is present.
func (id *identity) createSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := id.userID(r)
	if !ok {
		userID = uuid.New()
		id.setUserCookie(w, userID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID.String()}, id.logger)
}

// userID extracts and verifies the caller identity from the uid cookie.
func (id *identity) userID(r *http.Request) (uuid.UUID, bool) {
	cookie, err := r.Cookie(userCookieName)
	if err != nil {
		return uuid.Nil, false
	}
	raw, ok := verifySignedUID(cookie.Value, id.hmacSecret)
	if !ok {
		return uuid.Nil, false
	}
	uid, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return uid, true
}

// requireUser extracts the caller identity or writes a 401.
func (id *identity) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	uid, ok := id.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "a session is required; call POST /api/v1/session first", id.logger)
		return uuid.Nil, false
	}
	return uid, true
}

func (id *identity) setUserCookie(w http.ResponseWriter, userID uuid.UUID) {
	http.SetCookie(w, &http.Cookie{
		Name:     userCookieName,
		Value:    signUID(userID.String(), id.hmacSecret),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   cookieMaxAge,
	})
}

// roster reads the model roster cookie, falling back to defaults when the
// cookie is absent or unreadable.
func (id *identity) roster(r *http.Request) registry.Roster {
	cookie, err := r.Cookie(rosterCookieName)
	if err != nil {
		return registry.DefaultRoster()
	}
	raw, err := base64.URLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return registry.DefaultRoster()
	}
	roster, err := registry.ParseRoster(string(raw))
	if err != nil {
		return registry.DefaultRoster()
	}
	return roster
}

// setRosterCookie stores the roster selection. The JSON is base64url
// encoded to keep the cookie value within RFC 6265's allowed characters.
func (id *identity) setRosterCookie(w http.ResponseWriter, roster registry.Roster) {
	http.SetCookie(w, &http.Cookie{
		Name:     rosterCookieName,
		Value:    base64.URLEncoding.EncodeToString([]byte(roster.Encode())),
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   cookieMaxAge,
	})
}

// signUID creates an HMAC-signed cookie value:
// "uid.base64url(HMAC-SHA256(secret, uid))".
func signUID(uid string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(uid))
	sig := base64.URLEncoding.EncodeToString(h.Sum(nil))
	return uid + "." + sig
}

// verifySignedUID splits a signed cookie value and verifies the signature.
// Returns the extracted UID and true on success.
func verifySignedUID(value string, secret []byte) (string, bool) {
	idx := strings.LastIndex(value, ".")
	if idx < 1 {
		return "", false
	}

	uid := value[:idx]
	sig, err := base64.URLEncoding.DecodeString(value[idx+1:])
	if err != nil {
		return "", false
	}

	h := hmac.New(sha256.New, secret)
	h.Write([]byte(uid))
	expected := h.Sum(nil)

	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return "", false
	}

	return uid, true
}

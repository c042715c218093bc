package server

import (
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const tokenKey = "token"

// cookieJar carries the opaque session token in a signed cookie.
type cookieJar struct {
	store *sessions.CookieStore
	name  string
}

func newCookieJar(name string, secret []byte, maxAge time.Duration, secure bool) *cookieJar {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(int(maxAge / time.Second))
	return &cookieJar{store: store, name: name}
}

// token returns the token in the request's cookie, or "" when there is no
// cookie or it fails verification.
func (c *cookieJar) token(r *http.Request) string {
	sess, err := c.store.Get(r, c.name)
	if err != nil {
		return ""
	}
	token, _ := sess.Values[tokenKey].(string)
	return token
}

func (c *cookieJar) set(w http.ResponseWriter, r *http.Request, token string) error {
	// New ignores a stale or foreign cookie and always yields a session.
	sess, _ := c.store.New(r, c.name)
	sess.Values[tokenKey] = token
	return sess.Save(r, w)
}

func (c *cookieJar) clear(w http.ResponseWriter, r *http.Request) error {
	sess, _ := c.store.New(r, c.name)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

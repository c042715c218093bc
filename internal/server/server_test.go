package server

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"blog/internal/config"
	"blog/internal/db"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, _ := newTestServerWithDB(t)
	return srv
}

func newTestServerWithDB(t *testing.T) (*Server, *sql.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := config.Default()
	cfg.Server.TemplateDir = "../../web/templates"
	cfg.Sessions.CookieSecret = "test-secret"
	cfg.Auth.BcryptCost = bcrypt.MinCost

	srv, err := New(database, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return srv, database
}

func postForm(srv *Server, path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func get(srv *Server, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	t.Fatalf("no session cookie set")
	return nil
}

func signup(t *testing.T, srv *Server, username, password string) *http.Cookie {
	t.Helper()
	w := postForm(srv, "/signup", url.Values{
		"username": {username},
		"password": {password},
		"verify":   {password},
		"email":    {username + "@example.com"},
	})
	require.Equal(t, http.StatusSeeOther, w.Code)
	require.Equal(t, "/welcome", w.Header().Get("Location"))
	return sessionCookie(t, w)
}

func TestSignupLogin(t *testing.T) {
	srv := newTestServer(t)
	cookie := signup(t, srv, "alice", "secret")

	w := get(srv, "/welcome", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Welcome, alice")

	w = postForm(srv, "/login", url.Values{"username": {"alice"}, "password": {"secret"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/welcome", w.Header().Get("Location"))
	loginCookie := sessionCookie(t, w)

	w = get(srv, "/welcome", loginCookie)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogin_Invalid(t *testing.T) {
	srv := newTestServer(t)
	signup(t, srv, "alice", "secret")

	for _, form := range []url.Values{
		{"username": {"alice"}, "password": {"wrong"}},
		{"username": {"nobody"}, "password": {"secret"}},
	} {
		w := postForm(srv, "/login", form)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid Login")
		assert.Empty(t, w.Result().Cookies())
	}
}

func TestSignup_Duplicate(t *testing.T) {
	srv := newTestServer(t)
	signup(t, srv, "alice", "secret")

	w := postForm(srv, "/signup", url.Values{
		"username": {"alice"}, "password": {"other"}, "verify": {"other"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Username already in use")
}

func TestSignup_Validation(t *testing.T) {
	srv := newTestServer(t)

	w := postForm(srv, "/signup", url.Values{
		"username": {"a"}, "password": {"secret"}, "verify": {"secret"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "invalid username")

	w = postForm(srv, "/signup", url.Values{
		"username": {"alice"}, "password": {"secret"}, "verify": {"different"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "password must match")
}

func TestRequireAuth(t *testing.T) {
	srv := newTestServer(t)

	w := get(srv, "/newpost")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	w = postForm(srv, "/newpost", url.Values{"subject": {"x"}, "body": {"y"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	w = get(srv, "/welcome")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/signup", w.Header().Get("Location"))
}

func TestForgedCookieIsAnonymous(t *testing.T) {
	srv := newTestServer(t)

	w := get(srv, "/welcome", &http.Cookie{Name: "session", Value: "not-a-signed-value"})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/signup", w.Header().Get("Location"))
}

func TestPostCommentLike(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	cookie := signup(t, srv, "alice", "secret")

	w := postForm(srv, "/newpost", url.Values{
		"subject": {"My First Post"},
		"body":    {"line one\r\nline <two>"},
		"tags":    {"go, blog ,go,,"},
	}, cookie)
	require.Equal(t, http.StatusSeeOther, w.Code)
	require.Equal(t, "/post/my_first_post", w.Header().Get("Location"))

	post, err := srv.posts.FindPostByPermalink(ctx, "my_first_post")
	require.NoError(t, err)
	assert.Equal(t, "alice", post.Author)
	assert.Equal(t, []string{"go", "blog"}, post.Tags)
	assert.Equal(t, "line one<p>line &lt;two&gt;", post.Body)

	w = get(srv, "/post/my_first_post")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "line one<p>line &lt;two&gt;")

	w = postForm(srv, "/newcomment", url.Values{
		"permalink":   {"my_first_post"},
		"commentName": {"bob"},
		"commentBody": {"nice post"},
	})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/post/my_first_post", w.Header().Get("Location"))

	for i := 0; i < 2; i++ {
		w = postForm(srv, "/like", url.Values{"permalink": {"my_first_post"}, "comment_ordinal": {"0"}})
		require.Equal(t, http.StatusSeeOther, w.Code)
	}

	post, err = srv.posts.FindPostByPermalink(ctx, "my_first_post")
	require.NoError(t, err)
	require.Len(t, post.Comments, 1)
	assert.Equal(t, "bob", post.Comments[0].Author)
	assert.Empty(t, post.Comments[0].Email)
	assert.Equal(t, 2, post.Comments[0].NumLikes)

	w = postForm(srv, "/like", url.Values{
		"permalink":       {"my_first_post"},
		"comment_id":      {post.Comments[0].ID},
		"comment_ordinal": {"7"},
	})
	require.Equal(t, http.StatusSeeOther, w.Code)

	post, err = srv.posts.FindPostByPermalink(ctx, "my_first_post")
	require.NoError(t, err)
	assert.Equal(t, 3, post.Comments[0].NumLikes)

	w = get(srv, "/tag/go")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "My First Post")

	w = get(srv, "/tag/Go")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "My First Post")

	w = get(srv, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "My First Post")
}

func TestNewPost_Validation(t *testing.T) {
	srv := newTestServer(t)
	cookie := signup(t, srv, "alice", "secret")

	w := postForm(srv, "/newpost", url.Values{"subject": {""}, "body": {"text"}}, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "post must contain a title and blog entry.")
}

func TestNewComment_Validation(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.posts.AddPost(context.Background(), "Post", "body", nil, "alice")
	require.NoError(t, err)

	w := postForm(srv, "/newcomment", url.Values{
		"permalink": {"post"}, "commentName": {""}, "commentBody": {"hi"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Post must contain your name and an actual comment")

	w = postForm(srv, "/newcomment", url.Values{
		"permalink": {"missing"}, "commentName": {"bob"}, "commentBody": {"hi"},
	})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/post_not_found", w.Header().Get("Location"))
}

func TestLike_Errors(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.posts.AddPost(context.Background(), "Post", "body", nil, "alice")
	require.NoError(t, err)

	w := postForm(srv, "/like", url.Values{"permalink": {"post"}, "comment_ordinal": {"abc"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postForm(srv, "/like", url.Values{"permalink": {"post"}, "comment_ordinal": {"3"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/post/post", w.Header().Get("Location"))

	w = postForm(srv, "/like", url.Values{"permalink": {"missing"}, "comment_ordinal": {"0"}})
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/post_not_found", w.Header().Get("Location"))
}

func TestPostNotFound(t *testing.T) {
	srv := newTestServer(t)

	w := get(srv, "/post/missing")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/post_not_found", w.Header().Get("Location"))

	w = get(srv, "/post_not_found")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "post not found")
}

func TestLogout(t *testing.T) {
	srv := newTestServer(t)
	cookie := signup(t, srv, "alice", "secret")

	w := get(srv, "/logout", cookie)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
	cleared := sessionCookie(t, w)
	assert.Less(t, cleared.MaxAge, 0)

	// The old cookie no longer maps to a session.
	w = get(srv, "/welcome", cookie)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/signup", w.Header().Get("Location"))

	w = get(srv, "/logout")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestInternalErrorPage(t *testing.T) {
	srv := newTestServer(t)

	w := get(srv, "/internal_error")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "System has encountered an error.")
}

func TestStorageFailureRedirectsToErrorPage(t *testing.T) {
	srv, database := newTestServerWithDB(t)
	cookie := signup(t, srv, "alice", "secret")
	require.NoError(t, database.Close())

	for _, tc := range []struct {
		name string
		do   func() *httptest.ResponseRecorder
	}{
		{"post page", func() *httptest.ResponseRecorder { return get(srv, "/post/x") }},
		{"index", func() *httptest.ResponseRecorder { return get(srv, "/") }},
		{"tag page", func() *httptest.ResponseRecorder { return get(srv, "/tag/go") }},
		{"welcome with session", func() *httptest.ResponseRecorder { return get(srv, "/welcome", cookie) }},
		{"login", func() *httptest.ResponseRecorder {
			return postForm(srv, "/login", url.Values{"username": {"alice"}, "password": {"secret"}})
		}},
		{"signup", func() *httptest.ResponseRecorder {
			return postForm(srv, "/signup", url.Values{"username": {"bob"}, "password": {"secret"}, "verify": {"secret"}})
		}},
		{"like", func() *httptest.ResponseRecorder {
			return postForm(srv, "/like", url.Values{"permalink": {"x"}, "comment_ordinal": {"0"}})
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := tc.do()
			require.Equal(t, http.StatusSeeOther, w.Code)
			assert.Equal(t, "/internal_error", w.Header().Get("Location"))
		})
	}
}

func TestSweepSessions_StopsOnCancel(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.SweepSessions(ctx, 1)
		close(done)
	}()
	cancel()
	<-done
}

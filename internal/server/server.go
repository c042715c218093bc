package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"blog/internal/config"
	"blog/internal/models"
)

type Server struct {
	posts    *models.PostStore
	users    *models.UserStore
	sessions *models.SessionStore

	cookies    *cookieJar
	tmpl       map[string]*template.Template
	homeLimit  int
	bodyFormat string
	logger     *slog.Logger
	handler    http.Handler
}

var templateFuncs = template.FuncMap{
	// safeHTML marks a stored post body as trusted markup.
	"safeHTML": func(s string) template.HTML { return template.HTML(s) },
}

// New builds the stores over database and parses every page in
// cfg.Server.TemplateDir against layout.html.
func New(database *sql.DB, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	templates, err := loadTemplates(cfg.Server.TemplateDir)
	if err != nil {
		return nil, err
	}

	secret := []byte(cfg.Sessions.CookieSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating cookie secret: %w", err)
		}
		logger.Warn("sessions.cookie_secret not set, using a random secret; sessions end on restart")
	}

	users, err := models.NewUserStore(database, cfg.Auth.BcryptCost)
	if err != nil {
		return nil, err
	}

	s := &Server{
		posts: models.NewPostStore(database, logger),
		users: users,
		sessions: models.NewSessionStore(database, models.SessionOptions{
			MaxAge:      cfg.Sessions.MaxAge,
			IdleTimeout: cfg.Sessions.IdleTimeout,
		}),
		cookies:    newCookieJar(cfg.Sessions.CookieName, secret, cfg.Sessions.MaxAge, cfg.Server.CookieSecure),
		tmpl:       templates,
		homeLimit:  cfg.Posts.HomeLimit,
		bodyFormat: cfg.Posts.BodyFormat,
		logger:     logger.With("component", "server"),
	}
	s.handler = s.logRequests(s.routes())
	return s, nil
}

func loadTemplates(templateDir string) (map[string]*template.Template, error) {
	templates := map[string]*template.Template{}
	layout := filepath.Join(templateDir, "layout.html")
	pages, err := filepath.Glob(filepath.Join(templateDir, "*.html"))
	if err != nil {
		return nil, err
	}
	for _, page := range pages {
		if filepath.Base(page) == "layout.html" {
			continue
		}
		t, err := template.New("layout.html").Funcs(templateFuncs).ParseFiles(layout, page)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", page, err)
		}
		name := strings.TrimSuffix(filepath.Base(page), ".html")
		templates[name] = t
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("no templates found in %s", templateDir)
	}
	return templates, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /post/{permalink}", s.handlePost)
	mux.HandleFunc("GET /tag/{tag}", s.handleTag)
	mux.HandleFunc("GET /signup", s.handleSignupForm)
	mux.HandleFunc("POST /signup", s.handleSignup)
	mux.HandleFunc("GET /login", s.handleLoginForm)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /logout", s.handleLogout)
	mux.HandleFunc("GET /welcome", s.requireAuth("/signup", s.handleWelcome))
	mux.HandleFunc("GET /newpost", s.requireAuth("/login", s.handleNewPostForm))
	mux.HandleFunc("POST /newpost", s.requireAuth("/login", s.handleNewPost))
	mux.HandleFunc("POST /newcomment", s.handleNewComment)
	mux.HandleFunc("POST /like", s.handleLike)
	mux.HandleFunc("GET /post_not_found", s.handlePostNotFound)
	mux.HandleFunc("GET /internal_error", s.handleInternalError)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// SweepSessions deletes expired sessions every interval until ctx is done.
func (s *Server) SweepSessions(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sessions.PruneExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("pruning sessions", "error", err)
				}
				continue
			}
			if n > 0 {
				s.logger.Info("pruned expired sessions", "count", n)
			}
		}
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	s.renderStatus(w, http.StatusOK, name, data)
}

func (s *Server) renderStatus(w http.ResponseWriter, status int, name string, data any) {
	t, ok := s.tmpl[name]
	if !ok {
		s.logger.Error("template not found", "template", name)
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		s.logger.Error("rendering template", "template", name, "error", err)
		http.Error(w, "render error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// internalError logs a storage failure and sends the user to the error page.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op, "error", err, "path", r.URL.Path)
	http.Redirect(w, r, "/internal_error", http.StatusSeeOther)
}

// currentUser resolves the session cookie. A missing, forged or expired
// session gives "" and no error.
func (s *Server) currentUser(r *http.Request) (string, error) {
	token := s.cookies.token(r)
	if token == "" {
		return "", nil
	}
	username, err := s.sessions.FindUsernameByToken(r.Context(), token)
	if errors.Is(err, models.ErrNotFound) {
		return "", nil
	}
	return username, err
}

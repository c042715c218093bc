package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"blog/internal/models"
)

// commentForm pre-fills the comment form on a post page.
type commentForm struct {
	Name  string
	Email string
	Body  string
}

func postURL(permalink string) string {
	return "/post/" + url.PathEscape(permalink)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	username, err := s.currentUser(r)
	if err != nil {
		s.internalError(w, r, "resolving session", err)
		return
	}
	posts, err := s.posts.FindByDateDescending(r.Context(), s.homeLimit)
	if err != nil {
		s.internalError(w, r, "listing posts", err)
		return
	}
	s.render(w, "index", map[string]any{
		"Posts":    posts,
		"Username": username,
	})
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	username, err := s.currentUser(r)
	if err != nil {
		s.internalError(w, r, "resolving session", err)
		return
	}
	tag := r.PathValue("tag")
	posts, err := s.posts.FindByTagDateDescending(r.Context(), tag)
	if err != nil {
		s.internalError(w, r, "listing posts by tag", err)
		return
	}
	s.render(w, "index", map[string]any{
		"Posts":    posts,
		"Username": username,
		"Tag":      tag,
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	permalink := r.PathValue("permalink")
	post, err := s.posts.FindPostByPermalink(r.Context(), permalink)
	if errors.Is(err, models.ErrNotFound) {
		http.Redirect(w, r, "/post_not_found", http.StatusSeeOther)
		return
	}
	if err != nil {
		s.internalError(w, r, "loading post", err)
		return
	}
	username, err := s.currentUser(r)
	if err != nil {
		s.internalError(w, r, "resolving session", err)
		return
	}
	s.render(w, "post", map[string]any{
		"Post":     post,
		"Comment":  commentForm{Name: username},
		"Username": username,
	})
}

func (s *Server) handleSignupForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, "signup", map[string]any{"Form": signupForm{}})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	form := signupForm{
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
		Verify:   r.FormValue("verify"),
		Email:    r.FormValue("email"),
	}
	if !form.validate() {
		s.logger.Debug("signup did not validate", "username", form.Username)
		s.renderSignup(w, form)
		return
	}

	err := s.users.AddUser(r.Context(), form.Username, form.Password, form.Email)
	if errors.Is(err, models.ErrDuplicateUsername) {
		form.UsernameError = "Username already in use, Please choose another"
		s.renderSignup(w, form)
		return
	}
	if err != nil {
		s.internalError(w, r, "creating user", err)
		return
	}
	s.logger.Info("user created", "username", form.Username)
	s.startSession(w, r, form.Username)
}

func (s *Server) renderSignup(w http.ResponseWriter, form signupForm) {
	form.Password, form.Verify = "", ""
	s.render(w, "signup", map[string]any{"Form": form})
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, "login", map[string]any{})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	password := r.FormValue("password")

	user, err := s.users.ValidateLogin(r.Context(), username, password)
	if errors.Is(err, models.ErrInvalidCredentials) {
		s.render(w, "login", map[string]any{
			"LoginName":  username,
			"LoginError": "Invalid Login",
		})
		return
	}
	if err != nil {
		s.internalError(w, r, "validating login", err)
		return
	}
	s.startSession(w, r, user.Username)
}

// startSession issues a session for username, sets the cookie and sends the
// browser to the welcome page.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, username string) {
	token, err := s.sessions.StartSession(r.Context(), username)
	if err != nil {
		s.internalError(w, r, "starting session", err)
		return
	}
	if err := s.cookies.set(w, r, token); err != nil {
		s.internalError(w, r, "setting session cookie", err)
		return
	}
	http.Redirect(w, r, "/welcome", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := s.cookies.token(r)
	if token == "" {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	if err := s.sessions.EndSession(r.Context(), token); err != nil {
		s.internalError(w, r, "ending session", err)
		return
	}
	if err := s.cookies.clear(w, r); err != nil {
		s.logger.Warn("clearing session cookie", "error", err)
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request, username string) {
	s.render(w, "welcome", map[string]any{"Username": username})
}

func (s *Server) handleNewPostForm(w http.ResponseWriter, r *http.Request, username string) {
	s.render(w, "new_post", map[string]any{"Username": username})
}

func (s *Server) handleNewPost(w http.ResponseWriter, r *http.Request, username string) {
	title := r.FormValue("subject")
	body := r.FormValue("body")
	tags := r.FormValue("tags")

	if title == "" || body == "" {
		s.render(w, "new_post", map[string]any{
			"Username": username,
			"Subject":  title,
			"Body":     body,
			"Tags":     tags,
			"Errors":   "post must contain a title and blog entry.",
		})
		return
	}

	html, err := formatBody(body, s.bodyFormat)
	if err != nil {
		s.internalError(w, r, "formatting post body", err)
		return
	}
	permalink, err := s.posts.AddPost(r.Context(), title, html, extractTags(tags), username)
	if err != nil {
		s.internalError(w, r, "adding post", err)
		return
	}
	s.logger.Info("post created", "permalink", permalink, "author", username)
	http.Redirect(w, r, postURL(permalink), http.StatusSeeOther)
}

func (s *Server) handleNewComment(w http.ResponseWriter, r *http.Request) {
	form := commentForm{
		Name:  r.FormValue("commentName"),
		Email: r.FormValue("commentEmail"),
		Body:  r.FormValue("commentBody"),
	}
	permalink := r.FormValue("permalink")

	post, err := s.posts.FindPostByPermalink(r.Context(), permalink)
	if errors.Is(err, models.ErrNotFound) {
		http.Redirect(w, r, "/post_not_found", http.StatusSeeOther)
		return
	}
	if err != nil {
		s.internalError(w, r, "loading post", err)
		return
	}

	if form.Name == "" || form.Body == "" {
		username, err := s.currentUser(r)
		if err != nil {
			s.internalError(w, r, "resolving session", err)
			return
		}
		s.render(w, "post", map[string]any{
			"Post":     post,
			"Comment":  form,
			"Username": username,
			"Errors":   "Post must contain your name and an actual comment",
		})
		return
	}

	if err := s.posts.AddPostComment(r.Context(), form.Name, form.Email, form.Body, permalink); err != nil {
		s.internalError(w, r, "adding comment", err)
		return
	}
	http.Redirect(w, r, postURL(permalink), http.StatusSeeOther)
}

// handleLike likes a comment by its id when the form carries one, and by
// position otherwise.
func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	permalink := r.FormValue("permalink")

	if _, err := s.posts.FindPostByPermalink(r.Context(), permalink); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Redirect(w, r, "/post_not_found", http.StatusSeeOther)
			return
		}
		s.internalError(w, r, "loading post", err)
		return
	}

	if id := r.FormValue("comment_id"); id != "" {
		err := s.posts.LikeComment(r.Context(), permalink, id)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			s.internalError(w, r, "liking comment", err)
			return
		}
	} else {
		ordinal, err := strconv.Atoi(r.FormValue("comment_ordinal"))
		if err != nil {
			http.Error(w, "invalid comment ordinal", http.StatusBadRequest)
			return
		}
		if err := s.posts.LikePost(r.Context(), permalink, ordinal); err != nil {
			s.internalError(w, r, "liking comment", err)
			return
		}
	}
	http.Redirect(w, r, postURL(permalink), http.StatusSeeOther)
}

func (s *Server) handlePostNotFound(w http.ResponseWriter, r *http.Request) {
	s.renderStatus(w, http.StatusNotFound, "post_not_found", map[string]any{})
}

func (s *Server) handleInternalError(w http.ResponseWriter, r *http.Request) {
	s.renderStatus(w, http.StatusInternalServerError, "error", map[string]any{"Error": "System has encountered an error."})
}

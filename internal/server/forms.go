package server

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"

	"blog/internal/config"
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)
	passwordRe = regexp.MustCompile(`^.{3,20}$`)
	emailRe    = regexp.MustCompile(`^\S+@\S+\.\S+$`)

	newlineRe = regexp.MustCompile(`\r?\n`)
	spaceRe   = regexp.MustCompile(`\s`)
)

// signupForm holds the submitted signup fields and per-field errors.
type signupForm struct {
	Username string
	Password string
	Verify   string
	Email    string

	UsernameError string
	PasswordError string
	VerifyError   string
	EmailError    string
}

// validate stops at the first failing field, like the form it serves.
func (f *signupForm) validate() bool {
	switch {
	case !usernameRe.MatchString(f.Username):
		f.UsernameError = "invalid username. try just letters and numbers"
	case !passwordRe.MatchString(f.Password):
		f.PasswordError = "invalid password."
	case f.Password != f.Verify:
		f.VerifyError = "password must match"
	case f.Email != "" && !emailRe.MatchString(f.Email):
		f.EmailError = "Invalid Email Address"
	default:
		return true
	}
	return false
}

// extractTags splits a comma separated list, dropping whitespace, empty
// entries and repeats. Order of first appearance is kept.
func extractTags(raw string) []string {
	raw = spaceRe.ReplaceAllString(raw, "")
	tags := []string{}
	seen := map[string]bool{}
	for _, tag := range strings.Split(raw, ",") {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// formatBody turns the submitted post body into stored HTML.
func formatBody(raw, format string) (string, error) {
	switch format {
	case config.BodyFormatMarkdown:
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(raw), &buf); err != nil {
			return "", fmt.Errorf("rendering markdown: %w", err)
		}
		return buf.String(), nil
	default:
		return newlineRe.ReplaceAllString(html.EscapeString(raw), "<p>"), nil
	}
}

package models

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a looked-up user, session, post or comment
	// does not exist. It is an expected outcome, not a storage failure.
	ErrNotFound           = errors.New("not found")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Email        string
	CreatedAt    time.Time
}

type Session struct {
	Token      string
	Username   string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Post is a blog entry. Comments are embedded and ordered by insertion.
type Post struct {
	ID        string
	Permalink string
	Title     string
	Body      string // HTML
	Author    string
	Tags      []string
	Date      time.Time
	Comments  []Comment
}

// Comment is addressed either by its position in Post.Comments or by ID.
// Comments written before ids were introduced have an empty ID.
type Comment struct {
	ID       string
	Author   string
	Body     string
	Email    string
	NumLikes int
}

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"blog/internal/db"
)

const (
	// TagLimit caps FindByTagDateDescending.
	TagLimit = 10

	// maxPermalinkAttempts bounds the numbered suffixes tried before a
	// random suffix is used.
	maxPermalinkAttempts = 20
)

var (
	whitespaceRe = regexp.MustCompile(`[\t\n\v\f\r ]`)
	nonWordRe    = regexp.MustCompile(`[^A-Za-z0-9_]`)
)

// MakePermalink derives a slug from title: whitespace becomes "_", anything
// else outside [A-Za-z0-9_] is dropped, and the result is lowercased.
func MakePermalink(title string) string {
	p := whitespaceRe.ReplaceAllString(title, "_")
	p = nonWordRe.ReplaceAllString(p, "")
	return strings.ToLower(p)
}

// commentDoc is the stored shape of a comment inside posts.comments.
type commentDoc struct {
	ID       string `json:"id,omitempty"`
	Author   string `json:"author"`
	Body     string `json:"body"`
	Email    string `json:"email,omitempty"`
	NumLikes *int   `json:"num_likes,omitempty"`
}

// PostStore is the post and comment repository.
type PostStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewPostStore(db *sql.DB, logger *slog.Logger) *PostStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostStore{
		db:     db,
		logger: logger.With("component", "posts"),
		now:    time.Now,
	}
}

// AddPost stores a new post with no comments and returns its permalink.
// When the derived permalink is taken a numeric suffix is appended.
func (s *PostStore) AddPost(ctx context.Context, title, body string, tags []string, author string) (string, error) {
	base := MakePermalink(title)
	if base == "" {
		base = "post"
	}
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	date := s.now().UnixNano()

	for attempt := 1; ; attempt++ {
		permalink := base
		switch {
		case attempt > maxPermalinkAttempts:
			permalink = base + "_" + uuid.NewString()[:8]
		case attempt > 1:
			permalink = fmt.Sprintf("%s_%d", base, attempt)
		}

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO posts (id, permalink, title, author, body, tags, comments, date)
			 VALUES (?, ?, ?, ?, ?, ?, '[]', ?)`,
			uuid.NewString(), permalink, title, author, body, string(tagsJSON), date)
		if err == nil {
			return permalink, nil
		}
		if !db.IsUniqueViolation(err, "posts.permalink") || attempt > maxPermalinkAttempts {
			return "", fmt.Errorf("inserting post: %w", err)
		}
		s.logger.Debug("permalink taken", "permalink", permalink)
	}
}

// FindPostByPermalink returns the post, with NumLikes read as zero for
// comments stored without a like count.
func (s *PostStore) FindPostByPermalink(ctx context.Context, permalink string) (*Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, permalink, title, author, body, tags, comments, date FROM posts WHERE permalink = ?`,
		permalink)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying post: %w", err)
	}
	return p, nil
}

// FindByDateDescending returns up to limit posts, newest first.
func (s *PostStore) FindByDateDescending(ctx context.Context, limit int) ([]Post, error) {
	if limit <= 0 {
		return []Post{}, nil
	}
	return s.queryPosts(ctx,
		`SELECT id, permalink, title, author, body, tags, comments, date FROM posts
		 ORDER BY date DESC, rowid DESC LIMIT ?`, limit)
}

// FindByTagDateDescending returns up to TagLimit posts carrying tag, newest first.
// Tag matching is exact and case-sensitive.
func (s *PostStore) FindByTagDateDescending(ctx context.Context, tag string) ([]Post, error) {
	return s.queryPosts(ctx,
		`SELECT id, permalink, title, author, body, tags, comments, date FROM posts
		 WHERE EXISTS (SELECT 1 FROM json_each(posts.tags) WHERE json_each.value = ?)
		 ORDER BY date DESC, rowid DESC LIMIT ?`, tag, TagLimit)
}

// AddPostComment appends a comment to the post. An empty email is not
// stored. A permalink matching no post is a no-op.
func (s *PostStore) AddPostComment(ctx context.Context, author, email, body, permalink string) error {
	doc, err := json.Marshal(commentDoc{
		ID:     uuid.NewString(),
		Author: author,
		Body:   body,
		Email:  email,
	})
	if err != nil {
		return fmt.Errorf("encoding comment: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE posts SET comments = json_insert(comments, '$[#]', json(?)) WHERE permalink = ?`,
		string(doc), permalink)
	if err != nil {
		return fmt.Errorf("appending comment: %w", err)
	}
	return nil
}

// LikePost increments the like count of the comment at position ordinal.
// A missing post or an ordinal outside the comment list leaves the document
// untouched and is not an error.
func (s *PostStore) LikePost(ctx context.Context, permalink string, ordinal int) error {
	if ordinal < 0 {
		return nil
	}
	path := fmt.Sprintf("$[%d].num_likes", ordinal)
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts
		 SET comments = json_set(comments, ?, COALESCE(json_extract(comments, ?), 0) + 1)
		 WHERE permalink = ? AND ? < json_array_length(comments)`,
		path, path, permalink, ordinal)
	if err != nil {
		return fmt.Errorf("liking comment: %w", err)
	}
	return nil
}

// LikeComment increments the like count of the comment with the given id.
// It returns ErrNotFound when the post has no such comment.
func (s *PostStore) LikeComment(ctx context.Context, permalink, commentID string) error {
	if commentID == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts
		 SET comments = json_set(comments,
		     (SELECT '$[' || j.key || '].num_likes' FROM json_each(posts.comments) AS j
		      WHERE json_extract(j.value, '$.id') = ? LIMIT 1),
		     COALESCE((SELECT json_extract(j.value, '$.num_likes') FROM json_each(posts.comments) AS j
		      WHERE json_extract(j.value, '$.id') = ? LIMIT 1), 0) + 1)
		 WHERE permalink = ?
		   AND EXISTS (SELECT 1 FROM json_each(posts.comments) AS j WHERE json_extract(j.value, '$.id') = ?)`,
		commentID, commentID, permalink, commentID)
	if err != nil {
		return fmt.Errorf("liking comment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("liking comment: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostStore) queryPosts(ctx context.Context, query string, args ...any) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying posts: %w", err)
	}
	defer rows.Close()
	posts := []Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning post: %w", err)
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func scanPost(row scanner) (*Post, error) {
	var p Post
	var tagsJSON, commentsJSON string
	var date int64
	if err := row.Scan(&p.ID, &p.Permalink, &p.Title, &p.Author, &p.Body, &tagsJSON, &commentsJSON, &date); err != nil {
		return nil, err
	}
	p.Date = time.Unix(0, date)
	if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags of %q: %w", p.Permalink, err)
	}
	var docs []commentDoc
	if err := json.Unmarshal([]byte(commentsJSON), &docs); err != nil {
		return nil, fmt.Errorf("decoding comments of %q: %w", p.Permalink, err)
	}
	p.Comments = make([]Comment, 0, len(docs))
	for _, d := range docs {
		c := Comment{ID: d.ID, Author: d.Author, Body: d.Body, Email: d.Email}
		if d.NumLikes != nil {
			c.NumLikes = *d.NumLikes
		}
		p.Comments = append(p.Comments, c)
	}
	return &p, nil
}

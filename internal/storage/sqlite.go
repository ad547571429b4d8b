package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postpilot/internal/post"
	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; posts are updated one statement at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postColumns = `id, title, content, client_ref, client_display_name, scheduled_at,
	target_platforms, attachment_url, attachment_content_type, status, posted, external_post_ids`

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time) ([]post.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE scheduled_at IS NOT NULL AND scheduled_at <= ? AND posted = 0
		 ORDER BY scheduled_at ASC, id ASC`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []post.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if errors.Is(err, ErrCorruptRow) {
			s.log.Warn("skipping unreadable due post", logx.String("post", p.ID), logx.Err(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (post.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *sqliteStore) UpdatePublishState(ctx context.Context, id string, st post.PublishState) error {
	ids, err := encodeExternalIDs(st.ExternalPostIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, posted = ?, external_post_ids = ?, updated_at = ? WHERE id = ?`,
		string(st.Status), boolInt(st.Posted), ids, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) SavePost(ctx context.Context, p post.Post) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("post id is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("post content is required")
	}
	if p.Status == "" {
		p.Status = post.StatusDraft
		if p.ScheduledAt != nil {
			p.Status = post.StatusScheduled
		}
	}
	platforms, err := json.Marshal(p.TargetPlatforms)
	if err != nil {
		return err
	}
	ids, err := encodeExternalIDs(p.ExternalPostIDs)
	if err != nil {
		return err
	}
	var scheduled any
	if p.ScheduledAt != nil {
		scheduled = p.ScheduledAt.UnixMilli()
	}
	var attURL, attCT any
	if p.Attachment != nil {
		attURL = nullStr(p.Attachment.URL)
		attCT = nullStr(p.Attachment.ContentType)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(`+postColumns+`, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, content=excluded.content, client_ref=excluded.client_ref,
			client_display_name=excluded.client_display_name, scheduled_at=excluded.scheduled_at,
			target_platforms=excluded.target_platforms, attachment_url=excluded.attachment_url,
			attachment_content_type=excluded.attachment_content_type, status=excluded.status,
			posted=excluded.posted, external_post_ids=excluded.external_post_ids,
			updated_at=excluded.updated_at`,
		p.ID, nullStr(p.Title), p.Content, p.ClientRef, p.ClientDisplayName, scheduled,
		string(platforms), attURL, attCT, string(p.Status), boolInt(p.Posted), ids,
		time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) FindCredential(ctx context.Context, platform post.Platform, displayName string) (post.Credential, error) {
	var (
		c       post.Credential
		pl      string
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT platform, display_name, account_id, access_token, access_secret, expires_at
		 FROM credentials WHERE platform = ? AND display_name = ?
		 ORDER BY rowid ASC LIMIT 1`,
		string(platform), displayName,
	).Scan(&pl, &c.DisplayName, &c.AccountID, &c.AccessToken, &c.AccessSecret, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Credential{}, fmt.Errorf("%s credential %q: %w", platform, displayName, ErrNotFound)
	}
	if err != nil {
		return post.Credential{}, err
	}
	c.Platform = post.Platform(pl)
	if expires.Valid {
		t := time.UnixMilli(expires.Int64)
		c.ExpiresAt = &t
	}
	return c, nil
}

func (s *sqliteStore) PutCredential(ctx context.Context, c post.Credential) error {
	if c.Platform == "" || strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("credential platform and display name are required")
	}
	var expires any
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(platform, display_name, account_id, access_token, access_secret, expires_at)
		 VALUES(?,?,?,?,?,?)`,
		string(c.Platform), c.DisplayName, c.AccountID, c.AccessToken, c.AccessSecret, expires,
	)
	return err
}

func (s *sqliteStore) AppendAttempt(ctx context.Context, a Attempt) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_attempts(at, cycle_id, post_id, platform, ok, external_id, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.At.UnixMilli(), a.CycleID, a.PostID, string(a.Platform), boolInt(a.OK),
		nullStr(a.ExternalID), nullStr(a.Error), a.TookMS,
	)
	return err
}

func (s *sqliteStore) ListAttempts(ctx context.Context, postID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, cycle_id, post_id, platform, ok, external_id, err, took_ms
		 FROM publish_attempts WHERE post_id = ? ORDER BY id ASC`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a        Attempt
			at       int64
			pl       string
			ok       int
			ext, msg sql.NullString
		)
		if err := rows.Scan(&at, &a.CycleID, &a.PostID, &pl, &ok, &ext, &msg, &a.TookMS); err != nil {
			return nil, err
		}
		a.At = time.UnixMilli(at)
		a.Platform = post.Platform(pl)
		a.OK = ok != 0
		a.ExternalID = ext.String
		a.Error = msg.String
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPost wraps decode failures in ErrCorruptRow and keeps the id in the
// returned post.
func scanPost(r rowScanner) (post.Post, error) {
	var (
		p              post.Post
		title          sql.NullString
		scheduled      sql.NullInt64
		platforms, ids string
		attURL, attCT  sql.NullString
		status         string
		posted         int
	)
	if err := r.Scan(&p.ID, &title, &p.Content, &p.ClientRef, &p.ClientDisplayName, &scheduled,
		&platforms, &attURL, &attCT, &status, &posted, &ids); err != nil {
		return post.Post{}, err
	}
	p.Title = title.String
	if scheduled.Valid {
		t := time.UnixMilli(scheduled.Int64)
		p.ScheduledAt = &t
	}
	if err := json.Unmarshal([]byte(platforms), &p.TargetPlatforms); err != nil {
		return post.Post{ID: p.ID}, fmt.Errorf("post %s: target_platforms: %w: %w", p.ID, ErrCorruptRow, err)
	}
	if attURL.Valid && attURL.String != "" {
		p.Attachment = &post.Attachment{URL: attURL.String, ContentType: attCT.String}
	}
	p.Status = post.Status(status)
	p.Posted = posted != 0
	m, err := decodeExternalIDs(ids)
	if err != nil {
		return post.Post{ID: p.ID}, fmt.Errorf("post %s: external_post_ids: %w: %w", p.ID, ErrCorruptRow, err)
	}
	p.ExternalPostIDs = m
	return p, nil
}

func encodeExternalIDs(m map[post.Platform]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeExternalIDs(raw string) (map[post.Platform]string, error) {
	m := map[post.Platform]string{}
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"relaychat/internal/pkg/logx"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresStore is the durable Store implementation backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes the connection pool, runs pending migrations, and
// returns a ready store.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(stdlib.OpenDB(*pool.Config().ConnConfig)); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// runMigrations applies all pending migrations from the embedded file system.
func runMigrations(db *sql.DB) error {
	defer db.Close()

	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logx.Info("Database migrations applied successfully.")
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation (code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) CreateRoom(ctx context.Context, name, password string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rooms (name, password) VALUES ($1, $2)`, name, password)
	if isUniqueViolation(err) {
		return ErrRoomExists
	}
	return err
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM rooms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) RoomExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rooms WHERE name = $1)`, name).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) RoomPassword(ctx context.Context, name string) (string, error) {
	var password string
	err := s.pool.QueryRow(ctx,
		`SELECT password FROM rooms WHERE name = $1`, name).Scan(&password)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrRoomNotFound
	}
	return password, err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (room, author, kind, body, url, filename, color, reply_to_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		m.Room, m.Author, string(m.Kind), m.Body, m.URL, m.Filename, m.Color, m.ReplyToID,
	).Scan(&id)
	return id, err
}

const messageColumns = `id, room, author, kind, body, url, filename, color, reply_to_id, reactions, created_at`

func (s *PostgresStore) RecentMessages(ctx context.Context, room string, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE room = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) latest ORDER BY created_at ASC, id ASC`,
		room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

func (s *PostgresStore) FileURLs(ctx context.Context, room string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM messages WHERE room = $1 AND kind = $2 AND url <> '' ORDER BY url`,
		room, string(KindFile))
	if err != nil {
		return nil, fmt.Errorf("query file urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan file url: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

func (s *PostgresStore) AddReaction(ctx context.Context, id int64, emoji, user string) (ReactionMap, error) {
	return s.mutateReactions(ctx, id, func(m ReactionMap) {
		m.Add(emoji, user)
	})
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, id int64, emoji, user string) (ReactionMap, error) {
	return s.mutateReactions(ctx, id, func(m ReactionMap) {
		m.Remove(emoji, user)
	})
}

// mutateReactions applies mutate to the message's reaction map inside a
// transaction. The row is locked for the read-modify-write so concurrent
// reactions to the same message serialize instead of losing updates.
func (s *PostgresStore) mutateReactions(ctx context.Context, id int64, mutate func(ReactionMap)) (ReactionMap, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT reactions FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	reactions := NewReactionMap()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reactions); err != nil {
			return nil, fmt.Errorf("corrupt reactions for message %d: %w", id, err)
		}
	}

	mutate(reactions)

	updated, err := json.Marshal(reactions)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE messages SET reactions = $1 WHERE id = $2`, updated, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return reactions, nil
}

func (s *PostgresStore) SetPinned(ctx context.Context, room string, id *int64) error {
	if id != nil {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, *id).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrMessageNotFound
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE rooms SET pinned_message_id = $1 WHERE name = $2`, id, room)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *PostgresStore) GetPinned(ctx context.Context, room string) (*int64, error) {
	var pinned *int64
	err := s.pool.QueryRow(ctx,
		`SELECT pinned_message_id FROM rooms WHERE name = $1`, room).Scan(&pinned)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	return pinned, err
}

// scanMessage reads one message row; works for both pgx.Row and pgx.Rows.
func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m    Message
		kind string
		raw  []byte
	)

	err := row.Scan(&m.ID, &m.Room, &m.Author, &kind, &m.Body, &m.URL,
		&m.Filename, &m.Color, &m.ReplyToID, &raw, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Kind = Kind(kind)
	m.Reactions = NewReactionMap()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m.Reactions); err != nil {
			return nil, fmt.Errorf("corrupt reactions for message %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

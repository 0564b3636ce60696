package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return &DB{Client: db}, db.PingContext(pingCtx)
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Healthy verifies database connectivity.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// The unique (student_id, course_id, day) index is what makes concurrent
// check-ins for the same student, course and day produce a single row.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	identifier    TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL UNIQUE,
	password_hash BYTEA NOT NULL,
	role          TEXT NOT NULL,
	full_name     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS courses (
	id             BIGSERIAL PRIMARY KEY,
	code           TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL DEFAULT '',
	is_online      BOOLEAN NOT NULL DEFAULT FALSE,
	secure_qr_mode BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS enrollments (
	student_id BIGINT NOT NULL REFERENCES users(id),
	course_id  BIGINT NOT NULL REFERENCES courses(id),
	UNIQUE (student_id, course_id)
);

CREATE TABLE IF NOT EXISTS attendance_logs (
	id             BIGSERIAL PRIMARY KEY,
	student_id     BIGINT NOT NULL REFERENCES users(id),
	course_id      BIGINT NOT NULL REFERENCES courses(id),
	submitted_code TEXT NOT NULL DEFAULT '',
	occurred_at    TIMESTAMPTZ NOT NULL,
	day            DATE NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PRESENT',
	remarks        TEXT NOT NULL DEFAULT '',
	UNIQUE (student_id, course_id, day)
);

CREATE INDEX IF NOT EXISTS idx_attendance_course_time ON attendance_logs (course_id, occurred_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id         BIGSERIAL PRIMARY KEY,
	event_uid  UUID NOT NULL UNIQUE,
	actor_id   BIGINT NOT NULL,
	actor_name TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "migrate")
}

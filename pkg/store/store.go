// Package store implements the typed repositories backing the pipeline:
// feeds, episodes, topics, digests, runs, logs, and settings. All access to
// the relational store goes through these types; callers never see SQL.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Stores bundles every repository onto one shared connection pool.
type Stores struct {
	Feeds    *FeedStore
	Episodes *EpisodeStore
	Topics   *TopicStore
	Digests  *DigestStore
	Runs     *RunStore
	Logs     *LogStore
	Settings *SettingStore
}

// New creates the full repository set. The db parameter should be the
// *sql.DB from database.Client.DB().
func New(db *sql.DB) *Stores {
	return &Stores{
		Feeds:    NewFeedStore(db),
		Episodes: NewEpisodeStore(db),
		Topics:   NewTopicStore(db),
		Digests:  NewDigestStore(db),
		Runs:     NewRunStore(db),
		Logs:     NewLogStore(db),
		Settings: NewSettingStore(db),
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func ptrFromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func ptrFromNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func ptrFromNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	return &nf.Float64
}

func ptrFromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return &nt.Time
}

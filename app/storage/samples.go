package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/umputun/nbmail/app/storage/engine"
	"github.com/umputun/nbmail/lib/nbayes"
)

// Samples is a storage for labeled messages used to train the classifier.
// It keeps both spam and ham, imported (preset) and reported by users.
type Samples struct {
	*engine.SQL
	engine.RWLocker
}

// SampleOrigin represents the origin of the sample
type SampleOrigin string

// enum for sample origins
const (
	SampleOriginPreset SampleOrigin = "preset"
	SampleOriginUser   SampleOrigin = "user"
	SampleOriginAny    SampleOrigin = "any"
)

// Sample is a single labeled message
type Sample struct {
	ID      int64        `db:"id"`
	Label   nbayes.Label `db:"type"`
	Origin  SampleOrigin `db:"origin"`
	Message string       `db:"message"`
}

// SamplesStats returns statistics about samples
type SamplesStats struct {
	TotalSpam  int `db:"spam_count"`
	TotalHam   int `db:"ham_count"`
	PresetSpam int `db:"preset_spam_count"`
	PresetHam  int `db:"preset_ham_count"`
	UserSpam   int `db:"user_spam_count"`
	UserHam    int `db:"user_ham_count"`
}

// samples-related command constants
const (
	CmdCreateSamplesTable engine.DBCmd = iota + 100
	CmdCreateSamplesIndexes
	CmdAddSample
)

var samplesQueries = engine.NewQueryMap().
	Add(CmdCreateSamplesTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			type TEXT CHECK (type IN ('ham', 'spam')),
			origin TEXT CHECK (origin IN ('preset', 'user')),
			message TEXT NOT NULL,
			UNIQUE(gid, message)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS samples (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			type TEXT CHECK (type IN ('ham', 'spam')),
			origin TEXT CHECK (origin IN ('preset', 'user')),
			message TEXT NOT NULL,
			message_hash TEXT GENERATED ALWAYS AS (encode(sha256(message::bytea), 'hex')) STORED,
			UNIQUE(gid, message_hash)
		)`,
	}).
	AddSame(CmdCreateSamplesIndexes, `CREATE INDEX IF NOT EXISTS idx_samples_lookup ON samples(gid, type, origin)`).
	Add(CmdAddSample, engine.Query{
		Sqlite: `INSERT OR REPLACE INTO samples (gid, type, origin, message) VALUES (?, ?, ?, ?)`,
		Postgres: `INSERT INTO samples (gid, type, origin, message) VALUES ($1, $2, $3, $4)
			ON CONFLICT (gid, message_hash) DO UPDATE SET type = EXCLUDED.type, origin = EXCLUDED.origin`,
	})

// NewSamples creates a new Samples storage
func NewSamples(ctx context.Context, db *engine.SQL) (*Samples, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Samples{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "samples",
		CreateTable:   CmdCreateSamplesTable,
		CreateIndexes: CmdCreateSamplesIndexes,
		MigrateFunc:   res.migrate,
		QueriesMap:    samplesQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init samples storage: %w", err)
	}
	return res, nil
}

// Add adds a sample to the storage. The same message added again replaces the label and origin.
func (s *Samples) Add(ctx context.Context, l nbayes.Label, o SampleOrigin, message string) error {
	log.Printf("[DEBUG] adding sample: %s, %s, %q", l, o, trimForLog(message))
	if err := l.Validate(); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if o == SampleOriginAny {
		return fmt.Errorf("can't add sample with origin 'any'")
	}
	if message == "" {
		return fmt.Errorf("message can't be empty")
	}

	s.Lock()
	defer s.Unlock()

	query, err := samplesQueries.Pick(s.Type(), CmdAddSample)
	if err != nil {
		return fmt.Errorf("failed to get query: %w", err)
	}
	if _, err := s.ExecContext(ctx, query, s.GID(), l, o, message); err != nil {
		return fmt.Errorf("failed to add sample: %w", err)
	}
	return nil
}

// Delete removes a sample from the storage by its ID
func (s *Samples) Delete(ctx context.Context, id int64) error {
	log.Printf("[DEBUG] deleting sample: %d", id)
	s.Lock()
	defer s.Unlock()

	result, err := s.ExecContext(ctx, s.Adopt(`DELETE FROM samples WHERE gid = ? AND id = ?`), s.GID(), id)
	if err != nil {
		return fmt.Errorf("failed to remove sample: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sample %d: %w", id, ErrNotFound)
	}
	return nil
}

// Read returns samples by label and origin, oldest first. Empty label means both classes.
func (s *Samples) Read(ctx context.Context, l nbayes.Label, o SampleOrigin) ([]Sample, error) {
	if l != "" {
		if err := l.Validate(); err != nil {
			return nil, err
		}
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT id, type, origin, message FROM samples WHERE gid = ?`
	args := []any{s.GID()}
	if l != "" {
		query += ` AND type = ?`
		args = append(args, l)
	}
	if o != SampleOriginAny {
		query += ` AND origin = ?`
		args = append(args, o)
	}
	query += ` ORDER BY id`

	s.RLock()
	defer s.RUnlock()
	var res []Sample
	if err := s.SelectContext(ctx, &res, s.Adopt(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get samples: %w", err)
	}
	log.Printf("[DEBUG] read %d samples: gid=%s, type=%q, origin=%s", len(res), s.GID(), l, o)
	return res, nil
}

// Import reads samples, one message per line, and imports them into the storage.
// If withCleanup is true removes all samples with the same label and origin before import.
func (s *Samples) Import(ctx context.Context, l nbayes.Label, o SampleOrigin, r io.Reader, withCleanup bool) (*SamplesStats, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o == SampleOriginAny {
		return nil, fmt.Errorf("can't import samples with origin 'any'")
	}
	if r == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	gid := s.GID()

	s.Lock()
	defer s.Unlock()

	tx, err := s.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if withCleanup {
		query := s.Adopt(`DELETE FROM samples WHERE gid = ? AND type = ? AND origin = ?`)
		result, errDel := tx.ExecContext(ctx, query, gid, l, o)
		if errDel != nil {
			return nil, fmt.Errorf("failed to remove old samples: %w", errDel)
		}
		affected, errCount := result.RowsAffected()
		if errCount != nil {
			return nil, fmt.Errorf("failed to get affected rows: %w", errCount)
		}
		log.Printf("[DEBUG] removed %d old samples: gid=%s, type=%s, origin=%s", affected, gid, l, o)
	}

	query, err := samplesQueries.Pick(s.Type(), CmdAddSample)
	if err != nil {
		return nil, fmt.Errorf("failed to get import query: %w", err)
	}
	scanner := bufio.NewScanner(r)
	const maxScanTokenSize = 64 * 1024 // 64KB max line length
	scanner.Buffer(make([]byte, maxScanTokenSize), maxScanTokenSize)

	added := 0
	for scanner.Scan() {
		message := scanner.Text()
		if message == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, query, gid, l, o, message); err != nil {
			return nil, fmt.Errorf("failed to add sample: %w", err)
		}
		added++
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}

	stats, err := s.stats(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.Printf("[DEBUG] imported %d samples: gid=%s, type=%s, origin=%s", added, gid, l, o)
	return stats, nil
}

// Stats returns statistics about samples
func (s *Samples) Stats(ctx context.Context) (*SamplesStats, error) {
	s.RLock()
	defer s.RUnlock()
	return s.stats(ctx, s.SQL)
}

// stats returns statistics about samples without locking
func (s *Samples) stats(ctx context.Context, q sqlx.QueryerContext) (*SamplesStats, error) {
	query := s.Adopt(`
		SELECT
			COUNT(CASE WHEN type = 'spam' THEN 1 END) as spam_count,
			COUNT(CASE WHEN type = 'ham' THEN 1 END) as ham_count,
			COUNT(CASE WHEN type = 'spam' AND origin = 'preset' THEN 1 END) as preset_spam_count,
			COUNT(CASE WHEN type = 'ham' AND origin = 'preset' THEN 1 END) as preset_ham_count,
			COUNT(CASE WHEN type = 'spam' AND origin = 'user' THEN 1 END) as user_spam_count,
			COUNT(CASE WHEN type = 'ham' AND origin = 'user' THEN 1 END) as user_ham_count
		FROM samples
		WHERE gid = ?`)

	var stats SamplesStats
	if err := sqlx.GetContext(ctx, q, &stats, query, s.GID()); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &stats, nil
}

func (s *Samples) migrate(_ context.Context, _ *sqlx.Tx, _ string) error {
	// no migration needed for now
	return nil
}

// String provides a string representation of the statistics
func (st *SamplesStats) String() string {
	return fmt.Sprintf("spam: %d, ham: %d, preset spam: %d, preset ham: %d, user spam: %d, user ham: %d",
		st.TotalSpam, st.TotalHam, st.PresetSpam, st.PresetHam, st.UserSpam, st.UserHam)
}

// String implements Stringer interface
func (o SampleOrigin) String() string { return string(o) }

// Validate checks if the sample origin is valid
func (o SampleOrigin) Validate() error {
	switch o {
	case SampleOriginPreset, SampleOriginUser, SampleOriginAny:
		return nil
	}
	return fmt.Errorf("invalid sample origin: %s", o)
}

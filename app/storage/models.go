package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/umputun/nbmail/app/storage/engine"
	"github.com/umputun/nbmail/lib/nbayes"
)

// Models is a storage for trained classifiers, keyed by name within a group
type Models struct {
	*engine.SQL
	engine.RWLocker
}

// ModelInfo describes a stored model without its data
type ModelInfo struct {
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Version   int       `db:"version" json:"version"`
	SpamDocs  int       `db:"spam_docs" json:"spam_docs"`
	HamDocs   int       `db:"ham_docs" json:"ham_docs"`
	VocabSize int       `db:"vocab_size" json:"vocab_size"`
}

// models-related command constants
const (
	CmdCreateModelsTable engine.DBCmd = iota + 200
	CmdCreateModelsIndexes
	CmdSaveModel
)

var modelsQueries = engine.NewQueryMap().
	Add(CmdCreateModelsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS models (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			version INTEGER NOT NULL,
			spam_docs INTEGER NOT NULL DEFAULT 0,
			ham_docs INTEGER NOT NULL DEFAULT 0,
			vocab_size INTEGER NOT NULL DEFAULT 0,
			data BLOB NOT NULL,
			UNIQUE(gid, name)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS models (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			version INTEGER NOT NULL,
			spam_docs INTEGER NOT NULL DEFAULT 0,
			ham_docs INTEGER NOT NULL DEFAULT 0,
			vocab_size INTEGER NOT NULL DEFAULT 0,
			data BYTEA NOT NULL,
			UNIQUE(gid, name)
		)`,
	}).
	AddSame(CmdCreateModelsIndexes, `CREATE INDEX IF NOT EXISTS idx_models_created ON models(gid, created_at)`).
	Add(CmdSaveModel, engine.Query{
		Sqlite: `INSERT OR REPLACE INTO models (gid, name, created_at, version, spam_docs, ham_docs, vocab_size, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		Postgres: `INSERT INTO models (gid, name, created_at, version, spam_docs, ham_docs, vocab_size, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (gid, name) DO UPDATE SET created_at = EXCLUDED.created_at, version = EXCLUDED.version,
			spam_docs = EXCLUDED.spam_docs, ham_docs = EXCLUDED.ham_docs, vocab_size = EXCLUDED.vocab_size, data = EXCLUDED.data`,
	})

// NewModels creates a new Models storage
func NewModels(ctx context.Context, db *engine.SQL) (*Models, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Models{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "models",
		CreateTable:   CmdCreateModelsTable,
		CreateIndexes: CmdCreateModelsIndexes,
		QueriesMap:    modelsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init models storage: %w", err)
	}
	return res, nil
}

// Save stores the classifier under the name, replacing a model with the same name
func (m *Models) Save(ctx context.Context, name string, c *nbayes.Classifier) error {
	if name == "" {
		return fmt.Errorf("model name can't be empty")
	}
	data, err := c.Serialize()
	if err != nil {
		return fmt.Errorf("can't serialize model %s: %w", name, err)
	}
	info := c.Info()

	m.Lock()
	defer m.Unlock()
	query, err := modelsQueries.Pick(m.Type(), CmdSaveModel)
	if err != nil {
		return fmt.Errorf("failed to get query: %w", err)
	}
	_, err = m.ExecContext(ctx, query, m.GID(), name, time.Now().UTC(), nbayes.FormatVersion,
		info.SpamDocs, info.HamDocs, info.VocabSize, data)
	if err != nil {
		return fmt.Errorf("failed to save model %s: %w", name, err)
	}
	log.Printf("[INFO] model %s saved, gid=%s, spam docs: %d, ham docs: %d, vocabulary: %d",
		name, m.GID(), info.SpamDocs, info.HamDocs, info.VocabSize)
	return nil
}

// Load restores the classifier stored under the name
func (m *Models) Load(ctx context.Context, name string) (*nbayes.Classifier, error) {
	m.RLock()
	defer m.RUnlock()

	var data []byte
	query := m.Adopt(`SELECT data FROM models WHERE gid = ? AND name = ?`)
	if err := m.GetContext(ctx, &data, query, m.GID(), name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("model %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load model %s: %w", name, err)
	}
	c, err := nbayes.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("can't restore model %s: %w", name, err)
	}
	return c, nil
}

// Latest restores the most recently saved classifier and returns its name
func (m *Models) Latest(ctx context.Context) (*nbayes.Classifier, string, error) {
	m.RLock()
	var name string
	query := m.Adopt(`SELECT name FROM models WHERE gid = ? ORDER BY created_at DESC, id DESC LIMIT 1`)
	err := m.GetContext(ctx, &name, query, m.GID())
	m.RUnlock()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", fmt.Errorf("no models stored: %w", ErrNotFound)
		}
		return nil, "", fmt.Errorf("failed to get latest model: %w", err)
	}

	c, err := m.Load(ctx, name)
	if err != nil {
		return nil, "", err
	}
	return c, name, nil
}

// Info returns metadata of the model stored under the name
func (m *Models) Info(ctx context.Context, name string) (ModelInfo, error) {
	m.RLock()
	defer m.RUnlock()

	var res ModelInfo
	query := m.Adopt(`SELECT name, created_at, version, spam_docs, ham_docs, vocab_size FROM models WHERE gid = ? AND name = ?`)
	if err := m.GetContext(ctx, &res, query, m.GID(), name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelInfo{}, fmt.Errorf("model %s: %w", name, ErrNotFound)
		}
		return ModelInfo{}, fmt.Errorf("failed to get model %s info: %w", name, err)
	}
	return res, nil
}

// List returns metadata of all stored models, newest first
func (m *Models) List(ctx context.Context) ([]ModelInfo, error) {
	m.RLock()
	defer m.RUnlock()

	var res []ModelInfo
	query := m.Adopt(`SELECT name, created_at, version, spam_docs, ham_docs, vocab_size FROM models
		WHERE gid = ? ORDER BY created_at DESC, id DESC`)
	if err := m.SelectContext(ctx, &res, query, m.GID()); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return res, nil
}

// Delete removes the model stored under the name
func (m *Models) Delete(ctx context.Context, name string) error {
	m.Lock()
	defer m.Unlock()

	result, err := m.ExecContext(ctx, m.Adopt(`DELETE FROM models WHERE gid = ? AND name = ?`), m.GID(), name)
	if err != nil {
		return fmt.Errorf("failed to delete model %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("model %s: %w", name, ErrNotFound)
	}
	return nil
}

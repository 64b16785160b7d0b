package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Schema creates the single JSONB table the postgres gateway stores every
// collection in.
const Schema = `CREATE TABLE IF NOT EXISTS documents (
	seq        BIGSERIAL,
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        JSONB NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_doc_gin ON documents USING GIN (doc jsonb_path_ops);
CREATE UNIQUE INDEX IF NOT EXISTS documents_rating_ride ON documents ((doc->>'ride_id'), (doc->>'rider_id')) WHERE collection = 'ratings';`

const uniqueViolation = "23505"

// PostgresStore implements Gateway on top of a JSONB document table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Insert(ctx context.Context, collection string, doc any) error {
	d, err := toDocument(doc)
	if err != nil {
		return err
	}
	id, err := d.id()
	if err != nil {
		return err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3)`, collection, id, string(b))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

func (p *PostgresStore) FindOne(ctx context.Context, collection string, filter Filter, dst any) error {
	c, err := containment(filter)
	if err != nil {
		return err
	}
	var raw []byte
	err = p.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND doc @> $2::jsonb ORDER BY seq LIMIT 1`,
		collection, string(c)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find in %s: %w", collection, err)
	}
	return json.Unmarshal(raw, dst)
}

func (p *PostgresStore) Find(ctx context.Context, collection string, filter Filter, opts FindOptions, dst any) error {
	c, err := containment(filter)
	if err != nil {
		return err
	}
	query := `SELECT doc FROM documents WHERE collection = $1 AND doc @> $2::jsonb ORDER BY seq`
	args := []any{collection, string(c)}
	if opts.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, opts.Limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("find in %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan %s: %w", collection, err)
		}
		docs = append(docs, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", collection, err)
	}
	return decode(docs, dst)
}

// UpdateOne locks the first matching row, applies u in Go and writes the
// document back in the same transaction. A concurrent writer that changed
// the row re-evaluates the filter after the lock is released, so status
// compare-and-set filters hold.
func (p *PostgresStore) UpdateOne(ctx context.Context, collection string, filter Filter, u Update) (int64, error) {
	c, err := containment(filter)
	if err != nil {
		return 0, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id  string
		raw []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, doc FROM documents WHERE collection = $1 AND doc @> $2::jsonb ORDER BY seq LIMIT 1 FOR UPDATE`,
		collection, string(c)).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select for update in %s: %w", collection, err)
	}

	var d document
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	if err := d.apply(u); err != nil {
		return 0, err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET doc = $1 WHERE collection = $2 AND id = $3`, string(b), collection, id); err != nil {
		return 0, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit update: %w", err)
	}
	return 1, nil
}

func (p *PostgresStore) DeleteOne(ctx context.Context, collection string, filter Filter) (int64, error) {
	c, err := containment(filter)
	if err != nil {
		return 0, err
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = (SELECT id FROM documents WHERE collection = $1 AND doc @> $2::jsonb ORDER BY seq LIMIT 1)`,
		collection, string(c))
	if err != nil {
		return 0, fmt.Errorf("delete in %s: %w", collection, err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) Count(ctx context.Context, collection string, filter Filter) (int64, error) {
	c, err := containment(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	err = p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents WHERE collection = $1 AND doc @> $2::jsonb`,
		collection, string(c)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in %s: %w", collection, err)
	}
	return n, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close(context.Context) error { return p.db.Close() }

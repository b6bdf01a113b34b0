// Package migrate applies the schema migrations and seed data the API
// expects. Files are plain SQL, ordered by name; bookkeeping lives in a
// single table so status output covers both kinds.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const bookkeepingTable = "schema_history"

const (
	kindMigration = "migration"
	kindSeed      = "seed"
)

// Runner executes SQL migration and seed files from an fs.FS, which may be
// an embedded tree or a directory on disk.
type Runner struct {
	db    *sql.DB
	files fs.FS
}

// Record is one applied migration or seed.
type Record struct {
	Name      string
	Kind      string
	AppliedAt time.Time
}

func New(db *sql.DB, files fs.FS) *Runner {
	return &Runner{db: db, files: files}
}

// Apply runs every pending *.up.sql under sql/ in lexical order. Each file
// runs inside its own transaction.
func (r *Runner) Apply(ctx context.Context) (int, error) {
	return r.run(ctx, "sql", ".up.sql", kindMigration)
}

// Seed runs every pending *.sql under seeds/ in lexical order. Seeds that
// already ran are skipped, so Seed is safe to call on every deploy.
func (r *Runner) Seed(ctx context.Context) (int, error) {
	return r.run(ctx, "seeds", ".sql", kindSeed)
}

// Rollback reverts the most recently applied migration using its .down.sql
// counterpart.
func (r *Runner) Rollback(ctx context.Context) (string, error) {
	if err := r.ensureTable(ctx); err != nil {
		return "", err
	}
	records, err := r.Applied(ctx)
	if err != nil {
		return "", err
	}
	var last string
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind == kindMigration {
			last = records[i].Name
			break
		}
	}
	if last == "" {
		return "", errors.New("no migrations applied")
	}
	downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	body, err := fs.ReadFile(r.files, "sql/"+downName)
	if err != nil {
		return "", fmt.Errorf("missing down migration for %s: %w", last, err)
	}
	if err := r.execFile(ctx, string(body)); err != nil {
		return "", fmt.Errorf("rollback %s: %w", last, err)
	}
	_, err = r.db.ExecContext(ctx,
		`delete from `+bookkeepingTable+` where name=$1 and kind=$2`, last, kindMigration)
	return last, err
}

// Applied returns all executed migrations and seeds in application order.
func (r *Runner) Applied(ctx context.Context) ([]Record, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`select name, kind, applied_at from `+bookkeepingTable+` order by applied_at asc, name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Name, &rec.Kind, &rec.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Runner) run(ctx context.Context, dir, suffix, kind string) (int, error) {
	if err := r.ensureTable(ctx); err != nil {
		return 0, err
	}
	done, err := r.executedSet(ctx, kind)
	if err != nil {
		return 0, err
	}
	names, err := listSQL(r.files, dir, suffix)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, name := range names {
		if done[name] {
			continue
		}
		body, err := fs.ReadFile(r.files, dir+"/"+name)
		if err != nil {
			return applied, err
		}
		if err := r.execFile(ctx, string(body)); err != nil {
			return applied, fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := r.db.ExecContext(ctx,
			`insert into `+bookkeepingTable+`(name, kind, applied_at) values ($1, $2, $3)`,
			name, kind, time.Now().UTC()); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		create table if not exists `+bookkeepingTable+` (
			name text not null,
			kind text not null,
			applied_at timestamptz not null default now(),
			primary key (name, kind)
		)`)
	return err
}

func (r *Runner) executedSet(ctx context.Context, kind string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`select name from `+bookkeepingTable+` where kind=$1`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[name] = true
	}
	return set, rows.Err()
}

func (r *Runner) execFile(ctx context.Context, body string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func listSQL(files fs.FS, dir, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(files, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings.
// Good enough for plain DDL and inserts; no dollar-quoted bodies here.
func splitStatements(body string) []string {
	var stmts []string
	var cur strings.Builder
	inString := false
	for _, r := range body {
		cur.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, cur.String())
				cur.Reset()
			}
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}

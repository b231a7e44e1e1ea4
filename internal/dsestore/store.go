// Package dsestore is a live.Server backed by a local SQLite database that
// mirrors the cn=config layout of 389 Directory Server hosts. Each entity
// is stored as one entry row under its server DN; each instance also has a
// run-state row.
package dsestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/dsconverge/dsconverge/internal/live"
	"github.com/dsconverge/dsconverge/internal/schema"
	"github.com/dsconverge/dsconverge/internal/tree"
)

// Store errors.
var (
	// ErrInstanceRunning is returned when an offline field is modified, or
	// an instance deleted, while the instance is running.
	ErrInstanceRunning = errors.New("dsestore: instance is running")
	// ErrExists is returned when creating an entity that already exists.
	ErrExists = errors.New("dsestore: entity already exists")
	// ErrHasChildren is returned when deleting an entity that still has
	// children.
	ErrHasChildren = errors.New("dsestore: entity has children")
	// ErrKeyField is returned when a modification touches a key field.
	ErrKeyField = errors.New("dsestore: key field cannot be modified")
	// ErrSuffixInUse is returned when a backend is created with the suffix
	// of another backend of the same instance.
	ErrSuffixInUse = errors.New("dsestore: suffix already in use")
	// ErrReplicaConfig is returned when a backend's replica ID does not
	// fit its replica role.
	ErrReplicaConfig = errors.New("dsestore: replica role and replica ID disagree")
)

const startedField = "started"

const (
	sqlSelectEntry = `SELECT dn, attrs FROM entries
		WHERE instance = ? AND kind = ? AND backend = ? AND name = ?`

	sqlInsertEntry = `INSERT INTO entries (instance, dn, kind, backend, name, attrs)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlUpdateAttrs = `UPDATE entries SET attrs = ? WHERE instance = ? AND dn = ?`

	sqlDeleteEntry = `DELETE FROM entries WHERE instance = ? AND dn = ?`

	sqlCountInstanceChildren = `SELECT COUNT(*) FROM entries WHERE instance = ? AND kind <> 'instance'`

	sqlCountBackendChildren = `SELECT COUNT(*) FROM entries
		WHERE instance = ? AND backend = ? AND kind IN ('index', 'agmt')`

	sqlListBackends = `SELECT name, attrs FROM entries
		WHERE instance = ? AND kind = 'backend' ORDER BY name`

	sqlListInstances = `SELECT name FROM instances ORDER BY name`

	sqlListChildren = `SELECT name FROM entries
		WHERE instance = ? AND backend = ? AND kind = ? ORDER BY name`

	sqlInsertInstance = `INSERT INTO instances (name, running) VALUES (?, 0)`

	sqlSelectRunning = `SELECT running FROM instances WHERE name = ?`

	sqlSetRunning = `UPDATE instances SET running = ? WHERE name = ?`

	sqlDeleteInstance = `DELETE FROM instances WHERE name = ?`
)

// Store is a live.Server over a SQLite database. It is safe for concurrent
// use; all access goes through a single connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ live.Server = (*Store)(nil)

// Open opens (creating if needed) the database at dbPath and brings its
// schema up to date. The database uses WAL mode with synchronous=FULL.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dsestore: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// row locates an entity in the entries table. backend holds the owning
// backend of indexes and agreements and is empty for the rest, so a
// parent's children share its backend column.
type row struct {
	instance string
	kind     string
	backend  string
	name     string
}

func rowFor(p tree.Path) row {
	r := row{instance: p.Instance, kind: p.Kind.String()}

	switch p.Kind {
	case schema.KindInstance:
		r.name = p.Instance
	case schema.KindBackend:
		r.name = p.Backend
	default:
		r.backend = p.Backend
		r.name = p.Name
	}

	return r
}

// entry is a stored entity.
type entry struct {
	dn    string
	attrs attrs
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadEntry(ctx context.Context, q querier, p tree.Path) (*entry, error) {
	r := rowFor(p)

	var (
		e   entry
		raw string
	)

	err := q.QueryRowContext(ctx, sqlSelectEntry, r.instance, r.kind, r.backend, r.name).Scan(&e.dn, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dsestore: %s: %w", p, live.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("dsestore: reading %s: %w", p, err)
	}

	if e.attrs, err = unmarshalAttrs(raw); err != nil {
		return nil, err
	}

	return &e, nil
}

func isRunning(ctx context.Context, q querier, instance string) (bool, error) {
	var running bool

	err := q.QueryRowContext(ctx, sqlSelectRunning, instance).Scan(&running)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("dsestore: instance %s: %w", instance, live.ErrNotFound)
	}

	if err != nil {
		return false, fmt.Errorf("dsestore: reading run state of %s: %w", instance, err)
	}

	return running, nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dsestore: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dsestore: committing transaction: %w", err)
	}

	return nil
}

// CreateEntity implements live.Server. A new instance starts stopped.
func (s *Store) CreateEntity(ctx context.Context, p tree.Path, fields map[string]schema.Value) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadEntry(ctx, tx, p); err == nil {
			return fmt.Errorf("dsestore: create %s: %w", p, ErrExists)
		} else if !errors.Is(err, live.ErrNotFound) {
			return err
		}

		var suffix string

		if parent, ok := p.Parent(); ok {
			pe, err := loadEntry(ctx, tx, parent)
			if err != nil {
				return fmt.Errorf("dsestore: create %s: parent: %w", p, err)
			}

			if p.Kind == schema.KindAgreement {
				suffix = strings.Join(pe.attrs["nsslapd-suffix"], ",")
			}
		} else {
			if _, err := tx.ExecContext(ctx, sqlInsertInstance, p.Instance); err != nil {
				return fmt.Errorf("dsestore: create %s: %w", p, err)
			}
		}

		stored := toAttrs(p.Kind, fields)

		if p.Kind == schema.KindBackend {
			if err := checkReplicaAttrs(p, stored); err != nil {
				return err
			}

			if err := checkSuffixFree(ctx, tx, p, stored); err != nil {
				return err
			}
		}

		raw, err := stored.marshal()
		if err != nil {
			return err
		}

		r := rowFor(p)

		if _, err := tx.ExecContext(ctx, sqlInsertEntry, r.instance, DN(p, suffix), r.kind, r.backend, r.name, raw); err != nil {
			return fmt.Errorf("dsestore: create %s: %w", p, err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("entry created", slog.String("path", p.String()))

	return nil
}

// checkSuffixFree fails when another backend of the instance already
// serves the suffix in a.
func checkSuffixFree(ctx context.Context, tx *sql.Tx, p tree.Path, a attrs) error {
	want := schema.NormalizeDN(strings.Join(a["nsslapd-suffix"], ","))
	if want == "" {
		return nil
	}

	rows, err := tx.QueryContext(ctx, sqlListBackends, p.Instance)
	if err != nil {
		return fmt.Errorf("dsestore: create %s: listing backends: %w", p, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return fmt.Errorf("dsestore: create %s: listing backends: %w", p, err)
		}

		other, err := unmarshalAttrs(raw)
		if err != nil {
			return err
		}

		if schema.NormalizeDN(strings.Join(other["nsslapd-suffix"], ",")) == want {
			return fmt.Errorf("dsestore: create %s: suffix %q served by backend %s: %w", p, want, name, ErrSuffixInUse)
		}
	}

	return rows.Err()
}

// checkReplicaAttrs enforces that only a supplier carries a replica ID,
// and that a supplier always does.
func checkReplicaAttrs(p tree.Path, a attrs) error {
	role, err := replicaRole(a)
	if err != nil {
		return err
	}

	_, hasID := a[attrReplicaID]

	if (role == schema.RoleSupplier) != hasID {
		return fmt.Errorf("dsestore: %s: role %q, replica ID set: %t: %w", p, role, hasID, ErrReplicaConfig)
	}

	return nil
}

// ModifyEntity implements live.Server. The run state is not a stored
// attribute and is ignored here.
func (s *Store) ModifyEntity(ctx context.Context, p tree.Path, delta map[string]schema.Value) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := loadEntry(ctx, tx, p)
		if err != nil {
			return err
		}

		running, err := isRunning(ctx, tx, p.Instance)
		if err != nil {
			return err
		}

		for name := range delta {
			f, ok := schema.Lookup(p.Kind, name)
			if !ok {
				continue
			}

			if f.Key {
				return fmt.Errorf("dsestore: modify %s field %s: %w", p, name, ErrKeyField)
			}

			if f.Offline && running {
				return fmt.Errorf("dsestore: modify %s field %s: %w", p, name, ErrInstanceRunning)
			}
		}

		if p.Kind == schema.KindBackend && schema.ClearsReplicaID(delta) {
			delete(e.attrs, attrReplicaID)
		}

		for attr, vals := range toAttrs(p.Kind, delta) {
			e.attrs[attr] = vals
		}

		if p.Kind == schema.KindBackend {
			if err := checkReplicaAttrs(p, e.attrs); err != nil {
				return err
			}
		}

		raw, err := e.attrs.marshal()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, sqlUpdateAttrs, raw, p.Instance, e.dn); err != nil {
			return fmt.Errorf("dsestore: modify %s: %w", p, err)
		}

		s.logger.Debug("entry modified", slog.String("path", p.String()), slog.Int("fields", len(delta)))

		return nil
	})
}

// DeleteEntity implements live.Server. Instances must be stopped first.
func (s *Store) DeleteEntity(ctx context.Context, p tree.Path) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := loadEntry(ctx, tx, p)
		if err != nil {
			return err
		}

		var children int

		switch p.Kind {
		case schema.KindInstance:
			err = tx.QueryRowContext(ctx, sqlCountInstanceChildren, p.Instance).Scan(&children)
		case schema.KindBackend:
			err = tx.QueryRowContext(ctx, sqlCountBackendChildren, p.Instance, p.Backend).Scan(&children)
		}

		if err != nil {
			return fmt.Errorf("dsestore: delete %s: %w", p, err)
		}

		if children > 0 {
			return fmt.Errorf("dsestore: delete %s: %d remaining: %w", p, children, ErrHasChildren)
		}

		if p.Kind == schema.KindInstance {
			running, err := isRunning(ctx, tx, p.Instance)
			if err != nil {
				return err
			}

			if running {
				return fmt.Errorf("dsestore: delete %s: %w", p, ErrInstanceRunning)
			}
		}

		if _, err := tx.ExecContext(ctx, sqlDeleteEntry, p.Instance, e.dn); err != nil {
			return fmt.Errorf("dsestore: delete %s: %w", p, err)
		}

		if p.Kind == schema.KindInstance {
			if _, err := tx.ExecContext(ctx, sqlDeleteInstance, p.Instance); err != nil {
				return fmt.Errorf("dsestore: delete %s: %w", p, err)
			}
		}

		s.logger.Debug("entry deleted", slog.String("path", p.String()), slog.String("dn", e.dn))

		return nil
	})
}

// QueryEntity implements live.Server. Instances report their run state as
// the started field.
func (s *Store) QueryEntity(ctx context.Context, p tree.Path) (map[string]schema.Value, error) {
	e, err := loadEntry(ctx, s.db, p)
	if err != nil {
		return nil, err
	}

	fields, err := toFields(p.Kind, e.attrs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}

	if p.Kind == schema.KindInstance {
		running, err := isRunning(ctx, s.db, p.Instance)
		if err != nil {
			return nil, err
		}

		fields[startedField] = schema.BoolValue(running)
	}

	return fields, nil
}

// ListChildren implements live.Server.
func (s *Store) ListChildren(ctx context.Context, parent tree.Path, kind schema.Kind) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if parent.IsZero() {
		rows, err = s.db.QueryContext(ctx, sqlListInstances)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlListChildren, parent.Instance, parent.Backend, kind.String())
	}

	if err != nil {
		return nil, fmt.Errorf("dsestore: listing %s children of %s: %w", kind, parent, err)
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("dsestore: scanning child name: %w", err)
		}

		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dsestore: iterating children of %s: %w", parent, err)
	}

	return names, nil
}

// Quiesce implements live.Server. Quiescing a stopped instance is a no-op.
func (s *Store) Quiesce(ctx context.Context, instance string) error {
	return s.setRunning(ctx, instance, false)
}

// Resume implements live.Server. Resuming a running instance, or one that
// no longer exists, is a no-op.
func (s *Store) Resume(ctx context.Context, instance string) error {
	err := s.setRunning(ctx, instance, true)
	if errors.Is(err, live.ErrNotFound) {
		return nil
	}

	return err
}

func (s *Store) setRunning(ctx context.Context, instance string, running bool) error {
	res, err := s.db.ExecContext(ctx, sqlSetRunning, running, instance)
	if err != nil {
		return fmt.Errorf("dsestore: setting run state of %s: %w", instance, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dsestore: setting run state of %s: %w", instance, err)
	}

	if n == 0 {
		return fmt.Errorf("dsestore: instance %s: %w", instance, live.ErrNotFound)
	}

	s.logger.Info("instance run state changed",
		slog.String("instance", instance),
		slog.Bool("running", running),
	)

	return nil
}

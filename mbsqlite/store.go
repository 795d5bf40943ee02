// Package mbsqlite is a SQLite-backed [mbstore.BlockStore].
//
// Build with the purego tag, or with cgo disabled,
// to use the pure Go SQLite driver instead of the cgo one.
package mbsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/trace"
	"strings"
	"sync/atomic"

	"github.com/gordian-engine/gmicro/mb/mbcodec"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbstore"
)

// Store satisfies [mbstore.BlockStore].
type Store struct {
	// The string "purego" or "cgo" depending on build tags.
	BuildType string

	// SQLite only allows one writer at a time,
	// so writes go through a single-connection pool
	// and reads through a separate pool.
	ro, rw *sql.DB

	codec mbcodec.MarshalCodec
}

var _ mbstore.BlockStore = (*Store)(nil)

// NewOnDiskStore opens or creates the database file at dbPath.
func NewOnDiskStore(
	ctx context.Context,
	dbPath string,
	codec mbcodec.MarshalCodec,
) (*Store, error) {
	dbPath = filepath.Clean(dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat path %q: %w", dbPath, err)
		}

		// The startup pragmas fail without an existing file.
		// O_EXCL so that we never truncate a database created concurrently.
		f, err := os.OpenFile(dbPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to create empty database file: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("failed to close new empty database file: %w", err)
		}
	}

	uri := "file:" + dbPath + "?mode=rw"

	rw, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-write database: %w", err)
	}

	// Writers block on the single connection
	// instead of failing with "database is locked".
	rw.SetMaxOpenConns(1)

	// Persistent, and only relevant on disk.
	if _, err := rw.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return nil, fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	if err := pragmasRW(ctx, rw); err != nil {
		return nil, err
	}

	if err := migrate(ctx, rw); err != nil {
		return nil, err
	}

	// Change mode=rw to mode=ro.
	uri = uri[:len(uri)-1] + "o"
	ro, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-only database: %w", err)
	}
	if err := pragmasRO(ctx, ro); err != nil {
		return nil, err
	}

	return &Store{
		BuildType: sqliteBuildType,

		rw: rw,
		ro: ro,

		codec: codec,
	}, nil
}

var inMemNameCounter uint32

// NewInMemStore returns a Store backed by a uniquely named in-memory database.
func NewInMemStore(ctx context.Context, codec mbcodec.MarshalCodec) (*Store, error) {
	dbName := fmt.Sprintf("gmicro%d", atomic.AddUint32(&inMemNameCounter, 1))

	// The shared cache lets both pools see the same in-memory database.
	// Immediate transactions take the write lock up front.
	uri := "file:" + dbName +
		"?mode=memory" +
		"&cache=shared" +
		"&_txlock=immediate"

	rw, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-write database: %w", err)
	}
	rw.SetMaxOpenConns(1)

	if err := pragmasRW(ctx, rw); err != nil {
		return nil, err
	}

	if err := migrate(ctx, rw); err != nil {
		return nil, err
	}

	var ok bool
	uri, ok = strings.CutSuffix(uri, "&_txlock=immediate")
	if !ok {
		panic(fmt.Errorf("BUG: failed to cut _txlock suffix from uri %q", uri))
	}
	ro, err := sql.Open(sqliteDriverType, uri)
	if err != nil {
		return nil, fmt.Errorf("error opening read-only database: %w", err)
	}
	if err := pragmasRO(ctx, ro); err != nil {
		return nil, err
	}

	return &Store{
		BuildType: sqliteBuildType,

		rw: rw,
		ro: ro,

		codec: codec,
	}, nil
}

func (s *Store) Close() error {
	errRO := s.ro.Close()
	if errRO != nil {
		errRO = fmt.Errorf("error closing read-only database: %w", errRO)
	}
	errRW := s.rw.Close()
	if errRW != nil {
		errRW = fmt.Errorf("error closing read-write database: %w", errRW)
	}

	return errors.Join(errRO, errRW)
}

func (s *Store) SaveBlock(ctx context.Context, b mbconsensus.Block) error {
	defer trace.StartRegion(ctx, "SaveBlock").End()

	data, err := s.codec.MarshalBlock(b)
	if err != nil {
		return fmt.Errorf("failed to marshal block %d: %w", b.Number, err)
	}

	if _, err := s.rw.ExecContext(
		ctx,
		`INSERT INTO blocks(number, hash, skip, data) VALUES (?, ?, ?, ?)
ON CONFLICT(number) DO UPDATE SET hash = excluded.hash, skip = excluded.skip, data = excluded.data`,
		b.Number, b.Hash, b.IsSkip(), data,
	); err != nil {
		return fmt.Errorf("failed to save block %d: %w", b.Number, err)
	}

	return nil
}

func (s *Store) LoadBlock(ctx context.Context, number uint32) (mbconsensus.Block, error) {
	defer trace.StartRegion(ctx, "LoadBlock").End()

	var data []byte
	err := s.ro.QueryRowContext(
		ctx,
		`SELECT data FROM blocks WHERE number = ?`,
		number,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mbconsensus.Block{}, mbstore.BlockUnknownError{Number: number}
		}
		return mbconsensus.Block{}, fmt.Errorf("failed to load block %d: %w", number, err)
	}

	var b mbconsensus.Block
	if err := s.codec.UnmarshalBlock(data, &b); err != nil {
		return mbconsensus.Block{}, fmt.Errorf("failed to unmarshal block %d: %w", number, err)
	}
	return b, nil
}

func (s *Store) Watermark(ctx context.Context) (uint32, error) {
	defer trace.StartRegion(ctx, "Watermark").End()

	var n sql.NullInt64
	if err := s.ro.QueryRowContext(ctx, `SELECT MAX(number) FROM blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to select watermark: %w", err)
	}
	if !n.Valid {
		return 0, mbstore.ErrStoreUninitialized
	}
	return uint32(n.Int64), nil
}

func pragmasRW(ctx context.Context, db *sql.DB) error {
	defer trace.StartRegion(ctx, "pragmasRW").End()

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	// https://www.sqlite.org/lang_analyze.html#periodically_run_pragma_optimize_
	if _, err := db.ExecContext(ctx, `PRAGMA optimize(0x10002);`); err != nil {
		return fmt.Errorf("failed to run startup PRAGMA optimize: %w", err)
	}

	return nil
}

func pragmasRO(ctx context.Context, db *sql.DB) error {
	defer trace.StartRegion(ctx, "pragmasRO").End()

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("failed to set foreign keys on: %w", err)
	}

	return nil
}

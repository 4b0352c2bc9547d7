package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/any-hub/modelhub/internal/logging"
)

const encodingZstd = "zstd"

// DefaultMaxPayloadSize 低于 SQLite 默认的 SQLITE_MAX_LENGTH（1e9 字节），
// 为同一行的其他列留出余量。
const DefaultMaxPayloadSize int64 = 1_000_000_000 - 1<<20

var schema = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		key       TEXT PRIMARY KEY,
		payload   BLOB,
		stored_at INTEGER NOT NULL,
		validator TEXT,
		byte_size INTEGER NOT NULL,
		digest    TEXT NOT NULL DEFAULT '',
		encoding  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_stored_at ON entries(stored_at)`,
}

// pragmas 与 WAL 模式保证清理事务与并发读取互不阻塞，读者只会看到事务前或事务后的状态。
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// SQLiteOptions 控制持久化层的打开参数。
type SQLiteOptions struct {
	// Path 为数据库文件路径，父目录不存在时自动创建。
	Path string
	// PoolSize 为连接池大小，<=0 时使用 4。
	PoolSize int
	// Compress 为 true 时正文以 zstd 压缩存储，byte_size 仍记录原始长度。
	Compress bool
	// MaxPayloadSize 为单条正文（压缩后）的上限，<=0 时使用 DefaultMaxPayloadSize。
	// 超出时 Put 返回 ErrPayloadTooLarge。
	MaxPayloadSize int64
	Logger         logrus.FieldLogger
}

// sqliteStore 持有一个惰性打开、全局共享的连接池：首个调用方负担打开成本，
// 之后所有调用复用同一个句柄。打开失败不会被缓存，下一次调用会重新尝试。
type sqliteStore struct {
	opts   SQLiteOptions
	logger logrus.FieldLogger

	mu     sync.Mutex
	pool   *sqlitex.Pool
	closed bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSQLiteStore 校验参数并返回 Store，真正的数据库连接在首次使用时建立。
func NewSQLiteStore(opts SQLiteOptions) (Store, error) {
	if opts.Path == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	opts.Path = abs
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = DefaultMaxPayloadSize
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	store := &sqliteStore{
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		decoder: decoder,
	}
	if opts.Compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("init zstd encoder: %w", err)
		}
		store.encoder = encoder
	}
	return store, nil
}

func (s *sqliteStore) open() (*sqlitex.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storeError("open", ErrStoreClosed)
	}
	if s.pool != nil {
		return s.pool, nil
	}

	pool, err := sqlitex.NewPool(s.opts.Path, sqlitex.PoolOptions{
		PoolSize:    s.opts.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, storeError("open", err)
	}
	s.pool = pool
	s.logger.WithFields(logrus.Fields{
		"action":    "store_open",
		"path":      s.opts.Path,
		"pool_size": s.opts.PoolSize,
		"compress":  s.opts.Compress,
	}).Info("artifact store opened")
	return pool, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, stmt := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	for _, stmt := range schema {
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// withConn 借出一个连接执行 fn，所有底层错误都包装为 StoreError。
func (s *sqliteStore) withConn(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	pool, err := s.open()
	if err != nil {
		return err
	}
	conn, err := pool.Take(ctx)
	if err != nil {
		return storeError(op, err)
	}
	defer pool.Put(conn)
	return storeError(op, fn(conn))
}

func (s *sqliteStore) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		entry    *Entry
		encoding string
	)
	err := s.withConn(ctx, "get", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT key, payload, stored_at, validator, byte_size, digest, encoding
			   FROM entries WHERE key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					payload := make([]byte, stmt.ColumnLen(1))
					stmt.ColumnBytes(1, payload)
					entry = &Entry{
						EntryInfo: EntryInfo{
							Key:      stmt.ColumnText(0),
							StoredAt: time.UnixMilli(stmt.ColumnInt64(2)),
							ByteSize: stmt.ColumnInt64(4),
						},
						Payload: payload,
						Digest:  stmt.ColumnText(5),
					}
					if stmt.ColumnType(3) != sqlite.TypeNull {
						entry.Validator = stmt.ColumnText(3)
					}
					encoding = stmt.ColumnText(6)
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}

	if encoding == encodingZstd {
		decoded, err := s.decoder.DecodeAll(entry.Payload, make([]byte, 0, entry.ByteSize))
		if err != nil {
			return nil, storeError("decode", err)
		}
		entry.Payload = decoded
	}
	return entry, nil
}

func (s *sqliteStore) Put(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return errors.New("entry key required")
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	entry.ByteSize = int64(len(entry.Payload))
	if entry.Digest == "" {
		entry.Digest = Digest(entry.Payload)
	}

	payload := entry.Payload
	encoding := ""
	if s.encoder != nil {
		payload = s.encoder.EncodeAll(entry.Payload, nil)
		encoding = encodingZstd
	}
	if int64(len(payload)) > s.opts.MaxPayloadSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrPayloadTooLarge, entry.Key, len(payload), s.opts.MaxPayloadSize)
	}

	var validator any
	if entry.Validator != "" {
		validator = entry.Validator
	}

	return s.withConn(ctx, "put", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO entries (key, payload, stored_at, validator, byte_size, digest, encoding)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   payload = excluded.payload,
			   stored_at = excluded.stored_at,
			   validator = excluded.validator,
			   byte_size = excluded.byte_size,
			   digest = excluded.digest,
			   encoding = excluded.encoding`,
			&sqlitex.ExecOptions{
				Args: []any{entry.Key, payload, entry.StoredAt.UnixMilli(), validator, entry.ByteSize, entry.Digest, encoding},
			})
	})
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	return s.withConn(ctx, "delete", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM entries WHERE key = ?`,
			&sqlitex.ExecOptions{Args: []any{key}})
	})
}

func (s *sqliteStore) DeleteVersion(ctx context.Context, key string, storedAt time.Time) error {
	return s.withConn(ctx, "delete", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM entries WHERE key = ? AND stored_at = ?`,
			&sqlitex.ExecOptions{Args: []any{key, storedAt.UnixMilli()}})
	})
}

func (s *sqliteStore) Scan(ctx context.Context, fn func(EntryInfo) error) error {
	return s.withConn(ctx, "scan", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT key, stored_at, validator, byte_size FROM entries ORDER BY key`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					info := EntryInfo{
						Key:      stmt.ColumnText(0),
						StoredAt: time.UnixMilli(stmt.ColumnInt64(1)),
						ByteSize: stmt.ColumnInt64(3),
					}
					if stmt.ColumnType(2) != sqlite.TypeNull {
						info.Validator = stmt.ColumnText(2)
					}
					return fn(info)
				},
			})
	})
}

func (s *sqliteStore) DeleteStoredBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var removed []string
	err := s.withConn(ctx, "cleanup", func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)

		var keys []string
		err = sqlitex.Execute(conn,
			`SELECT key FROM entries INDEXED BY idx_entries_stored_at WHERE stored_at < ? ORDER BY stored_at`,
			&sqlitex.ExecOptions{
				Args: []any{cutoff.UnixMilli()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					keys = append(keys, stmt.ColumnText(0))
					return nil
				},
			})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err = sqlitex.Execute(conn, `DELETE FROM entries WHERE key = ?`,
				&sqlitex.ExecOptions{Args: []any{key}}); err != nil {
				return err
			}
		}
		removed = keys
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.decoder.Close()
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	if s.pool == nil {
		return nil
	}
	err := s.pool.Close()
	s.pool = nil
	return storeError("close", err)
}

// Digest 返回正文的 blake3 十六进制摘要。
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

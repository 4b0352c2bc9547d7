package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store 是制品缓存的持久化层：单表、主键为资源 URL，并在 stored_at 上建立二级索引。
// 所有方法都以挂起式 I/O 呈现，调用方无需处理底层驱动的连接与事务细节。
type Store interface {
	// Get 返回完整条目（含正文）。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key string) (*Entry, error)

	// Put 以 upsert 语义写入条目，整体覆盖同 key 的旧条目。
	Put(ctx context.Context, entry Entry) error

	// Delete 删除指定 key，不存在时视为成功。
	Delete(ctx context.Context, key string) error

	// DeleteVersion 仅当条目仍是 storedAt 写入的那个版本时删除，
	// 避免异步清理误删刚被替换的新条目。
	DeleteVersion(ctx context.Context, key string, storedAt time.Time) error

	// Scan 遍历所有条目的元数据（不加载正文），fn 返回错误时中止。
	Scan(ctx context.Context, fn func(EntryInfo) error) error

	// DeleteStoredBefore 在单个事务内按 stored_at 索引范围扫描，
	// 删除 stored_at < cutoff 的条目并返回被删除的 key。
	DeleteStoredBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// Close 释放底层连接。
	Close() error
}

// EntryInfo 是条目的元数据视图。
type EntryInfo struct {
	Key       string    `json:"key"`
	StoredAt  time.Time `json:"stored_at"`
	Validator string    `json:"validator,omitempty"`
	ByteSize  int64     `json:"byte_size"`
}

// Entry 表示一个持久化的制品。条目只会被整体替换，不做局部更新。
type Entry struct {
	EntryInfo
	Payload []byte `json:"-"`
	// Digest 为正文的 blake3 摘要，读取时用于发现损坏的条目。
	Digest string `json:"digest,omitempty"`
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrStoreUnavailable 表示持久化层无法打开或事务失败，StoreError 均可用 errors.Is 匹配。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// ErrPayloadTooLarge 表示正文超过单行 BLOB 上限，该条目不会被写入。
var ErrPayloadTooLarge = errors.New("payload exceeds store blob limit")

// ErrStoreClosed 表示 Store 已关闭。
var ErrStoreClosed = errors.New("cache store closed")

// StoreError 包装持久化层的打开/事务失败，对当前调用是致命的，不做重试。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is 让所有 StoreError 都匹配 ErrStoreUnavailable。
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StoreError
	if errors.As(err, &existing) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

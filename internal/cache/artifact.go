package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/modelhub/internal/download"
	"github.com/any-hub/modelhub/internal/logging"
)

// DefaultTTL 为未配置时的条目有效期。
const DefaultTTL = 7 * 24 * time.Hour

// asyncDeleteTimeout 限制后台删除过期条目的耗时，不影响 Fetch 返回。
const asyncDeleteTimeout = 30 * time.Second

// Downloader 抽象 HEAD 探测与下载，download.Downloader 是默认实现。
type Downloader interface {
	Plan(ctx context.Context, url string) download.Plan
	Download(ctx context.Context, url string, plan download.Plan, progress download.ProgressFunc) ([]byte, error)
}

// ProgressFunc 观察某个 URL 的下载进度；未设置时行为不变。
type ProgressFunc func(url string, done, total int64)

// Options 控制 ArtifactCache 的 TTL、时钟与观测回调。
type Options struct {
	TTL        time.Duration
	Logger     logrus.FieldLogger
	OnProgress ProgressFunc
	// Now 仅用于测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// ArtifactCache 组合 Store 与 Downloader：命中直接返回，未命中则下载并整体写入。
type ArtifactCache struct {
	store      Store
	downloader Downloader
	fresh      freshness
	locks      *keyLocks
	logger     logrus.FieldLogger
	onProgress ProgressFunc

	// mu 保护 closed，并保证 Close 开始等待后不再有 background.Add。
	mu         sync.Mutex
	closed     bool
	background sync.WaitGroup
}

// EntryStat 是 Stats 中的单条记录。
type EntryStat struct {
	URL       string
	Size      int64
	Age       time.Duration
	Validator string
	Expired   bool
}

// Stats 汇总缓存中的全部条目。
type Stats struct {
	Count      int
	TotalBytes int64
	Entries    []EntryStat
}

// NewArtifactCache 构造缓存实例，store 与 downloader 必须非空。
func NewArtifactCache(store Store, downloader Downloader, opts Options) (*ArtifactCache, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if downloader == nil {
		return nil, errors.New("downloader is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ArtifactCache{
		store:      store,
		downloader: downloader,
		fresh:      freshness{ttl: opts.TTL, now: opts.Now},
		locks:      newKeyLocks(),
		logger:     logging.OrDiscard(opts.Logger),
		onProgress: opts.OnProgress,
	}, nil
}

// TTL 返回当前生效的有效期。
func (c *ArtifactCache) TTL() time.Duration {
	return c.fresh.ttl
}

// Fetch 返回 url 对应的制品正文。命中且未过期时不产生任何网络请求；
// 下载失败时不会写入任何部分条目。
func (c *ArtifactCache) Fetch(ctx context.Context, url string) ([]byte, error) {
	payload, _, err := c.FetchWithStatus(ctx, url)
	return payload, err
}

// FetchWithStatus 与 Fetch 相同，额外返回是否命中缓存。
func (c *ArtifactCache) FetchWithStatus(ctx context.Context, url string) ([]byte, bool, error) {
	if c.isClosed() {
		return nil, false, storeError("fetch", ErrStoreClosed)
	}
	started := time.Now()

	payload, ok, err := c.lookup(ctx, url)
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.logFetch(url, true, len(payload), started, nil)
		return payload, true, nil
	}

	// 同一 key 的并发 miss 排队下载，后来者拿到锁后重新检查即可命中。
	unlock, err := c.locks.lock(ctx, url)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	payload, ok, err = c.lookup(ctx, url)
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.logFetch(url, true, len(payload), started, nil)
		return payload, true, nil
	}

	payload, err = c.download(ctx, url)
	c.logFetch(url, false, len(payload), started, err)
	if err != nil {
		return nil, false, err
	}
	return payload, false, nil
}

// lookup 读取并校验条目。过期或损坏的条目视为不存在，并在后台删除。
func (c *ArtifactCache) lookup(ctx context.Context, url string) ([]byte, bool, error) {
	entry, err := c.store.Get(ctx, url)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}

	if !c.fresh.Fresh(entry.StoredAt) {
		c.removeAsync(url, entry.StoredAt, "expired")
		return nil, false, nil
	}
	if entry.Digest != "" && Digest(entry.Payload) != entry.Digest {
		c.removeAsync(url, entry.StoredAt, "digest_mismatch")
		return nil, false, nil
	}
	return entry.Payload, true, nil
}

func (c *ArtifactCache) download(ctx context.Context, url string) ([]byte, error) {
	plan := c.downloader.Plan(ctx, url)

	var progress download.ProgressFunc
	if c.onProgress != nil {
		progress = func(done, total int64) {
			c.onProgress(url, done, total)
		}
	}

	payload, err := c.downloader.Download(ctx, url, plan, progress)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		EntryInfo: EntryInfo{
			Key:       url,
			StoredAt:  c.fresh.now(),
			Validator: plan.Validator,
			ByteSize:  int64(len(payload)),
		},
		Payload: payload,
	}
	if err := c.store.Put(ctx, entry); err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			// 超出单行上限的制品照常返回，只是不落盘，下次读取仍会下载。
			c.logger.WithError(err).WithFields(logrus.Fields{
				"action": "store_entry",
				"url":    url,
				"bytes":  len(payload),
			}).Warn("cache_bypass")
			return payload, nil
		}
		return nil, err
	}
	return payload, nil
}

// removeAsync 在后台删除指定版本的条目，不阻塞本次 miss 的返回。
func (c *ArtifactCache) removeAsync(url string, storedAt time.Time, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.background.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncDeleteTimeout)
		defer cancel()

		fields := logrus.Fields{
			"action": "evict_entry",
			"url":    url,
			"reason": reason,
		}
		if err := c.store.DeleteVersion(ctx, url, storedAt); err != nil {
			c.logger.WithError(err).WithFields(fields).Warn("evict_failed")
			return
		}
		c.logger.WithFields(fields).Debug("evict_complete")
	}()
}

// Remove 显式删除一个条目。
func (c *ArtifactCache) Remove(ctx context.Context, url string) error {
	return c.store.Delete(ctx, url)
}

// Stats 全量扫描存储，仅用于诊断，不应出现在热路径上。
func (c *ArtifactCache) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := c.store.Scan(ctx, func(info EntryInfo) error {
		stats.Count++
		stats.TotalBytes += info.ByteSize
		stats.Entries = append(stats.Entries, EntryStat{
			URL:       info.Key,
			Size:      info.ByteSize,
			Age:       c.fresh.Age(info.StoredAt),
			Validator: info.Validator,
			Expired:   !c.fresh.Fresh(info.StoredAt),
		})
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// CleanupExpired 通过 stored_at 索引一次范围扫描删除全部过期条目，返回删除数量。
func (c *ArtifactCache) CleanupExpired(ctx context.Context) (int, error) {
	removed, err := c.store.DeleteStoredBefore(ctx, c.fresh.Cutoff())
	if err != nil {
		c.logger.WithError(err).WithField("action", "cleanup_expired").Error("cleanup_failed")
		return 0, err
	}
	c.logger.WithFields(logrus.Fields{
		"action":  "cleanup_expired",
		"removed": len(removed),
	}).Info("cleanup_complete")
	return len(removed), nil
}

// Prefetch 以有限并发预取多个制品，返回第一个失败。
func (c *ArtifactCache) Prefetch(ctx context.Context, urls []string, parallel int) error {
	if parallel <= 0 {
		parallel = 1
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)
	for _, url := range urls {
		group.Go(func() error {
			_, err := c.Fetch(groupCtx, url)
			return err
		})
	}
	return group.Wait()
}

// Close 拒绝新的读取与后台删除，等待已开始的删除结束后关闭存储。可重复调用。
func (c *ArtifactCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.background.Wait()
	return c.store.Close()
}

func (c *ArtifactCache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Wait 等待所有后台删除完成，主要供测试断言使用。
func (c *ArtifactCache) Wait() {
	c.background.Wait()
}

func (c *ArtifactCache) logFetch(url string, hit bool, size int, started time.Time, err error) {
	fields := logging.FetchFields(url, hit)
	fields["bytes"] = size
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	c.logger.WithFields(fields).Info("fetch_complete")
}

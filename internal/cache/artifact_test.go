package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/modelhub/internal/download"
	"github.com/any-hub/modelhub/internal/download/downloadtest"
)

const mib = 1024 * 1024

func TestFetchSecondCallWithinTTLHitsCache(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	payload := patterned(4096)
	url := upstream.Put("/encoder.onnx", payload, `"e1"`)

	c, _, _ := newTestCache(t, time.Hour, download.Options{Threshold: mib, ChunkSize: 256 * 1024})

	first, err := c.Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	upstream.Reset()

	second, hit, err := c.FetchWithStatus(context.Background(), url)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if !hit {
		t.Fatalf("TTL 内的第二次读取应命中缓存")
	}
	if got := upstream.Count(""); got != 0 {
		t.Fatalf("命中缓存时不应产生网络请求，got %d", got)
	}
	if !bytes.Equal(first, second) || !bytes.Equal(first, payload) {
		t.Fatalf("两次读取内容应完全一致")
	}
}

func TestFetchAfterTTLRefetches(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/encoder.onnx", patterned(2048), "")

	c, store, clock := newTestCache(t, time.Hour, download.Options{Threshold: mib, ChunkSize: 256 * 1024})
	if _, err := c.Fetch(context.Background(), url); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}

	clock.Advance(time.Hour + time.Second)
	if _, err := store.Get(context.Background(), url); err != nil {
		t.Fatalf("过期条目在读取前应仍物理存在: %v", err)
	}
	upstream.Reset()

	_, hit, err := c.FetchWithStatus(context.Background(), url)
	if err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	if hit {
		t.Fatalf("过期条目应视为不存在")
	}
	if got := upstream.Count(http.MethodGet); got != 1 {
		t.Fatalf("expected a fresh GET, got %d", got)
	}
	c.Wait()

	entry, err := store.Get(context.Background(), url)
	if err != nil {
		t.Fatalf("重新下载后应写入新条目: %v", err)
	}
	if !entry.StoredAt.After(clock.Now().Add(-time.Minute)) {
		t.Fatalf("新条目的 stored_at 应为当前时间，得到 %v", entry.StoredAt)
	}
}

func TestFetchLargeArtifactUsesRangeRequests(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	payload := patterned(25 * mib)
	url := upstream.Put("/large.onnx", payload, `"big"`)

	c, store, _ := newTestCache(t, time.Hour, download.Options{Threshold: 10 * mib, ChunkSize: mib})
	counter := &countingStore{Store: store}
	c.store = counter

	var progressCalls atomic.Int32
	c.onProgress = func(string, int64, int64) { progressCalls.Add(1) }

	data, err := c.Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("分片拼接结果应与源文件一致")
	}

	requests := upstream.Requests()
	if len(requests) != 26 || requests[0].Method != http.MethodHead {
		t.Fatalf("expected HEAD + 25 range GETs, got %d requests", len(requests))
	}
	for i, req := range requests[1:] {
		want := fmt.Sprintf("bytes=%d-%d", int64(i)*mib, int64(i+1)*mib-1)
		if req.Range != want {
			t.Fatalf("chunk %d: expected %s got %s", i, want, req.Range)
		}
	}
	if counter.puts.Load() != 1 {
		t.Fatalf("expected exactly one store write, got %d", counter.puts.Load())
	}
	if progressCalls.Load() != 25 {
		t.Fatalf("expected 25 progress callbacks, got %d", progressCalls.Load())
	}

	entry, err := store.Get(context.Background(), url)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry.Validator != `"big"` {
		t.Fatalf("ETag 应写入条目，得到 %q", entry.Validator)
	}

	upstream.Reset()
	if _, err := c.Fetch(context.Background(), url); err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if got := upstream.Count(""); got != 0 {
		t.Fatalf("TTL 内第二次读取应零请求，got %d", got)
	}
}

func TestFetchFailureWritesNothing(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/large.onnx", patterned(4*1024), "")
	upstream.FailRange = "bytes=2048-3071"

	c, store, _ := newTestCache(t, time.Hour, download.Options{Threshold: 2048, ChunkSize: 1024})
	_, err := c.Fetch(context.Background(), url)
	var netErr *download.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if _, err := store.Get(context.Background(), url); !errors.Is(err, ErrNotFound) {
		t.Fatalf("下载失败时不应写入部分条目，got %v", err)
	}
}

func TestFetchDropsCorruptEntry(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	payload := patterned(1024)
	url := upstream.Put("/model.onnx", payload, "")

	c, store, clock := newTestCache(t, time.Hour, download.Options{Threshold: mib, ChunkSize: 256 * 1024})
	err := store.Put(context.Background(), Entry{
		EntryInfo: EntryInfo{Key: url, StoredAt: clock.Now()},
		Payload:   []byte("tampered"),
		Digest:    Digest([]byte("original")),
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	data, hit, err := c.FetchWithStatus(context.Background(), url)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if hit || !bytes.Equal(data, payload) {
		t.Fatalf("摘要不匹配的条目应被视为 miss 并重新下载")
	}
}

func TestConcurrentMissesDownloadOnce(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/shared.onnx", patterned(8192), "")

	c, _, _ := newTestCache(t, time.Hour, download.Options{Threshold: mib, ChunkSize: 256 * 1024})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Fetch(context.Background(), url); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent fetch failed: %v", err)
	}
	if got := upstream.Count(http.MethodGet); got != 1 {
		t.Fatalf("并发 miss 应合并为一次下载，got %d GETs", got)
	}
	if c.locks.size() != 0 {
		t.Fatalf("key lock 应在释放后回收")
	}
}

func TestStatsAndCleanupExpired(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	oldURL := upstream.Put("/old.onnx", patterned(100), `"old"`)
	newURL := upstream.Put("/new.onnx", patterned(300), "")

	c, _, clock := newTestCache(t, time.Hour, download.Options{Threshold: mib, ChunkSize: 256 * 1024})
	if _, err := c.Fetch(context.Background(), oldURL); err != nil {
		t.Fatalf("fetch old failed: %v", err)
	}
	clock.Advance(50 * time.Minute)
	if _, err := c.Fetch(context.Background(), newURL); err != nil {
		t.Fatalf("fetch new failed: %v", err)
	}
	clock.Advance(20 * time.Minute)

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Count != 2 || stats.TotalBytes != 400 {
		t.Fatalf("unexpected stats: count=%d bytes=%d", stats.Count, stats.TotalBytes)
	}
	for _, entry := range stats.Entries {
		switch entry.URL {
		case oldURL:
			if !entry.Expired || entry.Age != 70*time.Minute || entry.Validator != `"old"` {
				t.Fatalf("unexpected old entry stat: %+v", entry)
			}
		case newURL:
			if entry.Expired || entry.Age != 20*time.Minute {
				t.Fatalf("unexpected new entry stat: %+v", entry)
			}
		default:
			t.Fatalf("unexpected entry %s", entry.URL)
		}
	}

	removed, err := c.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	stats, err = c.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Count != 1 || stats.Entries[0].URL != newURL {
		t.Fatalf("cleanup 只应删除过期条目，剩余 %+v", stats.Entries)
	}
}

func TestCleanupConcurrentWithReads(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/model.onnx", patterned(2048), "")

	c, _, _ := newTestCache(t, time.Hour, download.Options{Threshold: mib, ChunkSize: 256 * 1024})
	if _, err := c.Fetch(context.Background(), url); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := c.CleanupExpired(context.Background()); err != nil {
				t.Errorf("cleanup failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			data, err := c.Fetch(context.Background(), url)
			if err != nil || len(data) != 2048 {
				t.Errorf("read during cleanup failed: len=%d err=%v", len(data), err)
			}
		}()
	}
	wg.Wait()
}

func TestPrefetchFetchesAll(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	urls := []string{
		upstream.Put("/a.onnx", patterned(10), ""),
		upstream.Put("/b.onnx", patterned(20), ""),
		upstream.Put("/c.onnx", patterned(30), ""),
	}

	c, _, _ := newTestCache(t, time.Hour, download.Options{Threshold: mib, ChunkSize: 256 * 1024})
	if err := c.Prefetch(context.Background(), urls, 2); err != nil {
		t.Fatalf("prefetch failed: %v", err)
	}
	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Count != 3 || stats.TotalBytes != 60 {
		t.Fatalf("unexpected stats after prefetch: %+v", stats)
	}

	err = c.Prefetch(context.Background(), []string{upstream.URL + "/missing.onnx"}, 2)
	if err == nil {
		t.Fatalf("prefetch 应返回下载失败")
	}
}

func TestFetchSurfacesStoreErrors(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/a.onnx", patterned(10), "")

	c, store, _ := newTestCache(t, time.Hour, download.Options{})
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	_, err := c.Fetch(context.Background(), url)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("存储不可用时应直接返回 StoreError，got %v", err)
	}
	if got := upstream.Count(""); got != 0 {
		t.Fatalf("存储失败时不应访问网络，got %d", got)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingStore struct {
	Store
	puts atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, entry Entry) error {
	s.puts.Add(1)
	return s.Store.Put(ctx, entry)
}

func TestFetchServesOversizedArtifactWithoutCaching(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	payload := patterned(4096)
	url := upstream.Put("/huge.onnx", payload, "")

	store, err := NewSQLiteStore(SQLiteOptions{
		Path:           filepath.Join(t.TempDir(), "modelhub.db"),
		MaxPayloadSize: 1024,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	c, err := NewArtifactCache(store, download.New(nil, download.Options{}), Options{TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 2; i++ {
		data, hit, err := c.FetchWithStatus(context.Background(), url)
		if err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
		if hit || !bytes.Equal(data, payload) {
			t.Fatalf("fetch %d: 超限制品应照常返回且不命中缓存", i)
		}
	}
	if got := upstream.Count(http.MethodGet); got != 2 {
		t.Fatalf("未缓存的制品每次都应下载，got %d GET", got)
	}
	if _, err := store.Get(context.Background(), url); !errors.Is(err, ErrNotFound) {
		t.Fatalf("超限制品不应落盘, got %v", err)
	}
}

func TestCloseDuringExpiredReads(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/encoder.onnx", patterned(1024), "")

	c, _, clock := newTestCache(t, time.Hour, download.Options{})
	if _, err := c.Fetch(context.Background(), url); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 过期条目触发后台删除；与 Close 并发时允许返回存储关闭错误。
			_, _ = c.Fetch(context.Background(), url)
		}()
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	wg.Wait()

	if err := c.Close(); err != nil {
		t.Fatalf("重复 Close 应为空操作: %v", err)
	}
	if _, err := c.Fetch(context.Background(), url); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("Close 之后的读取应返回 ErrStoreClosed, got %v", err)
	}
}

func newTestCache(t *testing.T, ttl time.Duration, opts download.Options) (*ArtifactCache, Store, *fakeClock) {
	t.Helper()
	store := newTestStore(t, false)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	c, err := NewArtifactCache(store, download.New(nil, opts), Options{TTL: ttl, Now: clock.Now})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(c.Wait)
	return c, store, clock
}

func patterned(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/509)
	}
	return data
}

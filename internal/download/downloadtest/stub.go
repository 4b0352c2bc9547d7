// Package downloadtest 提供制品上游模拟器，供 download/cache/server 测试复用。
package downloadtest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// RecordedRequest 捕获每次请求的方法/路径/Range，便于断言分片行为。
type RecordedRequest struct {
	Method string
	Path   string
	Range  string
}

type artifact struct {
	data []byte
	etag string
}

// Upstream 是一个支持 HEAD/Range 的制品服务器，记录所有请求。
type Upstream struct {
	*httptest.Server

	mu        sync.Mutex
	artifacts map[string]artifact
	requests  []RecordedRequest

	// NoRange 为 true 时不声明 Accept-Ranges，且忽略 Range 头。
	NoRange bool
	// HeadStatus 非 0 时 HEAD 直接返回该状态码。
	HeadStatus int
	// FailRange 命中该 Range 值时返回 500。
	FailRange string
}

// NewUpstream 启动模拟器，调用方负责 Close。
func NewUpstream() *Upstream {
	u := &Upstream{artifacts: make(map[string]artifact)}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

// Put 注册一个制品，返回其完整 URL。
func (u *Upstream) Put(path string, data []byte, etag string) string {
	u.mu.Lock()
	u.artifacts[path] = artifact{data: data, etag: etag}
	u.mu.Unlock()
	return u.URL + path
}

// Requests 返回请求记录副本。
func (u *Upstream) Requests() []RecordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	result := make([]RecordedRequest, len(u.requests))
	copy(result, u.requests)
	return result
}

// Count 统计指定方法的请求数，method 为空时统计全部。
func (u *Upstream) Count(method string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if method == "" {
		return len(u.requests)
	}
	n := 0
	for _, req := range u.requests {
		if req.Method == method {
			n++
		}
	}
	return n
}

// Reset 清空请求记录。
func (u *Upstream) Reset() {
	u.mu.Lock()
	u.requests = nil
	u.mu.Unlock()
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.requests = append(u.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Range:  r.Header.Get("Range"),
	})
	item, ok := u.artifacts[r.URL.Path]
	noRange, headStatus, failRange := u.NoRange, u.HeadStatus, u.FailRange
	u.mu.Unlock()

	if r.Method == http.MethodHead && headStatus != 0 {
		w.WriteHeader(headStatus)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if failRange != "" && r.Header.Get("Range") == failRange {
		http.Error(w, "range exploded", http.StatusInternalServerError)
		return
	}
	if item.etag != "" {
		w.Header().Set("Etag", item.etag)
	}
	if noRange {
		r.Header.Del("Range")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Accept-Ranges", "none")
		http.ServeContent(&noRangeWriter{ResponseWriter: w}, r, "", time.Time{}, bytes.NewReader(item.data))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(item.data))
}

// noRangeWriter 阻止 ServeContent 写入 Accept-Ranges: bytes。
type noRangeWriter struct {
	http.ResponseWriter
}

func (w *noRangeWriter) WriteHeader(status int) {
	w.Header().Set("Accept-Ranges", "none")
	w.ResponseWriter.WriteHeader(status)
}

func (w *noRangeWriter) Write(p []byte) (int, error) {
	return w.ResponseWriter.Write(p)
}

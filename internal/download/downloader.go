package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/logging"
)

const (
	// DefaultThreshold 超过该大小且支持 Range 时改为分片下载。
	DefaultThreshold int64 = 10 * 1024 * 1024
	// DefaultChunkSize 为单个 Range 请求的字节数。
	DefaultChunkSize int64 = 1024 * 1024
)

// Plan 是一次下载的执行计划，由 HEAD 响应推导，不会被持久化。
type Plan struct {
	// TotalSize 来自 Content-Length，未知时为 -1。
	TotalSize     int64
	SupportsRange bool
	// Validator 为上游 ETag，随下载结果写入缓存条目。
	Validator string
}

// unknownPlan 表示 HEAD 失败或缺少头部时的退化计划：整体 GET。
func unknownPlan() Plan {
	return Plan{TotalSize: -1}
}

// ProgressFunc 在每个分片完成后收到已下载字节数与总大小。
type ProgressFunc func(done, total int64)

// Options 控制分片阈值与分片大小。
type Options struct {
	Threshold int64
	ChunkSize int64
	Logger    logrus.FieldLogger
}

// Downloader 负责 HEAD 探测以及整体/分片两种下载路径。
type Downloader struct {
	client    *http.Client
	threshold int64
	chunkSize int64
	logger    logrus.FieldLogger
}

// New 构造下载器，未设置的选项回退到默认值。
func New(client *http.Client, opts Options) *Downloader {
	if client == nil {
		client = NewHTTPClient(nil)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Downloader{
		client:    client,
		threshold: opts.Threshold,
		chunkSize: opts.ChunkSize,
		logger:    logging.OrDiscard(opts.Logger),
	}
}

// Plan 通过 HEAD 推导下载计划。HEAD 失败不会返回错误，而是退化为整体 GET。
func (d *Downloader) Plan(ctx context.Context, url string) Plan {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, http.NoBody)
	if err != nil {
		return unknownPlan()
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"action": "download_plan",
			"url":    url,
		}).Warn("head_failed")
		return unknownPlan()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.WithFields(logrus.Fields{
			"action":          "download_plan",
			"url":             url,
			"upstream_status": resp.StatusCode,
		}).Warn("head_rejected")
		return unknownPlan()
	}

	return planFromHeader(resp.Header)
}

func planFromHeader(header http.Header) Plan {
	plan := unknownPlan()
	if raw := strings.TrimSpace(header.Get("Content-Length")); raw != "" {
		if size, err := strconv.ParseInt(raw, 10, 64); err == nil && size >= 0 {
			plan.TotalSize = size
		}
	}
	plan.SupportsRange = strings.EqualFold(strings.TrimSpace(header.Get("Accept-Ranges")), "bytes")
	plan.Validator = strings.TrimSpace(header.Get("Etag"))
	return plan
}

// Ranged 判断计划是否走分片路径。
func (d *Downloader) Ranged(plan Plan) bool {
	return plan.SupportsRange && plan.TotalSize > d.threshold
}

// ChunkCount 返回分片路径会发出的 Range 请求数。
func (d *Downloader) ChunkCount(plan Plan) int64 {
	if !d.Ranged(plan) {
		return 1
	}
	return (plan.TotalSize + d.chunkSize - 1) / d.chunkSize
}

// Download 按计划下载完整资源。任何分片失败都会放弃整个下载，不返回部分结果。
func (d *Downloader) Download(ctx context.Context, url string, plan Plan, progress ProgressFunc) ([]byte, error) {
	if d.Ranged(plan) {
		return d.downloadRanged(ctx, url, plan, progress)
	}
	return d.downloadWhole(ctx, url, plan, progress)
}

func (d *Downloader) downloadRanged(ctx context.Context, url string, plan Plan, progress ProgressFunc) ([]byte, error) {
	total := plan.TotalSize
	buf := make([]byte, total)

	var done int64
	for start := int64(0); start < total; start += d.chunkSize {
		end := min(start+d.chunkSize-1, total-1)
		n, err := d.fetchRange(ctx, url, start, end, buf[start:end+1])
		if err != nil {
			return nil, err
		}
		done += n
		if progress != nil {
			progress(done, total)
		}
	}

	if done != total {
		return nil, &AssemblyError{URL: url, Expected: total, Got: done}
	}
	return buf, nil
}

// fetchRange 将 [start,end] 写入 dst，返回实际写入字节数。
func (d *Downloader) fetchRange(ctx context.Context, url string, start, end int64, dst []byte) (int64, error) {
	rangeValue := fmt.Sprintf("bytes=%d-%d", start, end)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, &NetworkError{URL: url, Range: rangeValue, Err: err}
	}
	req.Header.Set("Range", rangeValue)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &NetworkError{URL: url, Range: rangeValue, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, &NetworkError{URL: url, Range: rangeValue, Status: resp.Status}
	}

	n, err := io.ReadFull(resp.Body, dst)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return 0, &AssemblyError{URL: url, Expected: end + 1, Got: start + int64(n)}
		}
		return 0, &NetworkError{URL: url, Range: rangeValue, Err: err}
	}

	// 上游忽略 Range 返回 200 时，正文长度必须恰好等于分片长度。
	var probe [1]byte
	if extra, _ := resp.Body.Read(probe[:]); extra > 0 {
		return 0, &AssemblyError{URL: url, Expected: end + 1, Got: end + 1 + int64(extra)}
	}
	return int64(n), nil
}

func (d *Downloader) downloadWhole(ctx context.Context, url string, plan Plan, progress ProgressFunc) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{URL: url, Status: resp.Status}
	}

	var body bytes.Buffer
	if resp.ContentLength > 0 {
		body.Grow(int(resp.ContentLength))
	}
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}

	got := int64(body.Len())
	if plan.TotalSize >= 0 && got != plan.TotalSize {
		return nil, &AssemblyError{URL: url, Expected: plan.TotalSize, Got: got}
	}
	if progress != nil {
		progress(got, got)
	}
	return body.Bytes(), nil
}

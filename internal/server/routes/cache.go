package routes

import (
	"errors"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/cache"
	"github.com/any-hub/modelhub/internal/download"
	"github.com/any-hub/modelhub/internal/server"
)

// RegisterCacheRoutes 暴露 /-/cache 诊断接口：全量统计与过期清理。
func RegisterCacheRoutes(app *fiber.App, svc server.ArtifactService, logger *logrus.Logger) {
	if app == nil || svc == nil {
		return
	}

	app.Get("/-/cache/stats", func(c fiber.Ctx) error {
		stats, err := svc.Stats(server.RequestContext(c))
		if err != nil {
			return renderError(c, logger, "cache_stats", err)
		}
		return c.JSON(encodeStats(stats))
	})

	app.Post("/-/cache/cleanup", func(c fiber.Ctx) error {
		removed, err := svc.CleanupExpired(server.RequestContext(c))
		if err != nil {
			return renderError(c, logger, "cache_cleanup", err)
		}
		return c.JSON(fiber.Map{"removed": removed})
	})
}

type statsPayload struct {
	Count      int                `json:"count"`
	TotalBytes int64              `json:"total_bytes"`
	Entries    []entryStatPayload `json:"entries"`
}

type entryStatPayload struct {
	URL        string `json:"url"`
	Size       int64  `json:"size"`
	AgeSeconds int64  `json:"age_seconds"`
	Validator  string `json:"validator,omitempty"`
	Expired    bool   `json:"expired"`
}

func encodeStats(stats cache.Stats) statsPayload {
	entries := make([]entryStatPayload, 0, len(stats.Entries))
	for _, entry := range stats.Entries {
		entries = append(entries, entryStatPayload{
			URL:        entry.URL,
			Size:       entry.Size,
			AgeSeconds: int64(entry.Age.Seconds()),
			Validator:  entry.Validator,
			Expired:    entry.Expired,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].URL < entries[j].URL
	})
	return statsPayload{
		Count:      stats.Count,
		TotalBytes: stats.TotalBytes,
		Entries:    entries,
	}
}

// renderError 将缓存/下载错误映射为状态码：上游失败 502，存储不可用 503，其余 500。
func renderError(c fiber.Ctx, logger *logrus.Logger, action string, err error) error {
	status := fiber.StatusInternalServerError
	code := "internal_error"

	var netErr *download.NetworkError
	var asmErr *download.AssemblyError
	switch {
	case errors.As(err, &netErr), errors.As(err, &asmErr):
		status = fiber.StatusBadGateway
		code = "upstream_failed"
	case errors.Is(err, cache.ErrStoreUnavailable):
		status = fiber.StatusServiceUnavailable
		code = "store_unavailable"
	}

	if logger != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action":     action,
			"request_id": server.RequestID(c),
			"status":     status,
		}).Error("diagnostics_request_failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"error":  code,
		"detail": err.Error(),
	})
}

package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"xbrl_api/gateway/internal/blob"
	"xbrl_api/gateway/internal/keys"
	"xbrl_api/gateway/internal/monitor"
	"xbrl_api/gateway/internal/plan"
	"xbrl_api/gateway/internal/query"
)

type issueKeyRequest struct {
	Name string `json:"name"`
}

// handleIssueKey creates a new API key for the session user. The
// plaintext key appears in this response and nowhere else.
func (s *Server) handleIssueKey(c *fiber.Ctx) error {
	userID := userFromCtx(c)

	var req issueKeyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
	}

	issued, err := s.keys.Issue(c.Context(), userID, req.Name)
	if err != nil {
		if errors.Is(err, keys.ErrKeyLimitReached) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		s.logger.Error("failed to issue key", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal Server Error",
		})
	}

	s.metrics.KeysIssued.Inc()
	s.monitor.Publish(monitor.Event{
		Topic:  monitor.TopicKeyIssued,
		KeyID:  issued.Record.ID,
		UserID: userID,
	})

	return c.JSON(fiber.Map{
		"id":          issued.Record.ID,
		"api_key":     issued.Key,
		"masked_key":  issued.Masked,
		"name":        issued.Record.Name,
		"expires_at":  issued.Record.ExpiresAt,
		"rate_limits": issued.RateLimits(),
	})
}

// handleListKeys returns the session user's keys in masked form.
func (s *Server) handleListKeys(c *fiber.Ctx) error {
	userID := userFromCtx(c)

	list, err := s.keys.List(c.Context(), userID)
	if err != nil {
		s.logger.Error("failed to list keys", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal Server Error",
		})
	}

	out := make([]fiber.Map, 0, len(list))
	for _, k := range list {
		out = append(out, fiber.Map{
			"id":           k.ID,
			"masked_key":   k.MaskedKey(),
			"name":         k.Name,
			"status":       k.Status,
			"expires_at":   k.ExpiresAt,
			"last_used_at": k.LastUsedAt,
			"created_at":   k.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"keys": out})
}

// handleRevokeKey deactivates one of the session user's keys.
func (s *Server) handleRevokeKey(c *fiber.Ctx) error {
	userID := userFromCtx(c)
	keyID := c.Params("id")

	if err := s.keys.Revoke(c.Context(), userID, keyID); err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "api key not found",
			})
		}
		s.logger.Error("failed to revoke key", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal Server Error",
		})
	}

	// Drop any cached auth context so the key stops working immediately.
	if key, err := s.keys.Get(c.Context(), keyID); err == nil {
		s.auth.Invalidate(c.Context(), key.KeyHash)
	}

	s.metrics.KeysRevoked.Inc()
	s.monitor.Publish(monitor.Event{
		Topic:  monitor.TopicKeyRevoked,
		KeyID:  keyID,
		UserID: userID,
	})

	return c.JSON(fiber.Map{"revoked": keyID})
}

// handleSearchCompanies answers GET /v1/companies?q=&limit=.
func (s *Server) handleSearchCompanies(c *fiber.Ctx) error {
	q := c.Query("q")
	if q == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "q is required",
		})
	}
	limit := c.QueryInt("limit", 0)

	rows, err := s.query.SearchCompanies(c.Context(), q, limit)
	if err != nil {
		s.metrics.RecordQuery("companies", "error", 0)
		s.logger.Error("company search failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal Server Error",
		})
	}

	s.metrics.RecordQuery("companies", "ok", len(rows))
	return c.JSON(fiber.Map{
		"data":  rows,
		"count": len(rows),
		"plan":  authFromCtx(c).Plan,
	})
}

// handleQuery answers POST /v1/query.
func (s *Server) handleQuery(c *fiber.Ctx) error {
	var req query.Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	rows, err := s.query.Run(c.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, query.ErrTableNotAllowed):
			s.metrics.RecordQuery(req.Table, "rejected", 0)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "table is not queryable",
			})
		case errors.Is(err, query.ErrBadSelect), errors.Is(err, query.ErrBadFilter):
			s.metrics.RecordQuery(req.Table, "rejected", 0)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		default:
			s.metrics.RecordQuery(req.Table, "error", 0)
			s.logger.Error("query failed", zap.String("table", req.Table), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Internal Server Error",
			})
		}
	}

	s.metrics.RecordQuery(req.Table, "ok", len(rows))
	return c.JSON(fiber.Map{
		"data":  rows,
		"count": len(rows),
		"plan":  authFromCtx(c).Plan,
	})
}

// handleStorage answers GET /v1/storage?path=&max_bytes=. The response
// is capped by the caller's plan.
func (s *Server) handleStorage(c *fiber.Ctx) error {
	path := c.Query("path")
	if path == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "path is required",
		})
	}
	maxBytes := int64(c.QueryInt("max_bytes", 0))

	authCtx := authFromCtx(c)
	planCap := plan.LimitsFor(authCtx.Plan).MaxStorageBytes

	res, err := s.blobs.Read(c.Context(), path, maxBytes, planCap)
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrNotFound):
			s.metrics.RecordStorageRead("miss", 0)
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "file not found",
			})
		case errors.Is(err, blob.ErrBadPath):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid path",
			})
		default:
			s.metrics.RecordStorageRead("error", 0)
			s.logger.Error("storage read failed", zap.String("path", path), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Internal Server Error",
			})
		}
	}

	outcome := "ok"
	if res.Truncated {
		outcome = "truncated"
	}
	s.metrics.RecordStorageRead(outcome, int64(len(res.Content)))

	return c.JSON(fiber.Map{
		"path":      res.Path,
		"content":   string(res.Content),
		"size":      res.Size,
		"truncated": res.Truncated,
		"metadata":  res.Metadata,
		"plan":      authCtx.Plan,
	})
}

// handleUsage returns the calling key's owner usage rollup for today.
func (s *Server) handleUsage(c *fiber.Ctx) error {
	authCtx := authFromCtx(c)

	totals, err := s.usage.GetDailyTotals(c.Context(), authCtx.UserID, time.Now().UTC())
	if err != nil {
		s.logger.Error("failed to load usage totals", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal Server Error",
		})
	}

	return c.JSON(fiber.Map{"usage": totals})
}

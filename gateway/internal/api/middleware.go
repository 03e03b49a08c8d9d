package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"xbrl_api/gateway/internal/auth"
	"xbrl_api/gateway/internal/models"
	"xbrl_api/gateway/internal/monitor"
	"xbrl_api/gateway/internal/ratelimit"
)

// sessionMiddleware authenticates the key-management endpoints with a
// bearer session token (HS256, sub = user id).
func (s *Server) sessionMiddleware(c *fiber.Ctx) error {
	header := c.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "session token is required",
		})
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Keys.SessionSecret), nil
	})
	if err != nil || !token.Valid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid session token",
		})
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid session token",
		})
	}

	c.Locals("user_id", sub)
	return c.Next()
}

// authMiddleware validates the API key, applies rate limits, and records
// usage for the request.
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	apiKey := c.Get("X-API-Key")
	if apiKey == "" {
		if header := c.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			apiKey = strings.TrimPrefix(header, "Bearer ")
		}
	}

	authCtx, err := s.auth.Authenticate(c.Context(), apiKey)
	if err != nil {
		// Only an absent key is 401; a presented key that fails for any
		// reason is 403.
		status := fiber.StatusForbidden
		reason := "invalid"
		switch {
		case errors.Is(err, auth.ErrMissingKey):
			status = fiber.StatusUnauthorized
			reason = "missing"
		case errors.Is(err, auth.ErrRevokedKey):
			reason = "revoked"
		case errors.Is(err, auth.ErrExpiredKey):
			reason = "expired"
		case errors.Is(err, auth.ErrInvalidKey):
		default:
			s.logger.Error("authentication failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Internal Server Error",
			})
		}

		s.metrics.RecordAuthFailure(reason)
		s.monitor.Publish(monitor.Event{
			Topic:    monitor.TopicAuthDenied,
			Endpoint: c.Path(),
			Detail:   reason,
		})
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	s.metrics.RecordAuthSuccess()

	c.Set("X-Plan", authCtx.Plan)

	res, err := s.limiter.Check(c.Context(), authCtx.KeyID, authCtx.Limits)
	if err != nil {
		if !s.cfg.Rate.FailOpen {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Internal Server Error",
			})
		}
		s.logger.Warn("rate limiter unavailable, admitting request", zap.Error(err))
		res = &ratelimit.Result{Allowed: true, Skipped: true, Limits: authCtx.Limits}
	}

	setRateLimitHeaders(c, res)

	if !res.Allowed {
		s.metrics.RecordRateLimitHit(res.ExceededWindow)
		s.monitor.Publish(monitor.Event{
			Topic:    monitor.TopicRateLimited,
			KeyID:    authCtx.KeyID,
			UserID:   authCtx.UserID,
			Endpoint: c.Path(),
			Detail:   res.ExceededWindow,
		})
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "Too Many Requests (per-" + res.ExceededWindow + ")",
		})
	}
	if res.Skipped {
		s.metrics.RateLimitSkips.Inc()
	}

	c.Locals("auth", authCtx)

	s.metrics.RequestsInFlight.Inc()
	start := time.Now()
	err = c.Next()
	s.metrics.RequestsInFlight.Dec()

	elapsed := time.Since(start)
	status := c.Response().StatusCode()
	if err != nil {
		if ferr, ok := err.(*fiber.Error); ok {
			status = ferr.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}

	s.metrics.RecordRequest(c.Method(), c.Route().Path, status, elapsed.Seconds())
	recorded := s.usage.Record(models.UsageEvent{
		KeyID:      authCtx.KeyID,
		UserID:     authCtx.UserID,
		Endpoint:   c.Route().Path,
		Method:     c.Method(),
		StatusCode: status,
		Bytes:      int64(len(c.Response().Body())),
		LatencyMS:  elapsed.Milliseconds(),
	})
	if !recorded {
		s.metrics.UsageEventsDropped.Inc()
	}
	s.monitor.Publish(monitor.Event{
		Topic:    monitor.TopicRequest,
		KeyID:    authCtx.KeyID,
		UserID:   authCtx.UserID,
		Endpoint: c.Route().Path,
		Detail:   strconv.Itoa(status),
	})

	return err
}

func setRateLimitHeaders(c *fiber.Ctx, res *ratelimit.Result) {
	if res.Skipped {
		return
	}
	c.Set("X-RateLimit-Limit-Minute", strconv.FormatInt(res.Limits.PerMinute, 10))
	c.Set("X-RateLimit-Remaining-Minute", strconv.FormatInt(res.Remaining.PerMinute, 10))
	c.Set("X-RateLimit-Limit-Hour", strconv.FormatInt(res.Limits.PerHour, 10))
	c.Set("X-RateLimit-Remaining-Hour", strconv.FormatInt(res.Remaining.PerHour, 10))
	c.Set("X-RateLimit-Limit-Day", strconv.FormatInt(res.Limits.PerDay, 10))
	c.Set("X-RateLimit-Remaining-Day", strconv.FormatInt(res.Remaining.PerDay, 10))
}

// authFromCtx returns the auth context stored by authMiddleware.
func authFromCtx(c *fiber.Ctx) *models.AuthContext {
	authCtx, _ := c.Locals("auth").(*models.AuthContext)
	return authCtx
}

// userFromCtx returns the session user stored by sessionMiddleware.
func userFromCtx(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

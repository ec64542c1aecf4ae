// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package admission

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dossierlabs/dossier/services/inference/observability"
)

// Middleware returns a gin handler that runs the admission checks before
// the request handler and releases the concurrency slot after it. The
// caller key is the client IP; denials answer 429 (limits, budget) or
// 503 (saturation) with Retry-After and X-RateLimit-Remaining headers.
func Middleware(ctrl *Controller, metrics *observability.PoolMetrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		callerKey := c.ClientIP()

		decision := ctrl.Check(c.Request.Context(), callerKey)
		if !decision.Allowed {
			metrics.RecordRejection(decision.Reason)
			logger.Warn("request rejected",
				"caller", callerKey,
				"reason", decision.Reason,
				"path", c.Request.URL.Path,
			)

			if decision.RetryAfter > 0 {
				seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			setRemainingHeaders(c, decision)

			status := http.StatusTooManyRequests
			if decision.Reason == ReasonServerBusy || decision.Reason == ReasonTimeout {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":  decision.Detail,
				"reason": decision.Reason,
			})
			return
		}

		setRemainingHeaders(c, decision)
		defer ctrl.Release()
		c.Next()
	}
}

func setRemainingHeaders(c *gin.Context, d Decision) {
	if d.RemainingHourly > 0 || d.Allowed {
		c.Header("X-RateLimit-Remaining-Hourly", strconv.Itoa(max(d.RemainingHourly, 0)))
	}
	if d.RemainingDaily > 0 || d.Allowed {
		c.Header("X-RateLimit-Remaining-Daily", strconv.Itoa(max(d.RemainingDaily, 0)))
	}
}

// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package admission

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(ctrl *Controller) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	router := gin.New()
	router.Use(Middleware(ctrl, nil, logger))
	router.GET("/probe", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestMiddlewareAdmits(t *testing.T) {
	ctrl := NewController(Config{HourlyPerCaller: 5, DailyGlobal: 10}, nil)
	router := newTestRouter(ctrl)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining-Hourly"))
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining-Daily"))

	// The middleware released its slot after the handler returned.
	assert.Equal(t, 0, ctrl.InFlight())
}

func TestMiddlewareRateLimits(t *testing.T) {
	ctrl := NewController(Config{HourlyPerCaller: 1}, nil)
	router := newTestRouter(ctrl)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ReasonRateLimited, body["reason"])
	assert.Contains(t, body["error"], "hourly limit")
}

func TestMiddlewareBudgetDenial(t *testing.T) {
	ctrl := NewController(Config{}, fakeBudget{allowed: false, detail: "daily budget of $5.00 exhausted"})
	router := newTestRouter(ctrl)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ReasonBudget, body["reason"])
	assert.Contains(t, body["error"], "budget")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianComposer/pkg/extensions"
	"github.com/AleutianAI/AleutianComposer/services/composer/handlers"
	"github.com/AleutianAI/AleutianComposer/services/composer/middleware"
	"github.com/AleutianAI/AleutianComposer/services/composer/services"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the routes.
//
//   - Version: Reported by /health.
//   - Extensions: Auth, audit and message filter. Nil fields are no-ops.
//   - RateLimiter: Applied to /v1. Nil disables rate limiting.
//   - Backends: Checked by /health.
//   - Breakers: Circuit breaker states reported by /health.
//   - Chat: Heartbeat and upload limits for chat streams.
type Options struct {
	Version     string
	Extensions  extensions.ServiceOptions
	RateLimiter *middleware.RateLimiter
	Backends    map[string]handlers.Pinger
	Breakers    map[string]handlers.BreakerReporter
	Chat        handlers.ChatHandlerConfig
}

// SetupRoutes registers the composer API on router.
//
// /health and /metrics are public. Everything under /v1 goes through the
// auth middleware and then the rate limiter, so limits are keyed by user
// when the caller is authenticated.
func SetupRoutes(router *gin.Engine, svc *services.ChatBotService, opts Options) {
	ext := opts.Extensions.Normalize()
	chat := handlers.NewChatHandler(svc, ext, opts.Chat)

	router.GET("/health", handlers.Health(opts.Version, opts.Backends, opts.Breakers))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(ext.AuthProvider, ext.AuditLogger))
	v1.Use(opts.RateLimiter.Middleware())
	{
		assistants := v1.Group("/assistants")
		{
			assistants.GET("", handlers.ListAssistants(svc.Repository()))
			assistants.GET("/:id", handlers.GetAssistant(svc.Repository()))
			assistants.POST("/chat/stream", chat.HandleAssistantChatStream)
			assistants.POST("/chat/documents/stream", chat.HandleDocumentsChatStream)
			assistants.GET("/chat/ws", chat.HandleWebSocket)
		}
		v1.POST("/chat/stream", chat.HandleChatStream)
	}
}

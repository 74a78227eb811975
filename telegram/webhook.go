// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package telegram holds the chat transport adapters: the inbound
// webhook decoder and the outbound message sender.
package telegram

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
)

// Update is the inbound webhook envelope. Unknown fields are ignored.
type Update struct {
	Message *Message `json:"message"`
}

type Message struct {
	Chat Chat   `json:"chat"`
	Text string `json:"text"`
}

type Chat struct {
	ID int64 `json:"id"`
}

// MessageHandler consumes decoded chat messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, chatID, text string)
}

// HealthFunc probes the server's dependencies.
type HealthFunc func(ctx context.Context) error

// NewRouter builds the HTTP surface: the webhook endpoint and a health
// probe. The webhook always answers 200 {"ok":true}; non-text updates
// are acknowledged and ignored.
//
// Messages are handled synchronously before the acknowledgement so the
// transport's per-chat delivery order carries through to the session
// layer. The request context is not propagated: inbound events run to
// completion regardless of the caller disconnecting.
func NewRouter(handler MessageHandler, health HealthFunc, logger hclog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	log := logger.Named("webhook")

	router.POST("/telegram/webhook", func(c *gin.Context) {
		var update Update
		if err := c.ShouldBindJSON(&update); err != nil {
			log.Debug("undecodable update ignored", "error", err)
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		if update.Message == nil || update.Message.Text == "" {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}

		chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
		handler.HandleMessage(context.Background(), chatID, update.Message.Text)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/healthz", func(c *gin.Context) {
		if health != nil {
			if err := health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	return router
}

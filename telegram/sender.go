// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

const sendTimeout = 10 * time.Second

// Sender delivers messages through the bot API. Failures surface as
// errors for the caller to log; they never block state transitions.
type Sender struct {
	client *resty.Client
	logger hclog.Logger
}

// NewSender builds a sender for the given bot token. baseURL overrides
// the API host for tests; pass "" for the real endpoint.
func NewSender(token, baseURL string, logger hclog.Logger) *Sender {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	client := resty.NewWithClient(cleanhttp.DefaultPooledClient()).
		SetBaseURL(fmt.Sprintf("%s/bot%s", baseURL, token)).
		SetTimeout(sendTimeout)

	return &Sender{client: client, logger: logger.Named("sender")}
}

// Send posts one text message to a chat.
func (s *Sender) Send(ctx context.Context, chatID, text string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": chatID, "text": text}).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

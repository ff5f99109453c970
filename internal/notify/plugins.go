// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/GoogleCloudPlatform/amon/internal/config"
)

func newOutboundClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// drainAndClose discards the rest of a response body so the connection
// can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// email delivers over SMTP. It accepts the "email" attribute and any
// attribute ending in "email" (e.g. "alternateemail").
type email struct {
	name string
	host string
	from string
}

func newEmail(cfg config.PluginConfig) (*email, error) {
	if cfg.Config["host"] == "" {
		return nil, fmt.Errorf("notification %q: email requires a host", cfg.Name)
	}
	if cfg.Config["from"] == "" {
		return nil, fmt.Errorf("notification %q: email requires a from address", cfg.Name)
	}
	return &email{name: cfg.Name, host: cfg.Config["host"], from: cfg.Config["from"]}, nil
}

func (p *email) Name() string { return p.name }

func (p *email) AcceptsMedium(attrName string) bool {
	return strings.HasSuffix(strings.ToLower(attrName), "email")
}

func (p *email) Notify(_ context.Context, probeName, address, message string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [Amon] %s\r\n\r\n%s\r\n",
		p.from, address, probeName, message)
	if err := smtp.SendMail(p.host, nil, p.from, []string{address}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", address, err)
	}
	return nil
}

// sms posts to an SMS gateway. It accepts "phone" and "sms" attributes.
type sms struct {
	name   string
	url    string
	token  string
	client *http.Client
}

func newSMS(cfg config.PluginConfig) (*sms, error) {
	if cfg.Config["url"] == "" {
		return nil, fmt.Errorf("notification %q: sms requires a gateway url", cfg.Name)
	}
	return &sms{
		name:   cfg.Name,
		url:    cfg.Config["url"],
		token:  cfg.Config["token"],
		client: newOutboundClient(),
	}, nil
}

func (p *sms) Name() string { return p.name }

func (p *sms) AcceptsMedium(attrName string) bool {
	n := strings.ToLower(attrName)
	return n == "phone" || n == "sms" || strings.HasSuffix(n, "phonenumber")
}

func (p *sms) Notify(ctx context.Context, probeName, address, message string) error {
	body, err := json.Marshal(map[string]string{
		"to":   address,
		"body": fmt.Sprintf("[Amon] %s: %s", probeName, message),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sms gateway returned %s", resp.Status)
	}
	return nil
}

// webhook posts the notification as JSON to the contact's URL. The
// address is the URL.
type webhook struct {
	name   string
	client *http.Client
}

func newWebhook(cfg config.PluginConfig) (*webhook, error) {
	return &webhook{name: cfg.Name, client: newOutboundClient()}, nil
}

func (p *webhook) Name() string { return p.name }

func (p *webhook) AcceptsMedium(attrName string) bool {
	n := strings.ToLower(attrName)
	return n == "webhook" || strings.HasSuffix(n, "webhookurl")
}

func (p *webhook) Notify(ctx context.Context, probeName, address, message string) error {
	body, err := json.Marshal(map[string]string{
		"probe":   probeName,
		"message": message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", address, err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s returned %s", address, resp.Status)
	}
	return nil
}

// slackPlugin delivers to a Slack incoming webhook. The address is the
// webhook URL stored on the user record.
type slackPlugin struct {
	name string
}

func newSlack(cfg config.PluginConfig) (*slackPlugin, error) {
	return &slackPlugin{name: cfg.Name}, nil
}

func (p *slackPlugin) Name() string { return p.name }

func (p *slackPlugin) AcceptsMedium(attrName string) bool {
	return strings.ToLower(attrName) == "slack"
}

func (p *slackPlugin) Notify(ctx context.Context, probeName, address, message string) error {
	err := slack.PostWebhookContext(ctx, address, &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*: %s", probeName, message),
	})
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

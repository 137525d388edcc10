// Package telegrambot is a thin wrapper around the Telegram Bot API's file
// download and sendMessage endpoints — the only two operations the
// telegram_ingest and deliver stage handlers need. No Telegram SDK appears in
// any retrieval-pack go.mod, so this follows pkg/notion.Client's pattern of a
// small interface over net/http rather than reaching for an unpack-grounded
// dependency.
package telegrambot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Telegram Bot API operations used by the pipeline.
type Client interface {
	// DownloadFile resolves fileID to its download path via getFile, then
	// fetches the bytes.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	// SendMessage posts text to chatID via sendMessage, returning the
	// message_id Telegram assigned.
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
}

type botClient struct {
	botToken string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*botClient)

// WithRateLimit overrides the default Bot API rate limit (30 req/s, the
// documented global ceiling for one bot).
func WithRateLimit(rps float64) ClientOption {
	return func(c *botClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithHTTPClient overrides the underlying *http.Client, e.g. in tests
// against an httptest.Server.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *botClient) { c.http = h }
}

// NewClient creates a Client for the given bot token. baseURL defaults to
// Telegram's production API host; pass TelegramConfig.BaseURL to point at a
// test double.
func NewClient(botToken, baseURL string, opts ...ClientOption) Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	c := &botClient{
		botToken: botToken,
		baseURL:  baseURL,
		http:     http.DefaultClient,
		limiter:  rate.NewLimiter(30, 30),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *botClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

type getFileResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		FilePath string `json:"file_path"`
	} `json:"result"`
}

func (c *botClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "telegrambot: rate limit")
	}

	getFileURL := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", c.baseURL, c.botToken, url.QueryEscape(fileID))
	var meta getFileResponse
	if err := c.getJSON(ctx, getFileURL, &meta); err != nil {
		return nil, eris.Wrap(err, "telegrambot: get file metadata")
	}
	if !meta.OK || meta.Result.FilePath == "" {
		return nil, eris.New("telegrambot: getFile returned no file_path")
	}

	downloadURL := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.botToken, meta.Result.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "telegrambot: build download request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "telegrambot: download file")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.New(fmt.Sprintf("telegrambot: download file: unexpected status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "telegrambot: read file body")
	}
	return data, nil
}

type sendMessageResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (c *botClient) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, eris.Wrap(err, "telegrambot: rate limit")
	}

	body, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return 0, eris.Wrap(err, "telegrambot: marshal sendMessage body")
	}

	sendURL := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(body))
	if err != nil {
		return 0, eris.Wrap(err, "telegrambot: build sendMessage request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "telegrambot: send message")
	}
	defer resp.Body.Close() //nolint:errcheck

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, eris.Wrap(err, "telegrambot: decode sendMessage response")
	}
	if !out.OK {
		return 0, eris.New(fmt.Sprintf("telegrambot: sendMessage rejected, status %d", resp.StatusCode))
	}
	return out.Result.MessageID, nil
}

func (c *botClient) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return json.NewDecoder(resp.Body).Decode(out)
}

// Package notify delivers alerts to people: a Telegram bot with an
// interactive command set, and an MQTT topic for machines.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	// DefaultTelegramURL is the Bot API endpoint.
	DefaultTelegramURL = "https://api.telegram.org"

	requestTimeout = 10 * time.Second
	uploadTimeout  = 15 * time.Second
	pollSlack      = 5 * time.Second
)

// Chat identifies a Telegram conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is the subset of a Telegram message the bot reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// CallbackQuery is an inline button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

// Update is one entry returned by getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// InlineButton is one button of an inline keyboard.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// InlineKeyboard is reply_markup for inline buttons.
type InlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// Telegram is a minimal Bot API client.
type Telegram struct {
	client *resty.Client
	logger *zap.Logger
}

// NewTelegram returns a client for the bot identified by token. baseURL
// defaults to DefaultTelegramURL.
func NewTelegram(baseURL, token string, logger *zap.Logger) *Telegram {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// No client-wide timeout: long polling needs a longer one than the
	// other calls, so every request carries its own deadline.
	client := resty.New().
		SetBaseURL(baseURL+"/bot"+token).
		SetHeader("Accept", "application/json")

	return &Telegram{client: client, logger: logger.Named("telegram")}
}

func (t *Telegram) do(ctx context.Context, req *resty.Request, method, path string, out any) error {
	var api apiResponse
	resp, err := req.SetContext(ctx).SetResult(&api).SetError(&api).Execute(method, path)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", path, err)
	}
	if !api.OK {
		return fmt.Errorf("telegram %s: status %d: %s", path, resp.StatusCode(), api.Description)
	}
	if out != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", path, err)
		}
	}
	return nil
}

func (t *Telegram) call(ctx context.Context, method string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req := t.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	return t.do(ctx, req, resty.MethodPost, "/"+method, out)
}

func (t *Telegram) upload(ctx context.Context, method, field, filename string, data []byte, form map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	req := t.client.R().
		SetFileReader(field, filename, bytes.NewReader(data)).
		SetFormData(form)
	return t.do(ctx, req, resty.MethodPost, "/"+method, nil)
}

// SendMessage sends a Markdown text message.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboard) error {
	body := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	if markup != nil {
		body["reply_markup"] = markup
	}
	return t.call(ctx, "sendMessage", body, nil)
}

// SendPhoto uploads a JPEG with a Markdown caption.
func (t *Telegram) SendPhoto(ctx context.Context, chatID int64, jpeg []byte, caption string) error {
	return t.upload(ctx, "sendPhoto", "photo", "snapshot.jpg", jpeg, map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"caption":    caption,
		"parse_mode": "Markdown",
	})
}

// SendAnimation uploads a GIF with a Markdown caption.
func (t *Telegram) SendAnimation(ctx context.Context, chatID int64, gif []byte, caption string) error {
	return t.upload(ctx, "sendAnimation", "animation", "clip.gif", gif, map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"caption":    caption,
		"parse_mode": "Markdown",
	})
}

// SendLocation sends a map pin.
func (t *Telegram) SendLocation(ctx context.Context, chatID int64, lat, lon float64) error {
	return t.call(ctx, "sendLocation", map[string]any{
		"chat_id":   chatID,
		"latitude":  lat,
		"longitude": lon,
	}, nil)
}

// AnswerCallback acknowledges an inline button press.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return t.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}

// GetUpdates long-polls for updates at or after offset. An offset of -1
// returns only the latest pending update.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, limit int, wait time.Duration) ([]Update, error) {
	ctx, cancel := context.WithTimeout(ctx, wait+pollSlack)
	defer cancel()

	req := t.client.R().SetQueryParams(map[string]string{
		"offset":  strconv.FormatInt(offset, 10),
		"timeout": strconv.Itoa(int(wait.Seconds())),
	})
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	var updates []Update
	if err := t.do(ctx, req, resty.MethodGet, "/getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

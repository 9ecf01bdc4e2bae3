// Package telegram implements the subset of the Telegram Bot API that
// courier needs: long-polling for updates, sending and editing HTML
// messages, and registering bot commands.
//
// Every call deliberately swallows failures. The bot loop must survive
// network blips, Telegram outages, and malformed responses; a failed call
// is logged through the debug logger and reported as a nil result (or
// false), never as an error that could tear down the dispatcher.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agusx1211/courier/internal/debug"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	// maxPollSeconds caps the long-poll duration passed to getUpdates so
	// that the HTTP client timeout below always outlasts the server hold.
	maxPollSeconds = 50
)

// defaultHTTPClient is sized so a full-length long poll plus transfer time
// never trips the client timeout.
var defaultHTTPClient = &http.Client{Timeout: (maxPollSeconds + 15) * time.Second}

// User is a Telegram account, bot or human.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// ForumTopicCreated is the service payload announcing a new forum topic.
type ForumTopicCreated struct {
	Name string `json:"name"`
}

// Message is an incoming or sent Telegram message. Only the fields courier
// reads are mapped.
type Message struct {
	MessageID    int                `json:"message_id"`
	From         *User              `json:"from,omitempty"`
	Chat         Chat               `json:"chat"`
	Date         int64              `json:"date,omitempty"`
	TopicID      int                `json:"message_thread_id,omitempty"`
	IsTopic      bool               `json:"is_topic_message,omitempty"`
	Text         string             `json:"text,omitempty"`
	ReplyTo      *Message           `json:"reply_to_message,omitempty"`
	TopicCreated *ForumTopicCreated `json:"forum_topic_created,omitempty"`
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
}

// BotCommand is a command shown in the Telegram client's command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// SendOptions carry the optional knobs for SendMessage.
type SendOptions struct {
	// ReplyTo makes the message a reply to the given message_id.
	ReplyTo int
	// TopicID targets a forum topic (message_thread_id).
	TopicID int
	// Silent delivers the message without a notification sound.
	Silent bool
	// ParseMode is "HTML" for formatted messages, empty for plain text.
	ParseMode string
}

// Client talks to the Telegram Bot API for a single bot token.
//
// The zero value is not usable; Token must be set. BaseURL and HTTPClient
// exist so tests can point the client at a local server.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for the given bot token.
func NewClient(token string) *Client {
	return &Client{Token: token}
}

// apiResponse is the envelope every Bot API method responds with.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

func (c *Client) methodURL(method string) string {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(base, "/"), c.Token, method)
}

// call posts a JSON payload to a Bot API method and decodes result into out
// (when out is non-nil). It returns false on any failure: transport errors,
// undecodable bodies, and ok:false responses alike. Failures are logged,
// never propagated.
func (c *Client) call(ctx context.Context, method string, payload any, out any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		debug.LogKV("telegram", "marshal payload failed", "method", method, "err", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		debug.LogKV("telegram", "build request failed", "method", method, "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		debug.LogKV("telegram", "request failed", "method", method, "err", err)
		return false
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		debug.LogKV("telegram", "undecodable response", "method", method, "status", resp.StatusCode, "err", err)
		return false
	}
	if !envelope.OK {
		debug.LogKV("telegram", "api error", "method", method, "code", envelope.ErrorCode, "description", envelope.Description)
		return false
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			debug.LogKV("telegram", "undecodable result", "method", method, "err", err)
			return false
		}
	}
	return true
}

// GetMe returns the bot's own account, or nil if the call failed.
func (c *Client) GetMe(ctx context.Context) *User {
	var me User
	if !c.call(ctx, "getMe", struct{}{}, &me) {
		return nil
	}
	return &me
}

// GetUpdates long-polls for updates after offset. timeout is clamped to the
// client's poll ceiling. A failed call returns nil; the caller just polls
// again.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration, allowed []string) []Update {
	seconds := int(timeout / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxPollSeconds {
		seconds = maxPollSeconds
	}
	payload := struct {
		Offset         int64    `json:"offset,omitempty"`
		Timeout        int      `json:"timeout,omitempty"`
		AllowedUpdates []string `json:"allowed_updates,omitempty"`
	}{Offset: offset, Timeout: seconds, AllowedUpdates: allowed}

	var updates []Update
	if !c.call(ctx, "getUpdates", payload, &updates) {
		return nil
	}
	return updates
}

// SendMessage sends text to a chat and returns the sent message, or nil if
// the send failed.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) *Message {
	if opts == nil {
		opts = &SendOptions{}
	}
	payload := struct {
		ChatID              int64  `json:"chat_id"`
		Text                string `json:"text"`
		ReplyToMessageID    int    `json:"reply_to_message_id,omitempty"`
		MessageThreadID     int    `json:"message_thread_id,omitempty"`
		DisableNotification bool   `json:"disable_notification,omitempty"`
		ParseMode           string `json:"parse_mode,omitempty"`
	}{
		ChatID:              chatID,
		Text:                text,
		ReplyToMessageID:    opts.ReplyTo,
		MessageThreadID:     opts.TopicID,
		DisableNotification: opts.Silent,
		ParseMode:           opts.ParseMode,
	}

	var msg Message
	if !c.call(ctx, "sendMessage", payload, &msg) {
		return nil
	}
	return &msg
}

// EditMessageText replaces the text of a previously sent message. Returns
// the edited message, or nil if the edit failed (including the harmless
// "message is not modified" rejection).
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text, parseMode string) *Message {
	payload := struct {
		ChatID    int64  `json:"chat_id"`
		MessageID int    `json:"message_id"`
		Text      string `json:"text"`
		ParseMode string `json:"parse_mode,omitempty"`
	}{ChatID: chatID, MessageID: messageID, Text: text, ParseMode: parseMode}

	var msg Message
	if !c.call(ctx, "editMessageText", payload, &msg) {
		return nil
	}
	return &msg
}

// DeleteMessage removes a message the bot sent. Returns false on failure.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) bool {
	payload := struct {
		ChatID    int64 `json:"chat_id"`
		MessageID int   `json:"message_id"`
	}{ChatID: chatID, MessageID: messageID}
	return c.call(ctx, "deleteMessage", payload, nil)
}

// SetMyCommands registers the bot's command menu. Returns false on failure.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) bool {
	payload := struct {
		Commands []BotCommand `json:"commands"`
	}{Commands: commands}
	return c.call(ctx, "setMyCommands", payload, nil)
}

// ABOUTME: REST client for the Zulip server API
// ABOUTME: HTTP Basic auth, form-encoded bodies, envelope decoding on every call

package zulip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrQueueInvalid is returned when the server no longer knows the event
// queue (expired or restarted). Callers re-register and resume.
var ErrQueueInvalid = errors.New("event queue invalid")

const (
	requestTimeout = 30 * time.Second
	// Long polls are held open server-side; give them well past the
	// server's own 90s hold.
	longPollTimeout = 2 * time.Minute
)

// APIError is a Zulip API-level failure (the envelope said result=error).
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("zulip: %s (%s)", e.Msg, e.Code)
	}
	return "zulip: " + e.Msg
}

// Client talks to one Zulip organization as its bot user.
type Client struct {
	site   string
	email  string
	apiKey string

	http     *http.Client
	longPoll *http.Client
	logger   *slog.Logger
}

// NewClient builds a client for the given site using the bot's email and
// API key.
func NewClient(site, email, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		site:     strings.TrimSuffix(site, "/"),
		email:    email,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: requestTimeout},
		longPoll: &http.Client{Timeout: longPollTimeout},
		logger:   logger.With("component", "zulip-client"),
	}
}

// Site returns the organization's base URL.
func (c *Client) Site() string { return c.site }

// Email returns the bot account's email.
func (c *Client) Email() string { return c.email }

// envelope is the common wrapper on every Zulip response.
type envelope struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code"`
}

// do issues one request and decodes the body into out (when non-nil) after
// checking the envelope.
func (c *Client) do(ctx context.Context, client *http.Client, method, path string, form url.Values, out any) error {
	endpoint := c.site + "/api/v1/" + path

	var body io.Reader
	if form != nil && method != http.MethodGet {
		body = strings.NewReader(form.Encode())
	} else if form != nil {
		endpoint += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.SetBasicAuth(c.email, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s %s response: %w", method, path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding %s %s envelope (status %d): %w", method, path, resp.StatusCode, err)
	}
	if env.Result != "success" {
		if env.Code == "BAD_EVENT_QUEUE_ID" {
			return fmt.Errorf("%s %s: %w: %s", method, path, ErrQueueInvalid, env.Msg)
		}
		return fmt.Errorf("%s %s: %w", method, path, &APIError{Code: env.Code, Msg: env.Msg})
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding %s %s body: %w", method, path, err)
		}
	}
	return nil
}

// SendStreamMessage posts a message to a stream topic and returns the new
// message id. A fresh UUID local_id lets the server deduplicate retries.
func (c *Client) SendStreamMessage(ctx context.Context, streamID int64, topic, content string) (int64, error) {
	form := url.Values{
		"type":     {"stream"},
		"to":       {strconv.FormatInt(streamID, 10)},
		"topic":    {topic},
		"content":  {content},
		"local_id": {uuid.NewString()},
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, c.http, http.MethodPost, "messages", form, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// SendPrivateMessage posts a direct message to the given user ids.
func (c *Client) SendPrivateMessage(ctx context.Context, userIDs []int64, content string) (int64, error) {
	to := make([]string, len(userIDs))
	for i, id := range userIDs {
		to[i] = strconv.FormatInt(id, 10)
	}
	form := url.Values{
		"type":     {"private"},
		"to":       {"[" + strings.Join(to, ",") + "]"},
		"content":  {content},
		"local_id": {uuid.NewString()},
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, c.http, http.MethodPost, "messages", form, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// EditMessage replaces the content of an existing message.
func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) error {
	form := url.Values{"content": {content}}
	return c.do(ctx, c.http, http.MethodPatch, "messages/"+strconv.FormatInt(messageID, 10), form, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.do(ctx, c.http, http.MethodDelete, "messages/"+strconv.FormatInt(messageID, 10), nil, nil)
}

// AddReaction adds an emoji reaction as the bot.
func (c *Client) AddReaction(ctx context.Context, messageID int64, emojiName, emojiCode string) error {
	form := url.Values{"emoji_name": {emojiName}}
	if emojiCode != "" {
		form.Set("emoji_code", emojiCode)
		form.Set("reaction_type", "unicode_emoji")
	}
	return c.do(ctx, c.http, http.MethodPost,
		"messages/"+strconv.FormatInt(messageID, 10)+"/reactions", form, nil)
}

// RemoveReaction removes the bot's emoji reaction.
func (c *Client) RemoveReaction(ctx context.Context, messageID int64, emojiName, emojiCode string) error {
	form := url.Values{"emoji_name": {emojiName}}
	if emojiCode != "" {
		form.Set("emoji_code", emojiCode)
		form.Set("reaction_type", "unicode_emoji")
	}
	return c.do(ctx, c.http, http.MethodDelete,
		"messages/"+strconv.FormatInt(messageID, 10)+"/reactions", form, nil)
}

// RegisterEventQueue registers a new event queue for the bridge's event
// types and returns its id and last event id.
func (c *Client) RegisterEventQueue(ctx context.Context) (*Queue, error) {
	eventTypes, err := json.Marshal([]string{
		"message", "reaction", "update_message", "delete_message",
		"subscription", "realm_user",
	})
	if err != nil {
		return nil, fmt.Errorf("encoding event types: %w", err)
	}
	form := url.Values{
		"event_types":         {string(eventTypes)},
		"all_public_streams":  {"true"},
		"include_subscribers": {"false"},
		"client_gravatar":     {"true"},
		"slim_presence":       {"true"},
	}
	var queue Queue
	if err := c.do(ctx, c.http, http.MethodPost, "register", form, &queue); err != nil {
		return nil, err
	}
	return &queue, nil
}

// GetEvents long-polls the event queue for events after lastEventID. The
// server returns events in ascending id order.
func (c *Client) GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]Event, error) {
	form := url.Values{
		"queue_id":      {queueID},
		"last_event_id": {strconv.FormatInt(lastEventID, 10)},
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, c.longPoll, http.MethodGet, "events", form, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// DeleteEventQueue deregisters the queue on shutdown.
func (c *Client) DeleteEventQueue(ctx context.Context, queueID string) error {
	form := url.Values{"queue_id": {queueID}}
	return c.do(ctx, c.http, http.MethodDelete, "events", form, nil)
}

// GetProfile fetches the bot's own user record.
func (c *Client) GetProfile(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, c.http, http.MethodGet, "users/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser fetches one realm member by id.
func (c *Client) GetUser(ctx context.Context, userID int64) (*User, error) {
	var resp struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, c.http, http.MethodGet, "users/"+strconv.FormatInt(userID, 10), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// GetUsers lists all realm members.
func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	var resp struct {
		Members []User `json:"members"`
	}
	if err := c.do(ctx, c.http, http.MethodGet, "users", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// GetStreams lists the streams visible to the bot.
func (c *Client) GetStreams(ctx context.Context) ([]Stream, error) {
	var resp struct {
		Streams []Stream `json:"streams"`
	}
	if err := c.do(ctx, c.http, http.MethodGet, "streams", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Streams, nil
}

// GetStreamID resolves a stream name to its id.
func (c *Client) GetStreamID(ctx context.Context, name string) (int64, error) {
	form := url.Values{"stream": {name}}
	var resp struct {
		StreamID int64 `json:"stream_id"`
	}
	if err := c.do(ctx, c.http, http.MethodGet, "get_stream_id", form, &resp); err != nil {
		return 0, err
	}
	return resp.StreamID, nil
}

// GetMessages fetches up to numBefore messages at or before the anchor
// matching the narrow. The narrow is the JSON serialization of the filter
// list, URL-encoded like any other form value.
func (c *Client) GetMessages(ctx context.Context, narrow []NarrowFilter, anchor string, numBefore int) ([]Message, error) {
	encoded, err := json.Marshal(narrow)
	if err != nil {
		return nil, fmt.Errorf("encoding narrow: %w", err)
	}
	form := url.Values{
		"narrow":         {string(encoded)},
		"anchor":         {anchor},
		"num_before":     {strconv.Itoa(numBefore)},
		"num_after":      {"0"},
		"apply_markdown": {"false"},
	}
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, c.longPoll, http.MethodGet, "messages", form, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Subscribe subscribes the bot to the named streams.
func (c *Client) Subscribe(ctx context.Context, streamNames []string) error {
	subs := make([]map[string]string, len(streamNames))
	for i, name := range streamNames {
		subs[i] = map[string]string{"name": name}
	}
	encoded, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("encoding subscriptions: %w", err)
	}
	form := url.Values{"subscriptions": {string(encoded)}}
	return c.do(ctx, c.http, http.MethodPost, "users/me/subscriptions", form, nil)
}

// UploadFile uploads a file and returns the server path for linking it
// into message content.
func (c *Client) UploadFile(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.site+"/api/v1/user_uploads", &buf)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", filename, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading upload response: %w", err)
	}
	var uploaded struct {
		envelope
		URI string `json:"uri"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &uploaded); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if uploaded.Result != "success" {
		return "", fmt.Errorf("uploading %s: %w", filename, &APIError{Code: uploaded.Code, Msg: uploaded.Msg})
	}
	if uploaded.URL != "" {
		return uploaded.URL, nil
	}
	return uploaded.URI, nil
}

// Typing sends a typing notification. Fire-and-forget parity op; failures
// are logged, never propagated.
func (c *Client) Typing(ctx context.Context, op string, userIDs []int64) {
	to := make([]string, len(userIDs))
	for i, id := range userIDs {
		to[i] = strconv.FormatInt(id, 10)
	}
	form := url.Values{
		"op": {op},
		"to": {"[" + strings.Join(to, ",") + "]"},
	}
	if err := c.do(ctx, c.http, http.MethodPost, "typing", form, nil); err != nil {
		c.logger.Debug("typing notification failed", "error", err)
	}
}

// Package api is the REST client for the message backend. Base URL and
// credential are explicit construction-time configuration; nothing is
// read from ambient global state.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/parley-im/chatcore/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	BaseURL    string
	Credential string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	baseURL    string
	credential string
	http       *http.Client
	log        zerolog.Logger
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		credential: cfg.Credential,
		http:       httpClient,
		log:        cfg.Logger,
	}
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
// The idempotency token is echoed back by the server so the optimistic
// entry can be matched without content heuristics.
type SendMessageRequest struct {
	Content          string             `json:"content,omitempty"`
	Kind             models.MessageKind `json:"kind"`
	ReplyToID        string             `json:"reply_to_id,omitempty"`
	IdempotencyToken string             `json:"idempotency_token,omitempty"`
	Attachment       *models.Attachment `json:"attachment,omitempty"`
	Voice            *models.VoiceClip  `json:"voice,omitempty"`
}

// ReactionAggregate is the authoritative per-message reaction view
// returned by POST /messages/{id}/reaction.
type ReactionAggregate struct {
	MessageID   string         `json:"message_id"`
	Reactions   map[string]int `json:"reactions"`
	OwnReaction string         `json:"own_reaction,omitempty"`
}

// GetConversationSummary fetches the cheap change cursor for one
// conversation. peerID is optional; when set the summary also carries
// that participant's presence.
func (c *Client) GetConversationSummary(ctx context.Context, conversationID, peerID string) (models.ConversationSummary, error) {
	path := "/conversations/" + conversationID + "/summary"
	if peerID != "" {
		path += "?peer=" + url.QueryEscape(peerID)
	}
	var out models.ConversationSummary
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", nil, &out)
	return out, err
}

func (c *Client) SearchMessages(ctx context.Context, conversationID, query string) ([]models.Message, error) {
	var out []models.Message
	path := "/conversations/" + conversationID + "/messages/search?query=" + url.QueryEscape(query)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (models.Message, error) {
	var out models.Message
	err := c.do(ctx, http.MethodPost, "/conversations/"+conversationID+"/messages", req, &out)
	return out, err
}

func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) (models.Message, error) {
	body := map[string]string{"content": content}
	var out models.Message
	err := c.do(ctx, http.MethodPut, "/conversations/"+conversationID+"/messages/"+messageID, body, &out)
	return out, err
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
}

func (c *Client) ListTyping(ctx context.Context, conversationID string) ([]models.TypingSignal, error) {
	var out []models.TypingSignal
	err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID+"/typing", nil, &out)
	return out, err
}

func (c *Client) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	body := map[string]bool{"is_typing": isTyping}
	return c.do(ctx, http.MethodPost, "/conversations/"+conversationID+"/typing", body, nil)
}

func (c *Client) GetUserStatus(ctx context.Context, userID string) (models.UserStatus, error) {
	var out models.UserStatus
	err := c.do(ctx, http.MethodGet, "/users/"+userID+"/status", nil, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/users/heartbeat", nil, nil)
}

func (c *Client) React(ctx context.Context, messageID, emoji string) (ReactionAggregate, error) {
	body := map[string]string{"emoji": emoji}
	var out ReactionAggregate
	err := c.do(ctx, http.MethodPost, "/messages/"+messageID+"/reaction", body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return models.ValidationError("unable to encode request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return models.NetworkError(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.NetworkError(err)
	}
	defer res.Body.Close()

	if err := c.checkStatus(res, method, path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return models.NetworkError(fmt.Errorf("unable to decode response: %v", err))
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
}

func (c *Client) checkStatus(res *http.Response, method, path string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	detail := fmt.Sprintf("%s %s: %s", method, path, res.Status)
	c.log.Debug().Int("status", res.StatusCode).Str("path", path).Msg("Request was rejected by the server...")

	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.AuthError(detail)
	case http.StatusNotFound, http.StatusConflict, http.StatusGone:
		return models.ConflictError(detail)
	default:
		return models.NetworkError(fmt.Errorf("%s", detail))
	}
}

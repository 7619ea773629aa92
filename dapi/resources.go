package dapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit is the identify budget of the token.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GetGatewayBot returns the gateway URL and recommended shard count.
func (client *Client) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	gateway := &GatewayBot{}
	if err := client.DoJSON(ctx, NewRoute(http.MethodGet, "/gateway/bot"), nil, "", gateway); err != nil {
		return nil, err
	}
	if gateway.URL == "" {
		return nil, NewError(ProtocolError, "gateway/bot returned no url")
	}
	return gateway, nil
}

// GetChannel returns the channel object.
func (client *Client) GetChannel(ctx context.Context, channelID string) (json.RawMessage, error) {
	return client.raw(ctx, NewRoute(http.MethodGet, "/channels/{channel.id}", channelID), nil, "")
}

// DeleteChannel deletes a channel or closes a DM.
func (client *Client) DeleteChannel(ctx context.Context, channelID string, reason string) (json.RawMessage, error) {
	return client.raw(ctx, NewRoute(http.MethodDelete, "/channels/{channel.id}", channelID), nil, reason)
}

// CreateMessage posts payload to the channel.
func (client *Client) CreateMessage(ctx context.Context, channelID string, payload interface{}) (json.RawMessage, error) {
	return client.raw(ctx, NewRoute(http.MethodPost, "/channels/{channel.id}/messages", channelID), payload, "")
}

// EditMessage applies payload to an existing message.
func (client *Client) EditMessage(ctx context.Context, channelID string, messageID string, payload interface{}) (json.RawMessage, error) {
	route := NewRoute(http.MethodPatch, "/channels/{channel.id}/messages/{message.id}", channelID, messageID)
	return client.raw(ctx, route, payload, "")
}

// DeleteMessage deletes a message.
func (client *Client) DeleteMessage(ctx context.Context, channelID string, messageID string, reason string) error {
	route := NewRoute(http.MethodDelete, "/channels/{channel.id}/messages/{message.id}", channelID, messageID)
	_, err := client.Request(ctx, route, nil, reason)
	return err
}

// CreateReaction reacts to a message as the bot. emoji is a unicode emoji
// or name:id for custom emoji.
func (client *Client) CreateReaction(ctx context.Context, channelID string, messageID string, emoji string) error {
	route := NewRoute(http.MethodPut, "/channels/{channel.id}/messages/{message.id}/reactions/{emoji}/@me", channelID, messageID, emoji)
	_, err := client.Request(ctx, route, nil, "")
	return err
}

// TriggerTypingIndicator shows the typing indicator in the channel.
func (client *Client) TriggerTypingIndicator(ctx context.Context, channelID string) error {
	_, err := client.Request(ctx, NewRoute(http.MethodPost, "/channels/{channel.id}/typing", channelID), nil, "")
	return err
}

// PinMessage pins a message in its channel.
func (client *Client) PinMessage(ctx context.Context, channelID string, messageID string, reason string) error {
	route := NewRoute(http.MethodPut, "/channels/{channel.id}/pins/{message.id}", channelID, messageID)
	_, err := client.Request(ctx, route, nil, reason)
	return err
}

func (client *Client) raw(ctx context.Context, route Route, body interface{}, reason string) (json.RawMessage, error) {
	response, err := client.Request(ctx, route, body, reason)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(response.Body), nil
}

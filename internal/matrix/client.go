// ABOUTME: Matrix client wrapper over mautrix with appservice impersonation
// ABOUTME: Ghost sends go through shallow clones carrying the ghost's user_id

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const requestTimeout = 30 * time.Second

// Client wraps a mautrix client authenticated with the appservice token.
type Client struct {
	mx     *mautrix.Client
	domain string
	logger *slog.Logger
}

// NewClient connects to the homeserver as the bridge bot.
func NewClient(homeserverURL string, botMXID id.UserID, asToken, domain string, logger *slog.Logger) (*Client, error) {
	mx, err := mautrix.NewClient(homeserverURL, botMXID, asToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	mx.SetAppServiceUserID = true
	mx.Client = &http.Client{Timeout: requestTimeout}
	// mautrix only speaks zerolog; cap it at warn so slog stays the
	// primary stream.
	mx.Log = zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	return &Client{
		mx:     mx,
		domain: domain,
		logger: logger.With("component", "matrix-client"),
	}, nil
}

// BotUserID returns the bridge bot's MXID.
func (c *Client) BotUserID() id.UserID { return c.mx.UserID }

// Domain returns the homeserver domain ghosts are registered under.
func (c *Client) Domain() string { return c.domain }

// AsUser returns a shallow clone of the client whose requests impersonate
// the given appservice user via the user_id query parameter.
func (c *Client) AsUser(userID id.UserID) *Client {
	mx := *c.mx
	mx.UserID = userID
	return &Client{mx: &mx, domain: c.domain, logger: c.logger}
}

// Whoami probes the access token. Used at startup as a sanity check.
func (c *Client) Whoami(ctx context.Context) (id.UserID, error) {
	resp, err := c.mx.Whoami(ctx)
	if err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	return resp.UserID, nil
}

// SendText sends a plain m.text message and returns the event id.
func (c *Client) SendText(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	return c.sendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
}

// SendHTML sends a formatted message with an HTML rendering alongside the
// plain body.
func (c *Client) SendHTML(ctx context.Context, roomID id.RoomID, body, formattedBody string) (id.EventID, error) {
	return c.sendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formattedBody,
	})
}

// SendReply sends a message that references another event as its
// reply-to target.
func (c *Client) SendReply(ctx context.Context, roomID id.RoomID, inReplyTo id.EventID, body, formattedBody string) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: inReplyTo},
		},
	}
	if formattedBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formattedBody
	}
	return c.sendMessage(ctx, roomID, content)
}

// SendEdit replaces the content of a previously sent event. The fallback
// body carries the conventional "* " prefix; clients that understand
// m.replace render only the new content.
func (c *Client) SendEdit(ctx context.Context, roomID id.RoomID, target id.EventID, body, formattedBody string) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if formattedBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formattedBody
	}
	content.SetEdit(target)
	return c.sendMessage(ctx, roomID, content)
}

// SendReaction annotates a target event with an emoji key.
func (c *Client) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	resp, err := c.mx.SendReaction(ctx, roomID, target, key)
	if err != nil {
		return "", fmt.Errorf("sending reaction in %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (c *Client) sendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.mx.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("sending message to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

// RedactEvent removes an event.
func (c *Client) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	_, err := c.mx.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason})
	if err != nil {
		return fmt.Errorf("redacting %s in %s: %w", eventID, roomID, err)
	}
	return nil
}

// CreateRoom creates a room and returns its id. aliasLocalpart may be
// empty for rooms without a canonical alias.
func (c *Client) CreateRoom(ctx context.Context, name, topic, aliasLocalpart, visibility string, invite []id.UserID) (id.RoomID, error) {
	resp, err := c.mx.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:          name,
		Topic:         topic,
		RoomAliasName: aliasLocalpart,
		Visibility:    visibility,
		Invite:        invite,
	})
	if err != nil {
		return "", fmt.Errorf("creating room %q: %w", name, err)
	}
	return resp.RoomID, nil
}

// SetRoomName updates the m.room.name state event.
func (c *Client) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := c.mx.SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	if err != nil {
		return fmt.Errorf("setting name of %s: %w", roomID, err)
	}
	return nil
}

// SetRoomTopic updates the m.room.topic state event.
func (c *Client) SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error {
	_, err := c.mx.SendStateEvent(ctx, roomID, event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	if err != nil {
		return fmt.Errorf("setting topic of %s: %w", roomID, err)
	}
	return nil
}

// JoinedMembers lists the users currently joined to a room.
func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	resp, err := c.mx.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", roomID, err)
	}
	members := make(map[id.UserID]struct{}, len(resp.Joined))
	for uid := range resp.Joined {
		members[uid] = struct{}{}
	}
	return members, nil
}

// InviteUser invites a user into a room.
func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.mx.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		return fmt.Errorf("inviting %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// KickUser removes a user from a room.
func (c *Client) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.mx.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	if err != nil {
		return fmt.Errorf("kicking %s from %s: %w", userID, roomID, err)
	}
	return nil
}

// JoinRoom joins the client's user into a room.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mx.JoinRoomByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("joining %s: %w", roomID, err)
	}
	return nil
}

// LeaveRoom leaves a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mx.LeaveRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("leaving %s: %w", roomID, err)
	}
	return nil
}

// EnsureJoined probes the client user's membership and joins when the
// room is pending an invite. Already-joined is a no-op.
func (c *Client) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	var member event.MemberEventContent
	err := c.mx.StateEvent(ctx, roomID, event.StateMember, c.mx.UserID.String(), &member)
	if err == nil && member.Membership == event.MembershipJoin {
		return nil
	}
	return c.JoinRoom(ctx, roomID)
}

// RegisterGhost registers an appservice user with the given localpart.
// An already-taken username is fine: the appservice owns the namespace,
// so the existing account is ours.
func (c *Client) RegisterGhost(ctx context.Context, localpart string) error {
	_, _, err := c.mx.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil {
		if errors.Is(err, mautrix.MUserInUse) || errors.Is(err, mautrix.MExclusive) {
			c.logger.Debug("ghost already registered", "localpart", localpart)
			return nil
		}
		return fmt.Errorf("registering ghost %s: %w", localpart, err)
	}
	return nil
}

// SetDisplayName sets the display name of the client's (impersonated)
// user.
func (c *Client) SetDisplayName(ctx context.Context, name string) error {
	if err := c.mx.SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("setting display name: %w", err)
	}
	return nil
}

// DownloadMedia fetches the content behind an mxc:// URI.
func (c *Client) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error) {
	uri, err := id.ParseContentURI(mxcURI)
	if err != nil {
		return nil, fmt.Errorf("parsing media URI %q: %w", mxcURI, err)
	}
	data, err := c.mx.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", mxcURI, err)
	}
	return data, nil
}

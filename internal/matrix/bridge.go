// ABOUTME: Matrix bridge that relays room messages to gateway chat sessions.
// ABOUTME: Filters by room, sender and prefix, and replies with markdown rendered as HTML.

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/config"
)

// Chatter runs one chat turn for a conversation and returns the reply text.
type Chatter interface {
	Chat(ctx context.Context, sessionKey, user, text string) (string, error)
}

// roomClient is the subset of the Matrix client the bridge needs to reply.
type roomClient interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
}

// typingTimeout is the duration the typing indicator shows.
const typingTimeout = 30 * time.Second

// networkTimeout bounds Matrix API calls.
const networkTimeout = 10 * time.Second

// Bridge connects Matrix rooms to gateway sessions.
type Bridge struct {
	config config.MatrixConfig
	chat   Chatter
	client *mautrix.Client
	rooms  roomClient
	md     goldmark.Markdown
	logger *slog.Logger

	// rooms with a reply in flight
	processing sync.Map
	wg         sync.WaitGroup

	// ctx is the parent context for message processing goroutines
	ctx context.Context
}

// NewBridge creates a bridge for the given Matrix account.
func NewBridge(cfg config.MatrixConfig, chat Chatter, logger *slog.Logger) (*Bridge, error) {
	if chat == nil {
		return nil, errors.New("chatter is required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	b := newBridge(cfg, chat, client, logger)
	b.client = client
	return b, nil
}

func newBridge(cfg config.MatrixConfig, chat Chatter, rooms roomClient, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		config: cfg,
		chat:   chat,
		rooms:  rooms,
		md:     goldmark.New(),
		logger: logger.With("component", "matrix"),
		ctx:    context.Background(),
	}
}

// Run syncs with the homeserver until ctx is cancelled, then waits for
// in-flight replies to finish.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Homeserver,
		"user_id", b.config.UserID,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.ctx = ctx
	defer b.wg.Wait()

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		return nil
	case err := <-syncErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent filters an incoming message and processes it in the
// background so the sync loop is never blocked. A room with a reply in
// flight drops new messages.
func (b *Bridge) handleMessageEvent(_ context.Context, evt *event.Event) {
	body, ok := b.accept(evt)
	if !ok {
		return
	}

	b.logger.Info("received message",
		"room", evt.RoomID.String(),
		"sender", evt.Sender.String(),
		"content", truncate(body, 50),
	)

	roomStr := evt.RoomID.String()
	if _, loaded := b.processing.LoadOrStore(roomStr, true); loaded {
		b.logger.Debug("already processing message in room, dropping", "room", roomStr)
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.processing.Delete(roomStr)
		b.processMessage(b.ctx, evt.RoomID, evt.Sender, body)
	}()
}

// accept returns the message text to relay, or false when the event should
// be ignored.
func (b *Bridge) accept(evt *event.Event) (string, bool) {
	if evt.Sender == id.UserID(b.config.UserID) {
		return "", false
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return "", false
	}

	if !allowed(b.config.AllowedRooms, evt.RoomID.String()) {
		b.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID.String())
		return "", false
	}
	if !allowed(b.config.AllowedUsers, evt.Sender.String()) {
		b.logger.Debug("ignoring message from non-allowed user", "sender", evt.Sender.String())
		return "", false
	}

	body := content.Body
	if prefix := b.config.CommandPrefix; prefix != "" {
		if !strings.HasPrefix(body, prefix) {
			return "", false
		}
		body = strings.TrimSpace(strings.TrimPrefix(body, prefix))
	}
	if body == "" {
		return "", false
	}
	return body, true
}

// processMessage runs a chat turn for the room and posts the reply.
func (b *Bridge) processMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, text string) {
	roomStr := roomID.String()

	b.setTyping(roomID, true)
	defer b.setTyping(roomID, false)

	reply, err := b.chat.Chat(ctx, SessionKey(roomID), sender.String(), text)
	if err != nil {
		b.logger.Error("chat turn failed", "room", roomStr, "error", err)
		b.sendMessage(roomID, fmt.Sprintf("Error: %v", err))
		return
	}
	if reply == "" {
		b.logger.Warn("empty reply", "room", roomStr)
		return
	}

	b.logger.Info("sending reply", "room", roomStr, "length", len(reply))
	b.sendMessage(roomID, reply)
}

// SessionKey returns the gateway session key of a room.
func SessionKey(roomID id.RoomID) string {
	return "matrix:" + roomID.String()
}

func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.rooms.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendMessage posts text, with an HTML rendering when markdown converts.
func (b *Bridge) sendMessage(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := b.render(text)
	if _, err := b.rooms.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

func (b *Bridge) render(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}

	var buf bytes.Buffer
	if err := b.md.Convert([]byte(text), &buf); err != nil {
		b.logger.Debug("markdown conversion failed, sending plain text", "error", err)
		return content
	}
	content.Format = event.FormatHTML
	content.FormattedBody = strings.TrimSpace(buf.String())
	return content
}

// allowed reports whether v is in list; an empty list allows everything.
func allowed(list []string, v string) bool {
	return len(list) == 0 || slices.Contains(list, v)
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

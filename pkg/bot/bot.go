// Package bot turns Telegram updates into relay operations: commands manage
// the chat's room and login links, plain text is relayed.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/metrics"
	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/relay"
	"github.com/NicolasHaas/tgbridge/pkg/telegram"
)

// Relay is the part of the relay core the bot drives.
type Relay interface {
	ResolveUser(ctx context.Context, p relay.ExternalProfile) (*model.User, error)
	HandleExternalMessage(ctx context.Context, in relay.ExternalMessage) (*model.Message, error)
	SubscribeChat(ctx context.Context, chatID int64, roomName string, profile relay.ExternalProfile) (*model.Room, error)
	UnsubscribeChat(ctx context.Context, chatID int64, profile relay.ExternalProfile) (model.ChatSubscription, error)
	Rooms(ctx context.Context) ([]relay.RoomSummary, error)
	Subscriptions() *relay.ChatSubscriptions
}

// TokenIssuer hands out one-time login tokens.
type TokenIssuer interface {
	Issue(subject string) (string, time.Time, error)
}

// Replier queues outbound chat messages.
type Replier interface {
	Enqueue(jobs ...relay.Job)
}

const helpText = `Commands:
/rooms - list rooms
/join <room> - relay this chat to a room
/leave - stop relaying
/link - get a login link for the web chat
/help - show this help

Any other message is sent to the room this chat has joined.`

// Options configures a Bot.
type Options struct {
	PublicURL string // web app base URL used in login links
	Metrics   *metrics.Metrics
}

// Bot handles Telegram updates. It implements telegram.UpdateHandler.
type Bot struct {
	relay   Relay
	tokens  TokenIssuer
	reply   Replier
	opts    Options
	metrics *metrics.Metrics
}

// New creates a bot.
func New(r Relay, tokens TokenIssuer, reply Replier, opts Options) *Bot {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	return &Bot{relay: r, tokens: tokens, reply: reply, opts: opts, metrics: m}
}

var _ telegram.UpdateHandler = (*Bot)(nil)

// HandleUpdate processes one update. Updates from bots and updates without
// text are ignored.
func (b *Bot) HandleUpdate(ctx context.Context, u telegram.Update) {
	msg := u.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot || strings.TrimSpace(msg.Text) == "" {
		slog.Debug("ignoring telegram update", "update", u.UpdateID)
		return
	}

	profile := relay.ExternalProfile{ID: msg.From.ExternalID(), DisplayName: msg.From.DisplayName()}
	if cmd, arg, ok := parseCommand(msg.Text); ok {
		b.handleCommand(ctx, msg.Chat, profile, cmd, arg)
		return
	}

	_, err := b.relay.HandleExternalMessage(ctx, relay.ExternalMessage{
		ChatID:  msg.Chat.ID,
		Text:    msg.Text,
		Profile: profile,
	})
	switch {
	case err == nil, errors.Is(err, model.ErrNotSubscribed):
	case errors.Is(err, model.ErrRoomNotFound):
		b.say(msg.Chat.ID, "The room this chat was relaying no longer exists. Use /rooms and /join <room>.")
	default:
		slog.Warn("relay telegram message failed", "chat", msg.Chat.ID, "err", err)
		b.say(msg.Chat.ID, "Message not relayed: "+errorText(err))
	}
}

// parseCommand splits "/join@relay_bot dev" into ("join", "dev").
func parseCommand(text string) (cmd, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest), head != ""
}

func (b *Bot) handleCommand(ctx context.Context, chat *telegram.Chat, profile relay.ExternalProfile, cmd, arg string) {
	switch cmd {
	case "start":
		b.sendLoginLink(ctx, chat, profile, "Welcome! This bot relays this chat to a web chat room.\n\n"+helpText)
	case "link":
		b.sendLoginLink(ctx, chat, profile, "")
	case "help":
		b.say(chat.ID, helpText)
	case "rooms":
		b.listRooms(ctx, chat.ID)
	case "join":
		if arg == "" {
			b.say(chat.ID, "Usage: /join <room>")
			return
		}
		room, err := b.relay.SubscribeChat(ctx, chat.ID, arg, profile)
		if err != nil {
			b.say(chat.ID, "Could not join: "+errorText(err))
			return
		}
		b.say(chat.ID, fmt.Sprintf("Joined %s. Messages here are now relayed to the room.", room.Name))
	case "leave":
		sub, err := b.relay.UnsubscribeChat(ctx, chat.ID, profile)
		if errors.Is(err, model.ErrNotSubscribed) {
			b.say(chat.ID, "This chat is not in a room.")
			return
		}
		if err != nil {
			b.say(chat.ID, "Could not leave: "+errorText(err))
			return
		}
		b.say(chat.ID, fmt.Sprintf("Left %s.", sub.RoomName))
	default:
		b.say(chat.ID, "Unknown command. Send /help for the list.")
	}
}

// sendLoginLink issues a login token. Links are only handed out in private
// chats, where nobody else can read them.
func (b *Bot) sendLoginLink(ctx context.Context, chat *telegram.Chat, profile relay.ExternalProfile, intro string) {
	if chat.Type != "" && chat.Type != "private" {
		text := "Send /link to me in a private chat to get a login link."
		if intro != "" {
			text = intro + "\n\n" + text
		}
		b.say(chat.ID, text)
		return
	}

	if _, err := b.relay.ResolveUser(ctx, profile); err != nil {
		slog.Warn("resolve telegram user failed", "user", profile.ID, "err", err)
		b.say(chat.ID, "Could not create a login link: "+errorText(err))
		return
	}
	raw, expiresAt, err := b.tokens.Issue(profile.ID)
	if err != nil {
		b.say(chat.ID, "Could not create a login link: "+errorText(err))
		return
	}
	b.metrics.TokensIssued.Add(1)

	var link string
	if b.opts.PublicURL != "" {
		link = fmt.Sprintf("Open the web chat: %s/?token=%s", b.opts.PublicURL, url.QueryEscape(raw))
	} else {
		link = "Your login token: " + raw
	}
	valid := time.Until(expiresAt).Round(time.Minute)
	text := fmt.Sprintf("%s\nThe link works once and expires in %s.", link, formatDuration(valid))
	if intro != "" {
		text = intro + "\n\n" + text
	}
	b.say(chat.ID, text)
	slog.Info("login link issued", "chat", chat.ID, "user", profile.ID)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}
	if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	return fmt.Sprintf("%d hours", int(d.Hours()))
}

func (b *Bot) listRooms(ctx context.Context, chatID int64) {
	rooms, err := b.relay.Rooms(ctx)
	if err != nil {
		slog.Warn("list rooms failed", "err", err)
		b.say(chatID, errorText(err))
		return
	}
	current, _ := b.relay.Subscriptions().Get(chatID)

	var sb strings.Builder
	sb.WriteString("Rooms:\n")
	for _, r := range rooms {
		marker := "  "
		if r.Room.ID == current.RoomID {
			marker = "* "
		}
		fmt.Fprintf(&sb, "%s%s (%d online, %d chats)\n", marker, r.Room.Name, r.Online, r.Chats)
	}
	sb.WriteString("\nJoin one with /join <room>.")
	b.say(chatID, sb.String())
}

func (b *Bot) say(chatID int64, text string) {
	b.reply.Enqueue(relay.Job{ChatID: chatID, Text: text})
}

// errorText is the user-facing text for err.
func errorText(err error) string {
	if model.KindOf(err) == model.KindInternal {
		return "something went wrong, try again later."
	}
	var domainErr *model.Error
	if errors.As(err, &domainErr) {
		return domainErr.Msg + "."
	}
	return err.Error()
}

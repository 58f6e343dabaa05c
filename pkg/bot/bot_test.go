package bot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/NicolasHaas/tgbridge/pkg/relay"
	"github.com/NicolasHaas/tgbridge/pkg/store"
	"github.com/NicolasHaas/tgbridge/pkg/telegram"
	"github.com/NicolasHaas/tgbridge/pkg/tokens"
)

type recordingReplier struct {
	mu   sync.Mutex
	jobs []relay.Job
}

func (r *recordingReplier) Enqueue(jobs ...relay.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobs...)
}

func (r *recordingReplier) last(t *testing.T) relay.Job {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.jobs) == 0 {
		t.Fatal("no reply sent")
	}
	return r.jobs[len(r.jobs)-1]
}

type fixture struct {
	bot     *Bot
	relay   *relay.Relay
	replies *recordingReplier
	tokens  *tokens.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r := relay.New(relay.Dependencies{Store: store.NewMemory(), AdminIDs: []string{"1"}}, relay.Options{})
	if _, err := r.Directory().EnsureDefault(context.Background()); err != nil {
		t.Fatalf("EnsureDefault: %v", err)
	}
	reg := tokens.NewRegistry(tokens.Options{})
	replies := &recordingReplier{}
	b := New(r, reg, replies, Options{PublicURL: "https://chat.example/"})
	return &fixture{bot: b, relay: r, replies: replies, tokens: reg}
}

func update(chatID, fromID int64, chatType, text string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			MessageID: 1,
			Chat:      &telegram.Chat{ID: chatID, Type: chatType},
			From:      &telegram.User{ID: fromID, FirstName: "Ann"},
			Text:      text,
		},
	}
}

func TestParseCommand(t *testing.T) {
	tests := map[string]struct {
		text    string
		cmd     string
		arg     string
		wantCmd bool
	}{
		"plain":        {text: "/rooms", cmd: "rooms", wantCmd: true},
		"with_arg":     {text: "/join  dev ", cmd: "join", arg: "dev", wantCmd: true},
		"mention":      {text: "/JOIN@relay_bot dev", cmd: "join", arg: "dev", wantCmd: true},
		"text":         {text: "hello /join", wantCmd: false},
		"bare_slash":   {text: "/", wantCmd: false},
		"leading_trim": {text: "  /help", cmd: "help", wantCmd: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cmd, arg, ok := parseCommand(tt.text)
			if ok != tt.wantCmd || cmd != tt.cmd || arg != tt.arg {
				t.Errorf("parseCommand(%q) = %q, %q, %v", tt.text, cmd, arg, ok)
			}
		})
	}
}

func TestStartIssuesRedeemableLink(t *testing.T) {
	f := newFixture(t)
	f.bot.HandleUpdate(context.Background(), update(5, 42, "private", "/start"))

	reply := f.replies.last(t)
	if reply.ChatID != 5 {
		t.Fatalf("reply to chat %d, want 5", reply.ChatID)
	}
	const prefix = "https://chat.example/?token="
	i := strings.Index(reply.Text, prefix)
	if i < 0 {
		t.Fatalf("reply has no login link:\n%s", reply.Text)
	}
	raw := strings.Fields(reply.Text[i+len(prefix):])[0]

	subject, err := f.tokens.Redeem(raw, "")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if subject != "42" {
		t.Errorf("subject = %q, want 42", subject)
	}
	if f.bot.metrics.TokensIssued.Load() != 1 {
		t.Error("TokensIssued not counted")
	}
}

func TestLinkRefusedInGroups(t *testing.T) {
	f := newFixture(t)
	f.bot.HandleUpdate(context.Background(), update(-100, 42, "group", "/link"))

	if got := f.replies.last(t).Text; strings.Contains(got, "token") {
		t.Errorf("group got a login token: %q", got)
	}
	if n := f.tokens.Len(); n != 0 {
		t.Errorf("registry holds %d tokens, want 0", n)
	}
}

func TestJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.bot.HandleUpdate(ctx, update(-100, 42, "group", "/join dev"))
	if got := f.replies.last(t).Text; !strings.Contains(got, "only admins can create rooms") {
		t.Errorf("non-admin /join dev reply = %q", got)
	}

	f.bot.HandleUpdate(ctx, update(-100, 1, "group", "/join dev"))
	if got := f.replies.last(t).Text; got != "Joined dev. Messages here are now relayed to the room." {
		t.Errorf("admin /join dev reply = %q", got)
	}
	if sub, ok := f.relay.Subscriptions().Get(-100); !ok || sub.RoomName != "dev" {
		t.Fatalf("subscription = %+v, %v", sub, ok)
	}

	f.bot.HandleUpdate(ctx, update(-100, 42, "group", "/rooms"))
	if got := f.replies.last(t).Text; !strings.Contains(got, "* dev (0 online, 1 chats)") {
		t.Errorf("/rooms reply = %q", got)
	}

	f.bot.HandleUpdate(ctx, update(-100, 42, "group", "/leave"))
	if got := f.replies.last(t).Text; got != "Left dev." {
		t.Errorf("/leave reply = %q", got)
	}
	f.bot.HandleUpdate(ctx, update(-100, 42, "group", "/leave"))
	if got := f.replies.last(t).Text; got != "This chat is not in a room." {
		t.Errorf("second /leave reply = %q", got)
	}

	f.bot.HandleUpdate(ctx, update(-100, 42, "group", "/join"))
	if got := f.replies.last(t).Text; got != "Usage: /join <room>" {
		t.Errorf("bare /join reply = %q", got)
	}
}

func TestPlainTextIsRelayed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.bot.HandleUpdate(ctx, update(7, 42, "private", "/join general"))
	f.bot.HandleUpdate(ctx, update(7, 42, "private", "hello web"))

	msgs, err := f.relay.MessageLog().RecentHistory(ctx, 1, 0)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello web" {
		t.Errorf("history = %+v, want the relayed message", msgs)
	}
}

func TestIgnoredUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	botMsg := update(7, 99, "private", "/start")
	botMsg.Message.From.IsBot = true
	noText := update(7, 42, "private", "  ")

	for _, u := range []telegram.Update{{UpdateID: 3}, botMsg, noText} {
		f.bot.HandleUpdate(ctx, u)
	}
	if len(f.replies.jobs) != 0 {
		t.Errorf("replies = %+v, want none", f.replies.jobs)
	}
}

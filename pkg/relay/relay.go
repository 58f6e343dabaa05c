// Package relay connects web sessions and Telegram chats through shared
// rooms. It owns the live state (sessions, roster, chat subscriptions) and
// fans every accepted message out to the web side first, then to Telegram.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/metrics"
	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/protocol"
)

// SystemSender is the sender name shown on join and leave notices.
const SystemSender = "System"

// JoinHint is sent to a Telegram chat that talks before joining a room.
const JoinHint = "You are not in a room yet. Send /rooms to list rooms and /join <room> to join one."

// Options configures a Relay.
type Options struct {
	HistoryLimit int // messages sent on join; 0 = DefaultHistoryLimit
	Now          func() time.Time
}

// Dependencies are the collaborators of a Relay.
type Dependencies struct {
	Store         datastore.DataProviderFactory
	Subscriptions SubscriptionStore // nil = chat subscriptions are not persisted
	Dispatcher    *Dispatcher       // nil = Telegram delivery disabled
	Metrics       *metrics.Metrics
	AdminIDs      []string
}

// Relay is the message relay core.
type Relay struct {
	sessions  *SessionManager
	roster    *Roster
	rooms     *roomLocks
	subs      *ChatSubscriptions
	directory *Directory
	log       *MessageLog
	identity  *Identity
	dispatch  *Dispatcher
	metrics   *metrics.Metrics
	opts      Options
}

// New creates a relay.
func New(deps Dependencies, opts Options) *Relay {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = NewDispatcher(nil, DispatcherOptions{Metrics: deps.Metrics})
	}
	return &Relay{
		sessions:  NewSessionManager(),
		roster:    NewRoster(),
		rooms:     newRoomLocks(),
		subs:      NewChatSubscriptions(deps.Subscriptions),
		directory: NewDirectory(deps.Store),
		log:       NewMessageLog(deps.Store, opts.Now),
		identity:  NewIdentity(deps.Store, deps.AdminIDs, opts.Now),
		dispatch:  deps.Dispatcher,
		metrics:   deps.Metrics,
		opts:      opts,
	}
}

func (r *Relay) Sessions() *SessionManager { return r.sessions }
func (r *Relay) Directory() *Directory { return r.directory }
func (r *Relay) Identity() *Identity { return r.identity }
func (r *Relay) Subscriptions() *ChatSubscriptions { return r.subs }
func (r *Relay) MessageLog() *MessageLog { return r.log }
func (r *Relay) Dispatcher() *Dispatcher { return r.dispatch }

// Restore loads persisted chat subscriptions.
func (r *Relay) Restore() error {
	if err := r.subs.Load(); err != nil {
		return err
	}
	r.metrics.ChatSubscriptions.Store(int64(r.subs.Count()))
	return nil
}

// ---- Session lifecycle ----

// Connect registers a new unauthenticated session.
func (r *Relay) Connect(peer Peer) model.Session {
	sess := r.sessions.Create(peer)
	r.metrics.TotalConnections.Add(1)
	r.metrics.ActiveConnections.Add(1)
	slog.Debug("session connected", "session", sess.ID)
	return sess
}

// Disconnect leaves the session's room and forgets the session.
func (r *Relay) Disconnect(ctx context.Context, sessionID string) {
	if _, ok := r.sessions.Get(sessionID); !ok {
		return
	}
	r.leave(ctx, sessionID)
	r.sessions.Remove(sessionID)
	r.metrics.ActiveConnections.Add(-1)
	r.metrics.TotalDisconnects.Add(1)
	slog.Debug("session disconnected", "session", sessionID)
}

// Authenticate binds the session to a user.
func (r *Relay) Authenticate(ctx context.Context, sessionID string, userID int64) (*model.User, error) {
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("relay: authenticate: unknown session %s", sessionID)
	}
	user, err := r.identity.Get(ctx, userID)
	if err != nil {
		r.metrics.FailedAuths.Add(1)
		return nil, err
	}
	if sess.Authenticated() && sess.UserID != user.ID {
		r.leave(ctx, sessionID)
	}
	r.sessions.Bind(sessionID, user)
	r.metrics.SuccessfulAuths.Add(1)

	r.deliver(sessionID, protocol.Authenticated{
		ID:          user.ID,
		Username:    user.ExternalID,
		DisplayName: user.DisplayName,
		IsAdmin:     user.IsAdmin(),
	})
	slog.Info("session authenticated", "session", sessionID, "user", user.ID)
	return user, nil
}

func (r *Relay) requireAuth(sessionID string) (model.Session, error) {
	sess, ok := r.sessions.Get(sessionID)
	if !ok || !sess.Authenticated() {
		return model.Session{}, model.ErrUnauthenticated
	}
	return sess, nil
}

// ResolveUser returns the user behind a Telegram profile, creating it on
// first contact.
func (r *Relay) ResolveUser(ctx context.Context, p ExternalProfile) (*model.User, error) {
	return r.identity.ResolveOrCreate(ctx, p)
}

// ---- Rooms ----

// Join moves the session into the named room, creating the room when the
// user may. The joiner gets the recent history; the room gets a notice.
func (r *Relay) Join(ctx context.Context, sessionID, roomName string) (*model.Room, error) {
	sess, err := r.requireAuth(sessionID)
	if err != nil {
		return nil, err
	}

	room, created, err := r.directory.JoinOrCreate(ctx, roomName, &model.User{ID: sess.UserID, Role: sess.Role})
	if err != nil {
		return nil, err
	}
	if created {
		r.metrics.RoomsCreated.Add(1)
		slog.Info("room created", "room", room.Name, "user", sess.UserID)
	}

	prev, err := r.enterRoom(ctx, sessionID, room)
	if err != nil {
		return nil, err
	}
	if prev == room.ID {
		return room, nil
	}
	if prev != 0 {
		r.announceLeave(ctx, prev, sess.DisplayName)
	}

	notice := fmt.Sprintf("%s joined the room.", sess.DisplayName)
	r.broadcastWeb(room.ID, r.systemMessage(room.Name, notice), sessionID)
	r.broadcastTelegram(room.ID, notice, 0)
	r.broadcastUserList(room.ID, room.Name)

	slog.Info("session joined room", "session", sessionID, "room", room.Name)
	return room, nil
}

// enterRoom snapshots the history, adds the session to the roster and
// delivers the history under the room lock. Messages appended after the
// snapshot reach the session live, after its history.
func (r *Relay) enterRoom(ctx context.Context, sessionID string, room *model.Room) (int64, error) {
	unlock := r.rooms.lock(room.ID)
	defer unlock()

	history, err := r.historyEvent(ctx, room)
	if err != nil {
		return 0, err
	}
	prev := r.roster.Join(sessionID, room.ID)
	r.sessions.SetRoom(sessionID, room.ID, room.Name)
	r.deliver(sessionID, history)
	return prev, nil
}

// Leave takes the session out of its room.
func (r *Relay) Leave(ctx context.Context, sessionID string) error {
	if _, err := r.requireAuth(sessionID); err != nil {
		return err
	}
	if !r.leave(ctx, sessionID) {
		return model.ErrNotInRoom
	}
	return nil
}

func (r *Relay) leave(ctx context.Context, sessionID string) bool {
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		return false
	}
	roomID := r.roster.Leave(sessionID)
	if roomID == 0 {
		return false
	}
	r.sessions.SetRoom(sessionID, 0, "")
	r.announceLeave(ctx, roomID, sess.DisplayName)
	slog.Info("session left room", "session", sessionID, "room", roomID)
	return true
}

func (r *Relay) announceLeave(ctx context.Context, roomID int64, who string) {
	room, err := r.directory.Get(ctx, roomID)
	if err != nil {
		slog.Warn("leave notice skipped", "room", roomID, "err", err)
		return
	}
	notice := fmt.Sprintf("%s left the room.", who)
	r.broadcastWeb(room.ID, r.systemMessage(room.Name, notice), "")
	r.broadcastTelegram(room.ID, notice, 0)
	r.broadcastUserList(room.ID, room.Name)
}

// OnlineUsers returns the distinct users present in a room.
func (r *Relay) OnlineUsers(roomID int64) []protocol.UserInfo {
	seen := make(map[int64]bool)
	var users []protocol.UserInfo
	for _, sid := range r.roster.Members(roomID) {
		sess, ok := r.sessions.Get(sid)
		if !ok || seen[sess.UserID] {
			continue
		}
		seen[sess.UserID] = true
		users = append(users, protocol.UserInfo{
			ID:          sess.UserID,
			DisplayName: sess.DisplayName,
			IsAdmin:     sess.Role == model.RoleAdmin,
		})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName == users[j].DisplayName {
			return users[i].ID < users[j].ID
		}
		return users[i].DisplayName < users[j].DisplayName
	})
	return users
}

// RoomSummary is a room with its live presence counts.
type RoomSummary struct {
	Room   model.Room `json:"room"`
	Online int        `json:"online"`
	Chats  int        `json:"chats"`
}

// Rooms lists every room with presence counts.
func (r *Relay) Rooms(ctx context.Context) ([]RoomSummary, error) {
	rooms, err := r.directory.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomSummary{
			Room:   room,
			Online: len(r.OnlineUsers(room.ID)),
			Chats:  len(r.subs.Chats(room.ID)),
		})
	}
	return out, nil
}

// ---- Messages ----

// SendMessage posts text to the session's room. roomName, when given, must
// name that room.
func (r *Relay) SendMessage(ctx context.Context, sessionID, roomName, text string, replyTo *int64) (*model.Message, error) {
	sess, err := r.requireAuth(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.RoomID == 0 || (roomName != "" && roomName != sess.RoomName) {
		return nil, model.ErrNotInRoom
	}

	unlock := r.rooms.lock(sess.RoomID)
	defer unlock()
	if r.roster.RoomOf(sessionID) != sess.RoomID {
		return nil, model.ErrNotInRoom
	}

	msg, err := r.log.Append(ctx, sess.RoomID, sess.UserID, text, replyTo, model.SourceWeb)
	if err != nil {
		return nil, err
	}
	r.metrics.MessagesRelayed.Add(1)

	r.broadcastWeb(sess.RoomID, messageEvent(msg, sess.RoomName, sess.DisplayName, sess.Role == model.RoleAdmin), "")
	r.broadcastTelegram(sess.RoomID, fmt.Sprintf("%s: %s", sess.DisplayName, msg.Text), 0)
	return msg, nil
}

// SendPrivateMessage delivers text to every connected session of the
// recipient and echoes it to the sender. Offline recipients get nothing.
func (r *Relay) SendPrivateMessage(ctx context.Context, sessionID string, toUserID int64, text string) error {
	sess, err := r.requireAuth(sessionID)
	if err != nil {
		return err
	}
	if err := model.ValidateMessageText(text); err != nil {
		return err
	}
	targets := r.sessions.ByUserID(toUserID)
	if len(targets) == 0 {
		return model.ErrRecipientNotFound
	}

	ev := protocol.PrivateMessage{
		From:      sess.UserID,
		FromName:  sess.DisplayName,
		To:        toUserID,
		Text:      text,
		CreatedAt: r.opts.Now(),
	}
	echoed := false
	for _, target := range targets {
		r.deliver(target.ID, ev)
		echoed = echoed || target.ID == sessionID
	}
	if !echoed {
		r.deliver(sessionID, ev)
	}
	r.metrics.PrivateMessages.Add(1)
	return nil
}

// ExternalMessage is a text message received from a Telegram chat.
type ExternalMessage struct {
	ChatID  int64
	Text    string
	Profile ExternalProfile
}

// HandleExternalMessage relays a Telegram message into the chat's room.
// A chat without a room is told how to join one.
func (r *Relay) HandleExternalMessage(ctx context.Context, in ExternalMessage) (*model.Message, error) {
	sub, ok := r.subs.Get(in.ChatID)
	if !ok {
		r.dispatch.Enqueue(Job{ChatID: in.ChatID, Text: JoinHint})
		return nil, model.ErrNotSubscribed
	}
	user, err := r.identity.ResolveOrCreate(ctx, in.Profile)
	if err != nil {
		return nil, err
	}

	unlock := r.rooms.lock(sub.RoomID)
	defer unlock()

	msg, err := r.log.Append(ctx, sub.RoomID, user.ID, in.Text, nil, model.SourceTelegram)
	if err != nil {
		return nil, err
	}
	r.metrics.ExternalInbound.Add(1)
	r.metrics.MessagesRelayed.Add(1)

	r.broadcastWeb(sub.RoomID, messageEvent(msg, sub.RoomName, user.DisplayName, user.IsAdmin()), "")
	r.broadcastTelegram(sub.RoomID, fmt.Sprintf("%s: %s", user.DisplayName, msg.Text), in.ChatID)
	return msg, nil
}

// SubscribeChat points a Telegram chat at a room, with the same creation
// policy as web joins.
func (r *Relay) SubscribeChat(ctx context.Context, chatID int64, roomName string, profile ExternalProfile) (*model.Room, error) {
	user, err := r.identity.ResolveOrCreate(ctx, profile)
	if err != nil {
		return nil, err
	}
	room, created, err := r.directory.JoinOrCreate(ctx, roomName, user)
	if err != nil {
		return nil, err
	}
	if created {
		r.metrics.RoomsCreated.Add(1)
		slog.Info("room created", "room", room.Name, "user", user.ID)
	}

	prev, hadPrev, err := r.subs.Subscribe(chatID, room)
	if err != nil {
		return nil, err
	}
	r.metrics.ChatSubscriptions.Store(int64(r.subs.Count()))
	if hadPrev && prev.RoomID == room.ID {
		return room, nil
	}
	if hadPrev {
		r.announceChatLeave(prev, user.DisplayName)
	}

	notice := fmt.Sprintf("%s joined from Telegram.", user.DisplayName)
	r.broadcastWeb(room.ID, r.systemMessage(room.Name, notice), "")
	r.broadcastTelegram(room.ID, notice, chatID)
	slog.Info("chat subscribed", "chat", chatID, "room", room.Name)
	return room, nil
}

// UnsubscribeChat stops relaying a room to a Telegram chat.
func (r *Relay) UnsubscribeChat(ctx context.Context, chatID int64, profile ExternalProfile) (model.ChatSubscription, error) {
	sub, err := r.subs.Unsubscribe(chatID)
	if err != nil {
		return model.ChatSubscription{}, err
	}
	r.metrics.ChatSubscriptions.Store(int64(r.subs.Count()))
	r.announceChatLeave(sub, profile.name())
	slog.Info("chat unsubscribed", "chat", chatID, "room", sub.RoomName)
	return sub, nil
}

func (r *Relay) announceChatLeave(sub model.ChatSubscription, who string) {
	notice := fmt.Sprintf("%s left from Telegram.", who)
	r.broadcastWeb(sub.RoomID, r.systemMessage(sub.RoomName, notice), "")
	r.broadcastTelegram(sub.RoomID, notice, sub.ChatID)
}

// ---- Fan-out ----

func (r *Relay) deliver(sessionID string, ev protocol.Event) {
	peer := r.sessions.Peer(sessionID)
	if peer == nil {
		return
	}
	if err := peer.Deliver(ev); err != nil {
		slog.Debug("deliver failed", "session", sessionID, "event", ev.EventType(), "err", err)
	}
}

// broadcastWeb delivers ev to every session in the room except exclude.
// A failing peer does not stop delivery to the others.
func (r *Relay) broadcastWeb(roomID int64, ev protocol.Event, exclude string) {
	for _, sid := range r.roster.Members(roomID) {
		if sid == exclude {
			continue
		}
		r.deliver(sid, ev)
	}
}

// broadcastTelegram queues text for every chat subscribed to the room
// except skipChat.
func (r *Relay) broadcastTelegram(roomID int64, text string, skipChat int64) {
	chats := r.subs.Chats(roomID)
	jobs := make([]Job, 0, len(chats))
	for _, chatID := range chats {
		if chatID == skipChat {
			continue
		}
		jobs = append(jobs, Job{ChatID: chatID, Text: text})
	}
	r.dispatch.Enqueue(jobs...)
}

func (r *Relay) broadcastUserList(roomID int64, roomName string) {
	users := r.OnlineUsers(roomID)
	if users == nil {
		users = []protocol.UserInfo{}
	}
	r.broadcastWeb(roomID, protocol.UserList{Room: roomName, Users: users}, "")
}

func (r *Relay) systemMessage(roomName, text string) protocol.Message {
	return protocol.Message{
		Room:      roomName,
		Sender:    SystemSender,
		Text:      text,
		CreatedAt: r.opts.Now(),
		System:    true,
		Source:    string(model.SourceSystem),
	}
}

func messageEvent(msg *model.Message, roomName, sender string, isAdmin bool) protocol.Message {
	return protocol.Message{
		ID:        msg.ID,
		Room:      roomName,
		SenderID:  msg.SenderID,
		Sender:    sender,
		IsAdmin:   isAdmin,
		Text:      msg.Text,
		ReplyTo:   msg.ReplyTo,
		CreatedAt: msg.CreatedAt,
		Source:    string(msg.Source),
	}
}

// historyEvent loads the room's recent messages with sender names.
func (r *Relay) historyEvent(ctx context.Context, room *model.Room) (protocol.RoomHistory, error) {
	msgs, err := r.log.RecentHistory(ctx, room.ID, r.opts.HistoryLimit)
	if err != nil {
		return protocol.RoomHistory{}, err
	}

	senders := make(map[int64]*model.User)
	events := make([]protocol.Message, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		user, ok := senders[msg.SenderID]
		if !ok {
			user, err = r.identity.Get(ctx, msg.SenderID)
			if err != nil && !errors.Is(err, model.ErrUserNotFound) {
				return protocol.RoomHistory{}, err
			}
			senders[msg.SenderID] = user
		}
		name := "unknown"
		if user != nil {
			name = user.DisplayName
		}
		events = append(events, messageEvent(msg, room.Name, name, user.IsAdmin()))
	}
	return protocol.RoomHistory{Room: room.Name, Messages: events}, nil
}

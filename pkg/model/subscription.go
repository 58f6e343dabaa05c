package model

import "time"

// ChatSubscription binds a Telegram chat to the room it relays.
type ChatSubscription struct {
	ChatID       int64     `json:"chatId"`
	RoomID       int64     `json:"roomId"`
	RoomName     string    `json:"roomName"`
	SubscribedAt time.Time `json:"subscribedAt"`
}

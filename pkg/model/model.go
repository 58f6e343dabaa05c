// Package model defines the core domain types for tgbridge.
package model

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermCreateRoom Permission = iota
	PermDeleteRoom
	PermImportRooms
	PermManageUsers
)

// Source identifies where a room message originated.
type Source string

const (
	SourceWeb      Source = "web"
	SourceTelegram Source = "telegram"
	SourceSystem   Source = "system"
)

package storage

import "time"

// EventWriter is the interface for persisting patrol journal events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *PatrolEvent)
	Close()
}

// PatrolEvent is one journal entry plus the patrol context it was logged in.
type PatrolEvent struct {
	EventID     string
	PatrolID    string
	Timestamp   time.Time
	Source      string // "PERCEPTION", "REASONING" or "SYSTEM"
	Message     string
	State       string
	ThreatLevel string
}

// MessageLength is the max chars stored in the message column.
const MessageLength = 1000

// TruncateMessage returns the first N characters (runes) of a message.
// It never splits a multi-byte UTF-8 character.
func TruncateMessage(msg string, maxLen int) string {
	runes := []rune(msg)
	if len(runes) <= maxLen {
		return msg
	}
	return string(runes[:maxLen])
}

package domain

import (
	"errors"
	"strings"
)

const MaxRoomIDLen = 64

var ErrRoomIDInvalid = errors.New("invalid room id")

// RoomID names a chat room. Rooms are keyed by the conversation (response) id.
type RoomID string

func ParseRoomID(raw string) (RoomID, error) {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) > MaxRoomIDLen {
		return "", ErrRoomIDInvalid
	}
	return RoomID(s), nil
}

package protocol

import (
	"errors"
	"strings"
)

// RoomPrefix prefixes every idea room name.
const RoomPrefix = "idea-"

var ErrInvalidRoom = errors.New("invalid room name")

// RoomName returns the room an idea is edited in.
func RoomName(ideaID string) string {
	return RoomPrefix + ideaID
}

// ParseRoom returns the idea id of a room name.
func ParseRoom(room string) (string, error) {
	if !strings.HasPrefix(room, RoomPrefix) {
		return "", ErrInvalidRoom
	}
	id := strings.TrimPrefix(room, RoomPrefix)
	if err := ValidateIdeaID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ValidateIdeaID rejects ids that cannot form a room path segment.
func ValidateIdeaID(id string) error {
	if strings.TrimSpace(id) == "" || len(id) > 128 {
		return ErrInvalidRoom
	}
	if strings.ContainsAny(id, "/?#% \t\r\n") {
		return ErrInvalidRoom
	}
	return nil
}

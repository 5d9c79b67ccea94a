package session

import "github.com/google/uuid"

// newID generates a session id when the caller does not supply one.
func newID() string {
	return uuid.NewString()
}

package postgres

import "github.com/google/uuid"

// generateID mints a new primary key, matching the teacher's uuid.New()
// convention (e.g. gateway/realtime.NewEvent).
func generateID() string {
	return uuid.New().String()
}

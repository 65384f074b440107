package api

import (
	"fmt"
	"strings"

	"github.com/lei/simple-analytics/internal/models"
)

// EventFilter limits which event types a stream subscriber receives.
// Terminal events always pass so a filtered stream still ends.
type EventFilter struct {
	types map[models.EventType]bool
}

// ParseEventFilter parses a comma separated ?types= value. An empty value
// allows every event.
func ParseEventFilter(value string) (EventFilter, error) {
	if strings.TrimSpace(value) == "" {
		return EventFilter{}, nil
	}

	types := make(map[models.EventType]bool)
	for _, part := range strings.Split(value, ",") {
		t := models.EventType(strings.ToLower(strings.TrimSpace(part)))
		if t == "" {
			continue
		}
		if !t.Valid() {
			return EventFilter{}, fmt.Errorf("unknown event type %q", part)
		}
		types[t] = true
	}
	return EventFilter{types: types}, nil
}

// Allow reports whether event should be delivered
func (f EventFilter) Allow(event models.JobEvent) bool {
	if len(f.types) == 0 || event.Type.Terminal() {
		return true
	}
	return f.types[event.Type]
}

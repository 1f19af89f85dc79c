package msgstore

import (
	"time"

	"github.com/whisper/support-chat/internal/chat"
)

// DayGroup is the messages of one calendar day.
type DayGroup struct {
	Day      time.Time // midnight in the grouping location
	Messages []chat.Message
}

// GroupByDay splits an ordered log into calendar days in loc. Pending
// messages are grouped by their local creation time like any other.
func GroupByDay(msgs []chat.Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DayGroup
	for _, m := range msgs {
		t := m.CreatedAt.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Day: day, Messages: []chat.Message{m}})
	}
	return groups
}

package domain

import "time"

// DateLayout is the calendar date format used for daily stats.
const DateLayout = "2006-01-02"

// GuildEvent is a single raw community event captured by the bot.
type GuildEvent struct {
	ID         int64          `json:"id"`
	GuildID    string         `json:"guild_id"`
	ChannelID  string         `json:"channel_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Kind       string         `json:"kind"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Breakdown is one ranked entry of a top-N list.
type Breakdown struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
}

// DailyStat is the precomputed summary for one guild and calendar date.
type DailyStat struct {
	GuildID     string      `json:"guild_id"`
	Date        time.Time   `json:"-"`
	TotalEvents int64       `json:"total_events"`
	ActiveUsers int64       `json:"active_users"`
	TopChannels []Breakdown `json:"top_channels"`
	TopUsers    []Breakdown `json:"top_users"`
	ComputedAt  time.Time   `json:"computed_at"`
}

// DayBounds returns the [start, end) interval for the calendar date of t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

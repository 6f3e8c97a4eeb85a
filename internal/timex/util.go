package timex

import (
	"encoding/json"
	"time"
)

const dateTimeFormat = "2006-01-02T15:04:05Z"

// Now returns the current time in UTC truncated to seconds, which is the
// precision persisted and rendered by the API.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// DateTime wraps time.Time so it always marshals as UTC with seconds precision.
type DateTime struct {
	time.Time
}

func NewDateTime(t time.Time) DateTime {
	return DateTime{Time: t.UTC().Truncate(time.Second)}
}

func DateTimeNow() DateTime {
	return NewDateTime(Now())
}

func (d DateTime) String() string {
	return d.Time.Format(dateTimeFormat)
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DateTime) UnmarshalJSON(data []byte) error {
	var dateStr string
	if err := json.Unmarshal(data, &dateStr); err != nil {
		return err
	}

	parsed, err := time.Parse(dateTimeFormat, dateStr)
	if err != nil {
		return err
	}

	d.Time = parsed.UTC()
	return nil
}

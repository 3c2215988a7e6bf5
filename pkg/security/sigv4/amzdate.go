package sigv4

import "time"

const (
	amzDateLayout = "20060102T150405Z"
	dateLayout    = "20060102"
)

// AmzDate is a signing timestamp in the ISO8601 basic form used by SigV4.
type AmzDate struct {
	t time.Time
}

// ParseAmzDate parses "YYYYMMDDTHHMMSSZ". Anything else, including impossible
// calendar dates, is rejected.
func ParseAmzDate(s string) (AmzDate, error) {
	if len(s) != len(amzDateLayout) {
		return AmzDate{}, parseErr("x-amz-date", "want YYYYMMDDTHHMMSSZ")
	}
	t, err := time.Parse(amzDateLayout, s)
	if err != nil {
		return AmzDate{}, parseErr("x-amz-date", "not a valid timestamp")
	}
	return AmzDate{t: t}, nil
}

// NewAmzDate truncates t to whole seconds in UTC.
func NewAmzDate(t time.Time) AmzDate {
	return AmzDate{t: t.UTC().Truncate(time.Second)}
}

// Time returns the timestamp in UTC.
func (d AmzDate) Time() time.Time { return d.t }

// IsZero reports whether d was never set.
func (d AmzDate) IsZero() bool { return d.t.IsZero() }

// String returns the full timestamp, e.g. 20130524T000000Z.
func (d AmzDate) String() string { return d.t.Format(amzDateLayout) }

// Date returns the YYYYMMDD component used in the credential scope.
func (d AmzDate) Date() string { return d.t.Format(dateLayout) }

func parseScopeDate(s string) error {
	if len(s) != len(dateLayout) {
		return parseErr("credential date", "want YYYYMMDD")
	}
	if _, err := time.Parse(dateLayout, s); err != nil {
		return parseErr("credential date", "not a calendar date")
	}
	return nil
}

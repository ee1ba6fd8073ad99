package worker

import (
	"fmt"
	"strconv"
	"time"
)

// easternLayout renders a timestamp in US/Eastern as
// "2026-01-02 03:04:05 PM EST".
const easternLayout = "2006-01-02 03:04:05 PM MST"

var eastern = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// The IANA tzdata database ships with the Go toolchain's
		// runtime on every supported platform; this only fails in a
		// stripped-down container missing tzdata, in which case UTC
		// is a safer fallback than a panic.
		return time.UTC
	}
	return loc
}

// estTime renders a Slack-style fractional-seconds timestamp string
// ("1700000100.0001") in US/Eastern.
func estTime(sourceTS string) string {
	if sourceTS == "" {
		return ""
	}
	sec, err := strconv.ParseFloat(sourceTS, 64)
	if err != nil {
		return ""
	}
	whole := int64(sec)
	frac := sec - float64(whole)
	t := time.Unix(whole, int64(frac*1e9)).In(eastern)
	return t.Format(easternLayout)
}

// renderText builds the forwarded message body:
// "*From #{name}*\n{body}\n_Posted by <@{user}> at {est_time}_".
func renderText(channelName, user, text, sourceTS string) string {
	return fmt.Sprintf("*From #%s*\n%s\n_Posted by <@%s> at %s_", channelName, text, user, estTime(sourceTS))
}

package worker

import (
	"fmt"
	"time"
)

// mapTTL is the 7-day lifetime for both MsgMap and ParentMap entries.
const mapTTL = 7 * 24 * time.Hour

func msgMapKey(channelID, sourceTS string) string {
	return fmt.Sprintf("map:msg:%s:%s", channelID, sourceTS)
}

func parentMapKey(channelID, parentSourceTS string) string {
	return fmt.Sprintf("map:parent:%s:%s", channelID, parentSourceTS)
}

package eventbus

import (
	"fmt"
	"strings"
)

// SlowPolicy decides what happens when a subscriber's buffer is full.
type SlowPolicy string

const (
	// SlowDisconnect closes the subscriber's channel so the listener can
	// reconnect and replay from the journal.
	SlowDisconnect SlowPolicy = "disconnect"
	// SlowDrop skips the notification for that subscriber only.
	SlowDrop SlowPolicy = "drop"
)

func ParseSlowPolicy(raw string) (SlowPolicy, error) {
	switch SlowPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SlowDisconnect:
		return SlowDisconnect, nil
	case SlowDrop:
		return SlowDrop, nil
	default:
		return "", fmt.Errorf("unknown slow subscriber policy %q", raw)
	}
}

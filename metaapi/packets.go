package metaapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Packet is one inbound frame from the server. Type is always present;
// request/reply frames carry RequestID, account-scoped events carry
// AccountID and the replica coordinates.
type Packet struct {
	Type              string          `json:"type"`
	RequestID         string          `json:"requestId,omitempty"`
	AccountID         string          `json:"accountId,omitempty"`
	InstanceIndex     *int            `json:"instanceIndex,omitempty"`
	Host              string          `json:"host,omitempty"`
	SynchronizationID string          `json:"synchronizationId,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

// InstanceID renders the replica coordinates as the stringified instance
// index, with the host suffix when one is present ("0", "1", "0:ps-mpa-1").
func (p *Packet) InstanceID() string {
	idx := 0
	if p.InstanceIndex != nil {
		idx = *p.InstanceIndex
	}
	if p.Host != "" {
		return fmt.Sprintf("%d:%s", idx, p.Host)
	}
	return fmt.Sprintf("%d", idx)
}

func decodePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed packet: %w", err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("packet without type")
	}
	p.Raw = data
	return &p, nil
}

// isTimeKey reports whether a JSON key names a date field per the wire
// convention: any key containing "time" or "Time".
func isTimeKey(key string) bool {
	return strings.Contains(key, "time") || strings.Contains(key, "Time")
}

// parseISOTime accepts the ISO-8601 shapes the server emits.
func parseISOTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// convertTimeFields walks a decoded JSON value and converts every string
// under a time-named key (at any nesting depth, through arrays and objects)
// from ISO-8601 to time.Time. Non-parseable strings are left alone.
func convertTimeFields(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			if s, ok := item.(string); ok && isTimeKey(k) {
				if t, ok := parseISOTime(s); ok {
					val[k] = t
					continue
				}
			}
			val[k] = convertTimeFields(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = convertTimeFields(item)
		}
		return val
	default:
		return v
	}
}

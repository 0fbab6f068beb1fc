package session

import "encoding/json"

// ProtocolVersion is the only "init" version this daemon speaks (spec.md §6).
const ProtocolVersion = 0

// decodeControl parses a control frame payload into its command and the
// full set of fields (including Command itself) as a generic map, so
// forwarding can re-marshal unknown members untouched.
func decodeControl(payload []byte) (cmd string, fields map[string]any, err error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", nil, err
	}
	c, _ := m["command"].(string)
	return c, m, nil
}

func encodeControl(fields map[string]any) ([]byte, error) {
	return json.Marshal(fields)
}

func initFrame(version int) []byte {
	b, _ := encodeControl(map[string]any{"command": "init", "version": version})
	return b
}

func closeFrame(channel, reason string, extra map[string]any) []byte {
	fields := map[string]any{"command": "close", "channel": channel, "reason": reason}
	for k, v := range extra {
		fields[k] = v
	}
	b, _ := encodeControl(fields)
	return b
}

func pingFrame() []byte {
	b, _ := encodeControl(map[string]any{"command": "ping"})
	return b
}

// intField reads a numeric JSON field as an int, reporting whether it was
// present and decoded as a JSON number.
func intField(fields map[string]any, key string) (int, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func stringField(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolField(fields map[string]any, key string) bool {
	v, ok := fields[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

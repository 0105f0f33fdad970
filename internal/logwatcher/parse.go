package logwatcher

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// jsonLine is the shape of a structured log record emitted by a worker.
type jsonLine struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
}

var logTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseLine parses one tailed line as JSON, falling back to key=value
// pairs. Returns ok=false for lines that match neither shape, which the
// caller counts against skipped_lines rather than emitting.
func parseLine(workerID, text string) (LogEvent, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return LogEvent{}, false
	}

	if strings.HasPrefix(text, "{") {
		var raw jsonLine
		if err := json.Unmarshal([]byte(text), &raw); err == nil && raw.Message != "" {
			fields := make(map[string]string, len(raw.Fields))
			for k, v := range raw.Fields {
				fields[k] = toString(v)
			}
			return LogEvent{
				WorkerID:  workerID,
				Timestamp: parseLogTimestamp(raw.Timestamp),
				Level:     raw.Level,
				Message:   raw.Message,
				Fields:    fields,
			}, true
		}
	}

	if fields, ok := parseKeyValue(text); ok {
		msg := fields["msg"]
		if msg == "" {
			msg = fields["message"]
		}
		level := fields["level"]
		ts := parseLogTimestamp(fields["time"])
		if ts.IsZero() {
			ts = parseLogTimestamp(fields["timestamp"])
		}
		delete(fields, "msg")
		delete(fields, "message")
		delete(fields, "level")
		delete(fields, "time")
		delete(fields, "timestamp")
		return LogEvent{
			WorkerID:  workerID,
			Timestamp: ts,
			Level:     level,
			Message:   msg,
			Fields:    fields,
		}, msg != ""
	}

	return LogEvent{}, false
}

// parseKeyValue splits a line of space-separated key=value pairs, tolerant
// of double-quoted values containing spaces.
func parseKeyValue(text string) (map[string]string, bool) {
	fields := make(map[string]string)
	var i int
	n := len(text)
	found := false
	for i < n {
		for i < n && text[i] == ' ' {
			i++
		}
		start := i
		for i < n && text[i] != '=' && text[i] != ' ' {
			i++
		}
		if i >= n || text[i] != '=' {
			// No '=' found for this token; not a key=value line.
			i = start
			for i < n && text[i] != ' ' {
				i++
			}
			continue
		}
		key := text[start:i]
		i++ // skip '='
		var val string
		if i < n && text[i] == '"' {
			i++
			valStart := i
			for i < n && text[i] != '"' {
				i++
			}
			val = text[valStart:i]
			if i < n {
				i++
			}
		} else {
			valStart := i
			for i < n && text[i] != ' ' {
				i++
			}
			val = text[valStart:i]
		}
		if key != "" {
			fields[key] = val
			found = true
		}
	}
	return fields, found
}

func parseLogTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range logTimestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

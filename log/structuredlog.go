package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StructuredLog is one machine readable event line, emitted for compile
// lifecycle transitions (installed, abandoned, invalidated).
type StructuredLog struct {
	Time     time.Time       `json:"time"`
	Unit     uint64          `json:"unit"`
	MsgType  string          `json:"msg_type"`
	MsgJSON  json.RawMessage `json:"json_encoded"`
	Metadata *string         `json:"metadata,omitempty"`
	Elapsed  uint32          `json:"elapsed,omitempty"`
}

var fieldOrder = []string{"time", "unit", "msg_type", "json_encoded", "metadata", "elapsed"}

// Custom JSON marshaling to preserve field order and omit zero/empty values.
func (l StructuredLog) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeField := func(key string, val []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, `"%s":`, key)
		buf.Write(val)
	}
	for _, f := range fieldOrder {
		switch f {
		case "time":
			b, _ := json.Marshal(l.Time)
			writeField(f, b)
		case "unit":
			b, _ := json.Marshal(l.Unit)
			writeField(f, b)
		case "msg_type":
			b, _ := json.Marshal(l.MsgType)
			writeField(f, b)
		case "json_encoded":
			if len(l.MsgJSON) == 0 {
				writeField(f, []byte("null"))
			} else {
				writeField(f, l.MsgJSON)
			}
		case "metadata":
			if l.Metadata != nil {
				b, _ := json.Marshal(*l.Metadata)
				writeField(f, b)
			}
		case "elapsed":
			if l.Elapsed != 0 {
				b, _ := json.Marshal(l.Elapsed)
				writeField(f, b)
			}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var (
	eventMu     sync.Mutex
	eventWriter io.Writer
)

// SetEventWriter routes Event lines to w; nil drops them.
func SetEventWriter(w io.Writer) {
	eventMu.Lock()
	eventWriter = w
	eventMu.Unlock()
}

// Event emits a StructuredLog line. Recognized kv keys: metadata, elapsed (microseconds), time.
func Event(msgType string, unit uint64, msg interface{}, kv ...interface{}) {
	eventMu.Lock()
	w := eventWriter
	eventMu.Unlock()
	if w == nil {
		return
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		Error(JitRuntime, "Event: Failed to marshal msg", "err", err)
		return
	}

	ev := StructuredLog{
		Time:    time.Now().UTC(),
		Unit:    unit,
		MsgType: msgType,
		MsgJSON: msgJSON,
	}

	kvMap := toMap(kv...)
	metaParts := []string{}
	if userMeta, ok := kvMap["metadata"]; ok && userMeta != nil {
		metaParts = append(metaParts, fmt.Sprint(userMeta))
	}
	if len(metaParts) > 0 {
		meta := strings.Join(metaParts, "|")
		ev.Metadata = &meta
	}
	if v, ok := kvMap["elapsed"]; ok {
		ev.Elapsed = parseUint32(v)
	}
	if v, ok := kvMap["time"]; ok {
		if t, ok := v.(time.Time); ok {
			ev.Time = t
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		Error(JitRuntime, "Event: Failed to marshal event", "err", err)
		return
	}
	eventMu.Lock()
	defer eventMu.Unlock()
	w.Write(append(line, '\n'))
}

func toMap(kv ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	return m
}

func parseUint32(v interface{}) uint32 {
	switch t := v.(type) {
	case int:
		return uint32(t)
	case int64:
		return uint32(t)
	case float64:
		return uint32(t)
	case uint32:
		return t
	case uint64:
		return uint32(t)
	case string:
		if n, err := strconv.ParseUint(t, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return 0
}

package loxone

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MoodAllOff is the light controller mood id meaning "all lights off".
const MoodAllOff = 778

// Router classifies Miniserver events against the resolved bindings and
// decodes them into semantic messages. It is safe for concurrent use.
type Router struct {
	bindings atomic.Pointer[Bindings]
	now      func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRouter creates a router with no bindings installed. It drops every
// event until SetBindings is called.
func NewRouter() *Router {
	return &Router{now: func() time.Time { return time.Now().UTC() }}
}

// SetLogger sets the logger for this router.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// SetBindings installs the bindings of a new structure. Nil clears them.
func (r *Router) SetBindings(b *Bindings) {
	if b == nil {
		r.bindings.Store(nil)
		return
	}
	cp := *b
	r.bindings.Store(&cp)
}

// Bindings returns a copy of the installed bindings, or nil.
func (r *Router) Bindings() *Bindings {
	b := r.bindings.Load()
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

// Route decodes a batch of events. Only value and text events are
// processed. Every decoded value yields a StateMessage after its semantic
// message; notification value 0 yields nothing at all.
func (r *Router) Route(events []Event, eventType EventType) []Message {
	if eventType != EventTypeValue && eventType != EventTypeText {
		return nil
	}
	b := r.bindings.Load()
	if b == nil {
		return nil
	}

	now := r.now()
	var out []Message
	for _, e := range events {
		if eventType == EventTypeText && e.Text == "" {
			continue
		}
		msgs, err := r.routeEvent(b, e, eventType, now)
		if err != nil {
			r.logWarn("undecodable event", "uuid", e.UUID, "type", eventType.String(), "error", err)
			continue
		}
		out = append(out, msgs...)
	}
	return out
}

func (r *Router) routeEvent(b *Bindings, e Event, eventType EventType, now time.Time) ([]Message, error) {
	var (
		semantic Message
		value    any
	)

	switch {
	case b.TemperatureState != "" && e.UUID == b.TemperatureState:
		temp, err := decodeNumber(e, eventType)
		if err != nil {
			return nil, fmt.Errorf("temperature: %w", err)
		}
		semantic = TemperatureMessage{
			RoomUUID:    b.RoomUUID,
			RoomName:    b.RoomName,
			UUID:        e.UUID,
			Temperature: temp,
			Format:      b.TemperatureFormat,
			Timestamp:   now,
		}
		value = temp

	case b.PresenceState != "" && e.UUID == b.PresenceState:
		moods, err := decodeMoods(e, eventType)
		if err != nil {
			return nil, fmt.Errorf("presence: %w", err)
		}
		semantic = PresenceMessage{
			RoomUUID:  b.RoomUUID,
			RoomName:  b.RoomName,
			UUID:      e.UUID,
			Present:   IsPresent(moods),
			Moods:     moods,
			Timestamp: now,
		}
		value = moods

	case b.NotificationState != "" && e.UUID == b.NotificationState:
		v, err := decodeJSONValue(e, eventType)
		if err != nil {
			return nil, fmt.Errorf("notification: %w", err)
		}
		if n, ok := v.(float64); ok && n == 0 {
			return nil, nil
		}
		semantic = NotificationMessage{UUID: e.UUID, Value: v, Timestamp: now}
		value = v

	default:
		if eventType == EventTypeText {
			value = e.Text
		} else {
			value = e.Value
		}
	}

	state := StateMessage{UUID: e.UUID, Value: value, Timestamp: now}
	if semantic == nil {
		return []Message{state}, nil
	}
	return []Message{semantic, state}, nil
}

// IsPresent reports whether a list of active moods means someone is
// present: exactly one mood that is not "all off".
func IsPresent(moods []int) bool {
	return len(moods) == 1 && moods[0] != MoodAllOff
}

func decodeNumber(e Event, eventType EventType) (float64, error) {
	if eventType == EventTypeValue {
		return e.Value, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(e.Text), 64)
}

// decodeMoods parses an activeMoods payload such as "[778]". A bare number
// is taken as a single mood.
func decodeMoods(e Event, eventType EventType) ([]int, error) {
	if eventType == EventTypeValue {
		return []int{int(e.Value)}, nil
	}

	var raw any
	if err := json.Unmarshal([]byte(e.Text), &raw); err != nil {
		return nil, err
	}
	switch v := raw.(type) {
	case float64:
		return []int{int(v)}, nil
	case []any:
		moods := make([]int, 0, len(v))
		for _, item := range v {
			n, ok := item.(float64)
			if !ok {
				return nil, fmt.Errorf("mood id %v is not a number", item)
			}
			moods = append(moods, int(n))
		}
		return moods, nil
	default:
		return nil, fmt.Errorf("unexpected mood payload %q", e.Text)
	}
}

func decodeJSONValue(e Event, eventType EventType) (any, error) {
	if eventType == EventTypeValue {
		return e.Value, nil
	}
	var v any
	if err := json.Unmarshal([]byte(e.Text), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Router) logWarn(msg string, keysAndValues ...any) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

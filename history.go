package durable

import (
	"encoding/json"

	"github.com/grantjenks/go-durable/store"
)

// history is the in-transaction snapshot of one execution's event log.
// The replay context reads from it and mirrors its own appends into it
// so that later operations in the same step observe them.
type history struct {
	events []store.HistoryEvent
}

// at returns the first event of the given type at pos, or nil.
func (h *history) at(pos int, typ store.EventType) *store.HistoryEvent {
	for i := range h.events {
		if h.events[i].Pos == pos && h.events[i].Type == typ {
			return &h.events[i]
		}
	}
	return nil
}

// lastAt returns the newest event at pos among the given types, or nil.
// History is ordered by primary key, so the last match wins.
func (h *history) lastAt(pos int, types ...store.EventType) *store.HistoryEvent {
	var found *store.HistoryEvent
	for i := range h.events {
		if h.events[i].Pos != pos {
			continue
		}
		for _, typ := range types {
			if h.events[i].Type == typ {
				found = &h.events[i]
				break
			}
		}
	}
	return found
}

// lastChild returns the newest event among the given types whose
// details carry the child execution id, or nil.
func (h *history) lastChild(childID string, types ...store.EventType) *store.HistoryEvent {
	var found *store.HistoryEvent
	for i := range h.events {
		if detailString(h.events[i].Details, "child_id") != childID {
			continue
		}
		for _, typ := range types {
			if h.events[i].Type == typ {
				found = &h.events[i]
				break
			}
		}
	}
	return found
}

func (h *history) append(ev store.HistoryEvent) {
	h.events = append(h.events, ev)
}

func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	s, _ := details[key].(string)
	return s
}

// detailError returns the persisted error code or message from an
// event's details, falling back to fallback when absent.
func detailError(details map[string]any, fallback string) string {
	if s := detailString(details, "error"); s != "" {
		return s
	}
	return fallback
}

// detailInt64 reads an integer detail that may have round-tripped
// through JSON as a float64.
func detailInt64(details map[string]any, key string) (int64, bool) {
	switch v := details[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

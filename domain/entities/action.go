package entities

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/spf13/cast"
)

// ActionType is the kind of command resolved from an utterance.
type ActionType string

const (
	ActionSearch            ActionType = "search"
	ActionSelectArticle     ActionType = "select_article"
	ActionNavigation        ActionType = "navigation"
	ActionPlaybackControl   ActionType = "playback_control"
	ActionVolumeControl     ActionType = "volume_control"
	ActionHelp              ActionType = "help"
	ActionStartConversation ActionType = "start_conversation"
	ActionEndConversation   ActionType = "end_conversation"
	ActionUnknown           ActionType = "unknown"
)

// AllActionTypes lists every action type in declaration order.
var AllActionTypes = []ActionType{
	ActionSearch,
	ActionSelectArticle,
	ActionNavigation,
	ActionPlaybackControl,
	ActionVolumeControl,
	ActionHelp,
	ActionStartConversation,
	ActionEndConversation,
	ActionUnknown,
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	for _, known := range AllActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActionOrigin records which interpreter tier produced an action.
type ActionOrigin string

const (
	OriginPattern    ActionOrigin = "pattern"
	OriginGenerative ActionOrigin = "generative"
)

// Params carries action arguments. Integral JSON numbers decode to int so an
// action survives a marshal round trip unchanged.
type Params map[string]any

// UnmarshalJSON decodes numbers without losing their integer type.
func (p *Params) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		*p = nil
		return nil
	}
	out := make(Params, len(raw))
	for k, v := range raw {
		out[k] = normalizeJSONValue(v)
	}
	*p = out
	return nil
}

func normalizeJSONValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil && i >= math.MinInt32 && i <= math.MaxInt32 {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeJSONValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = normalizeJSONValue(inner)
		}
		return val
	default:
		return v
	}
}

// Action is the interpreter's resolved command.
type Action struct {
	Type       ActionType   `json:"type"`
	Params     Params       `json:"params,omitempty"`
	Confidence float64      `json:"confidence"`
	Origin     ActionOrigin `json:"origin"`
}

// Int returns the named parameter as an int.
func (a Action) Int(key string) (int, bool) {
	v, ok := a.Params[key]
	if !ok {
		return 0, false
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// String returns the named parameter as a string.
func (a Action) String(key string) string {
	v, ok := a.Params[key]
	if !ok {
		return ""
	}
	return cast.ToString(v)
}

// IsCommand reports whether the action drives the briefing rather than the conversation.
func (a Action) IsCommand() bool {
	switch a.Type {
	case ActionUnknown, ActionStartConversation:
		return false
	default:
		return true
	}
}

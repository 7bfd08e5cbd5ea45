// Package normalize turns raw recentchange payloads into model.Event values.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/galois26/xwiki-consumer/internal/model"
)

// ParseError marks a single malformed message. It is never fatal to the stream.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "parse event: " + e.Reason + ": " + e.Err.Error()
	}
	return "parse event: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Actor trims and case-folds a user name for matching.
func Actor(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// a Caser carries state, so each call gets its own
	return cases.Fold().String(s)
}

// wire mirrors the recentchange schema loosely. Only id, user and type are
// strict; every other field is decoded on a best-effort basis and a value
// of the wrong JSON type reads as absent.
type wire struct {
	ID        json.RawMessage `json:"id"`
	Type      json.RawMessage `json:"type"`
	User      json.RawMessage `json:"user"`
	Namespace json.RawMessage `json:"namespace"`
	Title     json.RawMessage `json:"title"`
	Comment   json.RawMessage `json:"comment"`
	Timestamp json.RawMessage `json:"timestamp"`
	Bot       json.RawMessage `json:"bot"`
	Minor     json.RawMessage `json:"minor"`
	Patrolled json.RawMessage `json:"patrolled"`
	ServerURL json.RawMessage `json:"server_url"`
	Wiki      json.RawMessage `json:"wiki"`
	Meta      json.RawMessage `json:"meta"`
	RevID     json.RawMessage `json:"rev_id"`
	Revision  json.RawMessage `json:"revision"`
	PageID    json.RawMessage `json:"page_id"`
	Log       json.RawMessage `json:"log"`
	LogType   json.RawMessage `json:"log_type"`
	LogAction json.RawMessage `json:"log_action"`
}

// Parse converts one payload into an Event. Malformed input yields *ParseError.
func Parse(payload []byte) (model.Event, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return model.Event{}, &ParseError{Reason: "empty payload"}
	}
	var w wire
	if err := json.Unmarshal(payload, &w); err != nil {
		return model.Event{}, &ParseError{Reason: "invalid json", Err: err}
	}

	id, err := idString(w.ID)
	if err != nil {
		return model.Event{}, &ParseError{Reason: "id", Err: err}
	}
	user, ok := str(w.User)
	if !ok {
		return model.Event{}, &ParseError{Reason: "missing user"}
	}
	typ, ok := str(w.Type)
	if !ok || strings.TrimSpace(typ) == "" {
		return model.Event{}, &ParseError{Reason: "missing type"}
	}

	ev := model.Event{
		ID:              id,
		Wiki:            strOrEmpty(w.Wiki),
		Title:           strOrEmpty(w.Title),
		Actor:           user,
		NormalizedActor: Actor(user),
		Type:            strings.TrimSpace(typ),
		Minor:           flag(w.Minor),
		Patrolled:       flag(w.Patrolled),
		Bot:             flag(w.Bot),
		Comment:         strPtr(w.Comment),
		PageID:          integer(w.PageID),
		ServerURL:       strOrEmpty(w.ServerURL),
		Raw:             append([]byte(nil), payload...),
	}
	if ns := integer(w.Namespace); ns != nil {
		ev.Namespace = int(*ns)
	}

	if sec, ok := number(w.Timestamp); ok {
		whole, frac := math.Modf(sec)
		ev.Timestamp = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	} else if dt, ok := str(object(w.Meta)["dt"]); ok {
		if t, err := parseTimeFlexible(dt); err == nil {
			ev.Timestamp = t
		}
	}

	ev.RevisionID = integer(w.RevID)
	if ev.RevisionID == nil {
		ev.RevisionID = integer(object(w.Revision)["new"])
	}

	logObj := object(w.Log)
	ev.LogType = nonEmpty(strPtr(logObj["type"]))
	ev.LogAction = nonEmpty(strPtr(logObj["action"]))
	if ev.LogType == nil {
		ev.LogType = nonEmpty(strPtr(w.LogType))
	}
	if ev.LogAction == nil {
		ev.LogAction = nonEmpty(strPtr(w.LogAction))
	}
	return ev, nil
}

// str decodes a JSON string; anything else, null included, is reported as absent.
func str(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || raw[0] != '"' || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func strOrEmpty(raw json.RawMessage) string {
	s, _ := str(raw)
	return s
}

func strPtr(raw json.RawMessage) *string {
	if s, ok := str(raw); ok {
		return &s
	}
	return nil
}

// number accepts a JSON number or a numeric string.
func number(raw json.RawMessage) (float64, bool) {
	if s, ok := str(raw); ok {
		raw = json.RawMessage(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// integer is number restricted to whole values.
func integer(raw json.RawMessage) *int64 {
	if s, ok := str(raw); ok {
		raw = json.RawMessage(strings.TrimSpace(s))
	}
	if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return &n
	}
	f, ok := number(raw)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return nil
	}
	n := int64(f)
	return &n
}

func flag(raw json.RawMessage) bool {
	var b bool
	return json.Unmarshal(raw, &b) == nil && b
}

// object returns the members of a JSON object, or nil for any other shape.
func object(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

// idString accepts a JSON string or number. null and absent are errors.
func idString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", errors.New("empty")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("not a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("not an integer: %s", n)
	}
	return n.String(), nil
}

func nonEmpty(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}

// parseTimeFlexible accepts RFC3339 (with or without fractional seconds) and epoch seconds.
func parseTimeFlexible(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time: %s", s)
}

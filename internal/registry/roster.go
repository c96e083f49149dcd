package registry

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRoster indicates a roster that failed to parse.
var ErrInvalidRoster = errors.New("invalid model roster")

// Roster maps each generation capability to one catalog model.
// It round-trips through the model-roster cookie as compact JSON:
//
//	{"chat":"gemini-flash","text":"gemini-flash","code":"gemini-pro"}
type Roster struct {
	Chat string `json:"chat"`
	Text string `json:"text"`
	Code string `json:"code"`
}

// DefaultRoster is used when a client carries no roster cookie.
func DefaultRoster() Roster {
	return Roster{
		Chat: "gemini-flash",
		Text: "gemini-flash",
		Code: "gemini-pro",
	}
}

// ParseRoster decodes a roster from its compact JSON form. Empty fields are
// filled from the default roster so old cookies keep working after new
// capabilities are added.
func ParseRoster(s string) (Roster, error) {
	var r Roster
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Roster{}, fmt.Errorf("%w: %v", ErrInvalidRoster, err)
	}

	def := DefaultRoster()
	if r.Chat == "" {
		r.Chat = def.Chat
	}
	if r.Text == "" {
		r.Text = def.Text
	}
	if r.Code == "" {
		r.Code = def.Code
	}
	return r, nil
}

// Encode returns the compact JSON form for cookie storage.
func (r Roster) Encode() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Roster is three strings; marshal cannot fail.
		panic(fmt.Sprintf("BUG: encoding roster: %v", err))
	}
	return string(data)
}

// Validate checks that every roster entry resolves to a catalog model with
// the matching capability.
func (r Roster) Validate() error {
	checks := []struct {
		slot string
		id   string
		ok   func(Capabilities) bool
	}{
		{"chat", r.Chat, func(c Capabilities) bool { return c.Chat }},
		{"text", r.Text, func(c Capabilities) bool { return c.Text }},
		{"code", r.Code, func(c Capabilities) bool { return c.Code }},
	}

	for _, ch := range checks {
		d, err := Resolve(ch.id)
		if err != nil {
			return fmt.Errorf("%s slot: %w", ch.slot, err)
		}
		if !ch.ok(d.Capabilities) {
			return fmt.Errorf("%w: %q cannot serve %s", ErrMissingCapability, ch.id, ch.slot)
		}
	}
	return nil
}

// ChatModel resolves the chat slot. Call Validate first; an invalid roster
// falls back to the default model here.
func (r Roster) ChatModel() Descriptor {
	return resolveOrDefault(r.Chat, DefaultRoster().Chat)
}

// TextModel resolves the prose-document slot.
func (r Roster) TextModel() Descriptor {
	return resolveOrDefault(r.Text, DefaultRoster().Text)
}

// CodeModel resolves the code-document slot.
func (r Roster) CodeModel() Descriptor {
	return resolveOrDefault(r.Code, DefaultRoster().Code)
}

func resolveOrDefault(id, fallback string) Descriptor {
	if d, err := Resolve(id); err == nil {
		return d
	}
	d, err := Resolve(fallback)
	if err != nil {
		panic(fmt.Sprintf("BUG: default roster model %q not in catalog", fallback))
	}
	return d
}

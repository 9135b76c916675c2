// Package identity holds the persisted browsing identity of a simulated user:
// cookies plus per-origin localStorage.
package identity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Cookie is a browser cookie in the shape both drivers expose.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds; 0 = session cookie
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// State is everything that survives between two visits of the same session ID.
type State struct {
	Cookies      []Cookie                     `json:"cookies"`
	LocalStorage map[string]map[string]string `json:"localStorage,omitempty"` // origin -> key -> value
}

// Empty reports whether there is nothing worth persisting.
func (s State) Empty() bool {
	if len(s.Cookies) > 0 {
		return false
	}
	for _, kv := range s.LocalStorage {
		if len(kv) > 0 {
			return false
		}
	}
	return true
}

// Cookie returns the first cookie with the given name.
func (s State) Cookie(name string) (Cookie, bool) {
	for _, c := range s.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return Cookie{}, false
}

// SetCookie replaces any cookie with the same name, domain and path, or appends.
func (s *State) SetCookie(c Cookie) {
	for i, existing := range s.Cookies {
		if existing.Name == c.Name && existing.Domain == c.Domain && existing.Path == c.Path {
			s.Cookies[i] = c
			return
		}
	}
	s.Cookies = append(s.Cookies, c)
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{Cookies: append([]Cookie(nil), s.Cookies...)}
	if s.LocalStorage != nil {
		out.LocalStorage = make(map[string]map[string]string, len(s.LocalStorage))
		for origin, kv := range s.LocalStorage {
			cp := make(map[string]string, len(kv))
			for k, v := range kv {
				cp[k] = v
			}
			out.LocalStorage[origin] = cp
		}
	}
	return out
}

// Origins returns the localStorage origins in sorted order.
func (s State) Origins() []string {
	out := make([]string, 0, len(s.LocalStorage))
	for origin := range s.LocalStorage {
		out = append(out, origin)
	}
	sort.Strings(out)
	return out
}

// Marshal encodes the state as JSON.
func Marshal(s State) ([]byte, error) {
	if s.Cookies == nil {
		s.Cookies = []Cookie{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a JSON state. Blank input yields an empty state.
func Unmarshal(b []byte) (State, error) {
	var s State
	if strings.TrimSpace(string(b)) == "" {
		return s, nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("decode identity: %w", err)
	}
	return s, nil
}

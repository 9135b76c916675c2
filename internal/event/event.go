// Package event models the network traffic a browser session emits and the
// declarative patterns used to recognise analytics beacons in it.
//
// Requests and responses are reduced to a single flattened string (URL plus
// request body) so that a parameter is found whether the site sent it in the
// query string or in a POST body.
package event

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Direction tells whether an event was an outbound request or an inbound response.
type Direction int

const (
	Request Direction = iota
	Response
)

func (d Direction) String() string {
	switch d {
	case Request:
		return "request"
	case Response:
		return "response"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses "request" or "response".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request", "req":
		return Request, nil
	case "response", "resp", "res":
		return Response, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Raw is what a driver surfaces for every request or response it sees.
// For responses, URL and Body describe the request that produced them.
type Raw struct {
	Direction Direction
	URL       string
	Body      string
	Time      time.Time
}

// Observed is a raw event after flattening and field extraction.
type Observed struct {
	Time      time.Time
	Direction Direction
	URL       string
	Flat      string
	Fields    url.Values
}

// Observe flattens a raw event and extracts its fields.
func Observe(raw Raw) Observed {
	ts := raw.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	flat := Flatten(raw.URL, raw.Body)
	return Observed{
		Time:      ts,
		Direction: raw.Direction,
		URL:       raw.URL,
		Flat:      flat,
		Fields:    Fields(flat),
	}
}

// Names returns the analytics event names ("en" parameters) carried by the event,
// in the order they appear.
func (o Observed) Names() []string {
	return o.Fields["en"]
}

var lineBreaks = strings.NewReplacer("\r\n", "&", "\n", "&", "\r", "&")

// Flatten joins a URL and a request body into one searchable string. Body lines are
// treated as parameter separators, repeated separators collapse, and a trailing
// separator is dropped.
func Flatten(rawURL, body string) string {
	s := lineBreaks.Replace(rawURL + "&" + body)
	var b strings.Builder
	b.Grow(len(s))
	prevAmp := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '&' {
			if prevAmp {
				continue
			}
			prevAmp = true
		} else {
			prevAmp = false
		}
		b.WriteByte(c)
	}
	return strings.TrimSuffix(b.String(), "&")
}

// Fields splits the parameter part of a flattened string into key/value pairs.
// Keys may repeat; values keep their order of appearance.
func Fields(flat string) url.Values {
	fields := url.Values{}
	rest := flat
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[i+1:]
	} else if i := strings.IndexByte(rest, '&'); i >= 0 {
		rest = rest[i+1:]
	} else {
		return fields
	}
	for _, pair := range strings.Split(rest, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		fields[key] = append(fields[key], value)
	}
	return fields
}

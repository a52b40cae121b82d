// Package codec implements the framed-message envelope ("UMF" in the
// glossary of the spec this gateway implements) shared between the HTTP
// forwarding pipeline, the persistent client channel and the registry's
// broadcast bus. It accepts either the long-form or the short-form field
// names on ingress and always emits the short form on egress.
package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is the canonical in-memory representation of a framed message.
// Field names here are the long form from the spec; JSON (de)serialization
// is handled explicitly in MarshalJSON/UnmarshalJSON so both the long and
// short wire forms are supported.
type Message struct {
	MID           string          `json:"-"`
	To            string          `json:"-"`
	From          string          `json:"-"`
	Body          json.RawMessage `json:"-"`
	Via           string          `json:"-"`
	Forward       string          `json:"-"`
	RMID          string          `json:"-"`
	Type          string          `json:"-"`
	Version       string          `json:"-"`
	Timestamp     time.Time       `json:"-"`
	Signature     string          `json:"-"`
	Authorization string          `json:"-"`
}

// wireForm is what actually goes over JSON, short-form keys only, used both
// for egress and as the alias target for long-form ingress fields.
type wireForm struct {
	MID           string          `json:"mid,omitempty"`
	To            string          `json:"to,omitempty"`
	From          string          `json:"frm,omitempty"`
	Body          json.RawMessage `json:"bdy,omitempty"`
	Via           string          `json:"via,omitempty"`
	Forward       string          `json:"forward,omitempty"`
	RMID          string          `json:"rmid,omitempty"`
	Type          string          `json:"typ,omitempty"`
	Version       string          `json:"ver,omitempty"`
	Timestamp     *time.Time      `json:"ts,omitempty"`
	Signature     string          `json:"sig,omitempty"`
	Authorization string          `json:"authorization,omitempty"`
}

// longAliases is the subset of fields that have a distinct long-form key;
// mid/to/via/forward/rmid/authorization share the same key in both forms.
type longAliases struct {
	From      string          `json:"from,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Type      string          `json:"type,omitempty"`
	Version   string          `json:"version,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// MarshalJSON always emits the short wire form, per spec ("emit the short
// form on egress").
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireForm{
		MID: m.MID, To: m.To, From: m.From, Body: m.Body, Via: m.Via,
		Forward: m.Forward, RMID: m.RMID, Type: m.Type, Version: m.Version,
		Signature: m.Signature, Authorization: m.Authorization,
	}
	if !m.Timestamp.IsZero() {
		t := m.Timestamp
		w.Timestamp = &t
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts either form. When both a long and a short key are
// present for the same logical field, the short (abbreviated) one wins,
// matching the wire priority used elsewhere in this codec.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("parse framed message: %w", err)
	}
	var la longAliases
	if err := json.Unmarshal(data, &la); err != nil {
		return fmt.Errorf("parse framed message long-form aliases: %w", err)
	}

	m.MID = w.MID
	m.To = w.To
	m.Via = w.Via
	m.Forward = w.Forward
	m.RMID = w.RMID
	m.Authorization = w.Authorization

	m.From = firstNonEmpty(w.From, la.From)
	m.Type = firstNonEmpty(w.Type, la.Type)
	m.Version = firstNonEmpty(w.Version, la.Version)
	m.Signature = firstNonEmpty(w.Signature, la.Signature)

	m.Body = w.Body
	if len(m.Body) == 0 {
		m.Body = la.Body
	}

	if w.Timestamp != nil {
		m.Timestamp = *w.Timestamp
	} else if la.Timestamp != nil {
		m.Timestamp = *la.Timestamp
	}

	return nil
}

func firstNonEmpty(short, long string) string {
	if short != "" {
		return short
	}
	return long
}

// Validate checks the three required fields from the spec ("to, from,
// body required").
func (m Message) Validate() error {
	var missing []string
	if m.To == "" {
		missing = append(missing, "to")
	}
	if m.From == "" {
		missing = append(missing, "from")
	}
	if len(m.Body) == 0 {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid framed message: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Route is the parsed form of a to/from/via/forward field:
// [<instance>@]<service>[:[<method>]<apiPath>]
type Route struct {
	Instance string // empty means "any live instance"
	Service  string
	Method   string // lowercase verb, empty if no method tag
	APIPath  string // empty if no apiPath given
}

// ParseRoute parses a route string per the grammar above.
func ParseRoute(s string) (Route, error) {
	if s == "" {
		return Route{}, fmt.Errorf("empty route")
	}

	var r Route
	rest := s
	if i := strings.Index(rest, "@"); i >= 0 {
		if i == 0 {
			return Route{}, fmt.Errorf("route %q has an empty instance before @", s)
		}
		r.Instance = rest[:i]
		rest = rest[i+1:]
	}

	svcPart := rest
	if i := strings.Index(rest, ":"); i >= 0 {
		svcPart = rest[:i]
		apiPart := rest[i+1:]
		if strings.HasPrefix(apiPart, "[") {
			if end := strings.Index(apiPart, "]"); end >= 0 {
				r.Method = strings.ToLower(apiPart[1:end])
				apiPart = apiPart[end+1:]
			}
		}
		r.APIPath = apiPart
	}

	if svcPart == "" {
		return Route{}, fmt.Errorf("route %q has no service", s)
	}
	r.Service = svcPart
	return r, nil
}

// String renders a Route back into wire form.
func (r Route) String() string {
	var b strings.Builder
	if r.Instance != "" {
		b.WriteString(r.Instance)
		b.WriteByte('@')
	}
	b.WriteString(r.Service)
	if r.Method != "" || r.APIPath != "" {
		b.WriteByte(':')
		if r.Method != "" {
			b.WriteByte('[')
			b.WriteString(r.Method)
			b.WriteByte(']')
		}
		b.WriteString(r.APIPath)
	}
	return b.String()
}

// Sign computes the hex-encoded HMAC-SHA-256 signature over the canonical
// JSON of the message with Signature cleared, and returns a copy carrying
// that signature.
func Sign(m Message, secret string) (Message, error) {
	m.Signature = ""
	canon, err := canonicalJSON(m)
	if err != nil {
		return m, err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canon)
	m.Signature = hex.EncodeToString(mac.Sum(nil))
	return m, nil
}

// Verify recomputes the signature over m (with Signature cleared) and
// reports whether it matches m.Signature.
func Verify(m Message, secret string) (bool, error) {
	want := m.Signature
	signed, err := Sign(m, secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(signed.Signature)), nil
}

func canonicalJSON(m Message) ([]byte, error) {
	m.Signature = ""
	return json.Marshal(m)
}

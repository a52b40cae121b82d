package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_MarshalJSON_ShortForm(t *testing.T) {
	m := Message{MID: "m1", To: "svc:/x", From: "other@svc:/", Body: json.RawMessage(`{"a":1}`), Type: "request"}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "m1", raw["mid"])
	assert.Equal(t, "svc:/x", raw["to"])
	assert.Equal(t, "other@svc:/", raw["frm"])
	assert.Equal(t, "request", raw["typ"])
	assert.NotContains(t, raw, "from")
	assert.NotContains(t, raw, "body")
}

func TestMessage_UnmarshalJSON_AcceptsBothForms(t *testing.T) {
	short := []byte(`{"mid":"m1","to":"svc:/x","frm":"a@svc:/","bdy":{"a":1},"typ":"request"}`)
	var m1 Message
	require.NoError(t, json.Unmarshal(short, &m1))
	assert.Equal(t, "a@svc:/", m1.From)
	assert.Equal(t, "request", m1.Type)
	assert.JSONEq(t, `{"a":1}`, string(m1.Body))

	long := []byte(`{"mid":"m1","to":"svc:/x","from":"a@svc:/","body":{"a":1},"type":"request"}`)
	var m2 Message
	require.NoError(t, json.Unmarshal(long, &m2))
	assert.Equal(t, m1, m2)
}

func TestMessage_UnmarshalJSON_ShortFormWins(t *testing.T) {
	both := []byte(`{"frm":"short@svc:/","from":"long@svc:/","to":"svc:/x","bdy":{}}`)
	var m Message
	require.NoError(t, json.Unmarshal(both, &m))
	assert.Equal(t, "short@svc:/", m.From)
}

func TestMessage_Validate(t *testing.T) {
	err := Message{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "to")
	assert.Contains(t, err.Error(), "from")
	assert.Contains(t, err.Error(), "body")

	err = Message{To: "svc:/x", From: "a@svc:/", Body: json.RawMessage(`{}`)}.Validate()
	assert.NoError(t, err)
}

func TestParseRoute(t *testing.T) {
	cases := []struct {
		in   string
		want Route
	}{
		{"svc", Route{Service: "svc"}},
		{"inst@svc", Route{Instance: "inst", Service: "svc"}},
		{"svc:/v1/x", Route{Service: "svc", APIPath: "/v1/x"}},
		{"inst@svc:[get]/v1/x", Route{Instance: "inst", Service: "svc", Method: "get", APIPath: "/v1/x"}},
	}
	for _, c := range cases {
		got, err := ParseRoute(c.in)
		require.NoErrorf(t, err, "parsing %q", c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	_, err := ParseRoute("")
	assert.Error(t, err)
	_, err = ParseRoute("@svc")
	assert.Error(t, err)
}

func TestRoute_String_RoundTrips(t *testing.T) {
	r := Route{Instance: "inst", Service: "svc", Method: "post", APIPath: "/v1/x"}
	s := r.String()
	parsed, err := ParseRoute(s)
	require.NoError(t, err)
	assert.Equal(t, r, parsed)
}

func TestSignAndVerify(t *testing.T) {
	m := Message{MID: "m1", To: "svc:/x", From: "a@svc:/", Body: json.RawMessage(`{"a":1}`)}

	signed, err := Sign(m, "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, signed.Signature)

	ok, err := Verify(signed, "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(signed, "wrong-secret")
	require.NoError(t, err)
	assert.False(t, ok)

	tampered := signed
	tampered.Body = json.RawMessage(`{"a":2}`)
	ok, err = Verify(tampered, "secret")
	require.NoError(t, err)
	assert.False(t, ok)
}

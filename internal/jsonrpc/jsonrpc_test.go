package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestRequestIDTypeFidelity(t *testing.T) {
	cases := []struct {
		in   string
		key  string
		text string
	}{
		{`"1"`, `s:1`, "1"},
		{`1`, `i:1`, "1"},
		{`42.5`, `f:42.5`, "42.5"},
		{`"abc"`, `s:abc`, "abc"},
	}
	for _, c := range cases {
		var id RequestID
		if err := json.Unmarshal([]byte(c.in), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", c.in, err)
		}
		if id.Key() != c.key {
			t.Errorf("%s: key = %q, want %q", c.in, id.Key(), c.key)
		}
		if id.String() != c.text {
			t.Errorf("%s: string = %q, want %q", c.in, id.String(), c.text)
		}

		out, err := json.Marshal(&id)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != c.in {
			t.Errorf("round trip %s -> %s", c.in, out)
		}
	}
}

func TestStringAndNumberIDsDistinct(t *testing.T) {
	var s, n RequestID
	if err := json.Unmarshal([]byte(`"1"`), &s); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`1`), &n); err != nil {
		t.Fatal(err)
	}
	if s.Key() == n.Key() {
		t.Fatalf("keys collide: %q", s.Key())
	}
}

func TestRequestIDInvalid(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`{"x":1}`), &id); err == nil {
		t.Fatal("expected error for object id")
	}
}

func TestMessageClassification(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, "request"},
		{`{"jsonrpc":"2.0","method":"log","params":{"msg":"hi"}}`, "notification"},
		{`{"jsonrpc":"2.0","id":1,"result":"pong"}`, "response"},
		{`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"nope"}}`, "response"},
	}
	for _, c := range cases {
		msg, err := Parse([]byte(c.in))
		if err != nil {
			t.Fatalf("Parse(%s): %v", c.in, err)
		}
		if got := msg.Type(); got != c.want {
			t.Errorf("%s: type = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestAsRequestAsResponse(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":"7","method":"tools/call","params":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.AsResponse() != nil {
		t.Error("request parsed as response")
	}
	req := msg.AsRequest()
	if req == nil || req.Method != "tools/call" || req.ID.Key() != "s:7" {
		t.Errorf("req = %+v", req)
	}

	msg, err = Parse([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.AsRequest() != nil {
		t.Error("response parsed as request")
	}
	res := msg.AsResponse()
	if res == nil || res.ID.Key() != "i:7" {
		t.Errorf("res = %+v", res)
	}
}

func TestNewErrorResponseShape(t *testing.T) {
	id := NewStringID("9")
	resp := NewErrorResponse(id, ErrorCodeBlockedByPolicy, "blocked by policy", map[string]string{"reason": "blacklist"})
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.JSONRPC != "2.0" || decoded.Error.Code != -32000 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.ID != "9" {
		t.Errorf("id = %v (%T), want string \"9\"", decoded.ID, decoded.ID)
	}
}

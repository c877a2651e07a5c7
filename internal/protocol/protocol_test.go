package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseAcceptsValidRequest(t *testing.T) {
	env, err := Parse([]byte(`{"jsonrpc":"2.0","method":"starlight.intent","params":{"command":{"cmd":"goto"}},"id":7}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Kind() != MethodIntent {
		t.Fatalf("kind = %v, want intent", env.Kind())
	}
	if env.ID != float64(7) {
		t.Fatalf("id = %v (%T), want 7", env.ID, env.ID)
	}
}

func TestParseRejectsWrongProtocolTag(t *testing.T) {
	for _, raw := range []string{
		`{"jsonrpc":"1.0","method":"starlight.pulse","params":{}}`,
		`{"method":"starlight.pulse","params":{}}`,
	} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("parse accepted %s", raw)
		}
	}
}

func TestParseRejectsUnknownMethod(t *testing.T) {
	cases := []string{
		`{"jsonrpc":"2.0","method":"starlight.teleport","params":{}}`,
		`{"jsonrpc":"2.0","method":"pulse","params":{}}`,
		`{"jsonrpc":"2.0","method":"other.pulse","params":{}}`,
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("parse accepted %s", raw)
		}
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{"jsonrpc":"2.0",`)); err == nil {
		t.Fatal("parse accepted truncated JSON")
	}
}

func TestParseNormalizesMissingParams(t *testing.T) {
	for _, raw := range []string{
		`{"jsonrpc":"2.0","method":"starlight.pulse"}`,
		`{"jsonrpc":"2.0","method":"starlight.pulse","params":null}`,
	} {
		env, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		var m map[string]any
		if err := env.DecodeParams(&m); err != nil {
			t.Fatalf("decode normalized params: %v", err)
		}
	}
}

func TestParseMethodRoundTrip(t *testing.T) {
	for kind, name := range methodNames {
		if got := ParseMethod(Namespace + name); got != kind {
			t.Fatalf("ParseMethod(%q) = %v, want %v", Namespace+name, got, kind)
		}
		if got := kind.Method(); !strings.HasPrefix(got, Namespace) {
			t.Fatalf("Method() = %q, missing namespace", got)
		}
	}
}

func TestResponseEncoding(t *testing.T) {
	data := Marshal(NewResult("req-1", map[string]string{"status": "ready"}))
	var res struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      string            `json:"id"`
		Result  map[string]string `json:"result"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.JSONRPC != Version || res.ID != "req-1" || res.Result["status"] != "ready" {
		t.Fatalf("response = %+v", res)
	}
}

func TestErrorEncodingKeepsNullID(t *testing.T) {
	data := Marshal(NewError(nil, CodeInvalidRequest, "unknown method"))
	if !strings.Contains(string(data), `"id":null`) {
		t.Fatalf("error response = %s, want explicit null id", data)
	}
	if !strings.Contains(string(data), `-32600`) {
		t.Fatalf("error response = %s, want -32600", data)
	}
}

func TestNotificationOmitsID(t *testing.T) {
	data := Marshal(NewNotification(MethodPing, map[string]any{}))
	if strings.Contains(string(data), `"id"`) {
		t.Fatalf("notification = %s, must not carry an id", data)
	}
	if !strings.Contains(string(data), `"starlight.ping"`) {
		t.Fatalf("notification = %s", data)
	}
}

func TestClientAllowlistExcludesAgentMethods(t *testing.T) {
	for _, kind := range []MethodKind{MethodClear, MethodWait, MethodHijack, MethodRegistration} {
		if ClientAllowlist[kind] {
			t.Fatalf("%s allowed on the client lane", kind.Name())
		}
	}
	if !ClientAllowlist[MethodIntent] || !ClientAllowlist[MethodFinish] {
		t.Fatal("client methods missing from allowlist")
	}
}

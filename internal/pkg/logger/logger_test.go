package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRedactPhone(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"+79991234567", "+7999***67"},
		{"+7 (999) 123-45-67", "+7999***67"},
		{"12345", "***"},
		{"", "***"},
	}
	for _, c := range cases {
		if got := RedactPhone(c.in); got != c.want {
			t.Errorf("RedactPhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRedactField(t *testing.T) {
	if got := redactField("session_blob", "AQbase64material"); got != "[redacted]" {
		t.Errorf("session field not redacted: %q", got)
	}
	if got := redactField("proxy_password", "hunter2"); got != "[redacted]" {
		t.Errorf("password field not redacted: %q", got)
	}
	if got := redactField("phone", "+79991234567"); got != "+7999***67" {
		t.Errorf("phone field = %q", got)
	}
	// Embedded phone in a generic field
	got := redactField("msg", "login for +79991234567 ok")
	if got == "login for +79991234567 ok" {
		t.Errorf("embedded phone not redacted: %q", got)
	}
}

func TestEmitWritesRedactedJSON(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf, level: INFO, redactPII: true}

	l.emit(WARN, "spam verdict", []interface{}{"account", "act-1", "phone", "+79991234567"})

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "WARN" || entry["msg"] != "spam verdict" {
		t.Errorf("entry = %v", entry)
	}
	if entry["phone"] != "+7999***67" {
		t.Errorf("phone = %q, want redacted", entry["phone"])
	}
}

func TestEmitHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{out: &buf, level: WARN, redactPII: false}

	l.emit(INFO, "below threshold", nil)
	if buf.Len() != 0 {
		t.Errorf("INFO below WARN threshold should not emit: %q", buf.String())
	}
}

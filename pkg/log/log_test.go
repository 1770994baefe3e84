package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextFormatterIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(DebugLevel), WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.With(Component("oplog")).Info("committed", Uint64("last_index", 7))

	out := buf.String()
	if !strings.Contains(out, "committed") || !strings.Contains(out, "last_index=7") || !strings.Contains(out, "component=oplog") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(WarnLevel), WithOutput(NewWriterOutput(&buf)))
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level")
	}
	l.SetLevel(DebugLevel)
	l.Debug("shown")
	if buf.Len() == 0 {
		t.Fatalf("debug should pass after SetLevel")
	}
}

func TestJSONRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&JSONFormatter{}), WithOutput(NewWriterOutput(&buf)), WithRedactions("secret"))
	l.Info("creds", Str("secret", "hunter2"), Str("user", "u"))

	var obj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if obj["secret"] != "[REDACTED]" {
		t.Fatalf("secret not redacted: %v", obj["secret"])
	}
	if obj["user"] != "u" {
		t.Fatalf("user: %v", obj["user"])
	}
}

func TestApplyConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "json", cfg: Config{Level: "debug", Format: "json"}},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: Config{Format: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyConfig(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestSampling(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)), WithSampling(1, 3))
	for i := 0; i < 7; i++ {
		l.Info("tick")
	}
	// first one, then every third of the rest: n=0, 1, 4
	if got := strings.Count(buf.String(), "tick"); got != 3 {
		t.Fatalf("got %d lines", got)
	}
}

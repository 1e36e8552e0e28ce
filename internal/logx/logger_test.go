package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor/models"
)

func writeEvent(t *testing.T, w *writerAdapter, evt models.LogEvent) {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestWriterAdapterFormatsEventAsText(t *testing.T) {
	var buf bytes.Buffer
	w := &writerAdapter{out: &buf, level: log.TraceLevel}

	writeEvent(t, w, models.LogEvent{
		Level:   log.InfoLevel,
		Message: "orchestrator started",
		Fields:  map[string]interface{}{"port": 8080},
	})

	out := buf.String()
	if !strings.Contains(out, "orchestrator started") {
		t.Fatalf("output %q does not contain the message", out)
	}
	if !strings.Contains(out, "port=8080") {
		t.Fatalf("output %q does not contain the field", out)
	}
}

func TestWriterAdapterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	w := &writerAdapter{out: &buf}
	w.WithLevel(log.ErrorLevel)

	writeEvent(t, w, models.LogEvent{Level: log.InfoLevel, Message: "too quiet"})

	if buf.Len() != 0 {
		t.Fatalf("expected below-level event to be dropped, got %q", buf.String())
	}
}

func TestWriterAdapterPassesThroughNonJSON(t *testing.T) {
	var buf bytes.Buffer
	w := &writerAdapter{out: &buf, level: log.TraceLevel}

	if _, err := w.Write([]byte("plain line")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.String() != "plain line" {
		t.Fatalf("output = %q, want the raw bytes unchanged", buf.String())
	}
}

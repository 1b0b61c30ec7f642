package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithSurfaceAddsFields(t *testing.T) {
	capture := &logCapture{}
	log := WithSurface(newCaptureLogger(capture), "s-1", schema.SurfaceActive)
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["surface"] != "s-1" {
		t.Fatalf("expected surface field, got %+v", entry)
	}
	if entry["surface_state"] != "active" {
		t.Fatalf("expected surface_state field, got %+v", entry)
	}
}

func TestWithSurfaceSkipsUninitialized(t *testing.T) {
	capture := &logCapture{}
	log := WithSurface(newCaptureLogger(capture), "s-1", schema.SurfaceUninitialized)
	log.Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["surface_state"]; ok {
		t.Fatalf("did not expect surface_state for uninitialized surface")
	}
}

func TestWithAccountOpAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithAccountOp(ctx, "acc-1", "op-7")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["account"] != "acc-1" {
		t.Fatalf("expected account field, got %+v", entry)
	}
	if entry["op_id"] != "op-7" {
		t.Fatalf("expected op_id field, got %+v", entry)
	}
}

func TestContextWithAccountLoggerDeduplicates(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture).With("account", "acc-1")
	ctx := ContextWithAccountLogger(context.Background(), base, "acc-1")
	WithAccount(ctx, "acc-1").Info("hello")

	line := capture.buf.String()
	if bytes.Count([]byte(line), []byte(`"account"`)) != 1 {
		t.Fatalf("expected a single account field, got %s", line)
	}
}

func TestCopyContextFields(t *testing.T) {
	src := ContextWithAccountOpLogger(context.Background(), newCaptureLogger(&logCapture{}), "acc-1", "op-1")
	dst := CopyContextFields(context.Background(), src)
	if got, _ := dst.Value(accountKey).(schema.AccountID); got != "acc-1" {
		t.Fatalf("expected account marker, got %q", got)
	}
	if got, _ := dst.Value(operationKey).(string); got != "op-1" {
		t.Fatalf("expected operation marker, got %q", got)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}

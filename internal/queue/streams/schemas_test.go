package streams

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTaskEventSchemaValidates(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	step := map[string]interface{}{
		"kind": "step",
		"step": map[string]interface{}{"phase": "started", "index": 0, "total": 2, "tool_name": "search"},
	}
	data, err := json.Marshal(step)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := reg.Validate(EventTaskEvent, VersionV1, data); err != nil {
		t.Fatalf("expected step event to validate: %v", err)
	}

	if err := reg.Validate(EventTaskEvent, VersionV1, []byte(`{"kind":"bogus"}`)); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
	if err := reg.Validate(EventTaskCancel, VersionV1, []byte(`{"task_id":""}`)); err == nil {
		t.Fatalf("expected empty task id to be rejected")
	}
	if err := reg.Validate("task.unknown", VersionV1, []byte(`{}`)); err == nil {
		t.Fatalf("expected unregistered event type to fail")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventTaskEvent, VersionV1, "task-1", map[string]string{"kind": "complete"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.Sequence = 4
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventID != env.EventID || got.TaskID != "task-1" || got.Sequence != 4 {
		t.Fatalf("unexpected envelope %+v", got)
	}

	if _, err := UnmarshalEnvelope([]byte(`{"event_id":"x","event_type":"task.event","payload_version":"v1","data":{}}`)); err == nil ||
		!strings.Contains(err.Error(), "task_id") {
		t.Fatalf("expected missing task id error, got %v", err)
	}
}

func TestCancelBusDecodeRejectsWrongType(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	bus := NewCancelBus(nil, reg, "", "node-a", nil)

	env, _ := NewEnvelope(EventTaskEvent, VersionV1, "task-1", map[string]string{"kind": "text"})
	raw, _ := env.Marshal()
	if _, err := bus.decode(string(raw)); err == nil {
		t.Fatalf("expected wrong event type to be rejected")
	}

	env, _ = NewEnvelope(EventTaskCancel, VersionV1, "task-1", CancelRequest{TaskID: "task-1", Origin: "node-b"})
	raw, _ = env.Marshal()
	req, err := bus.decode(string(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.TaskID != "task-1" || req.Origin != "node-b" {
		t.Fatalf("unexpected request %+v", req)
	}
}

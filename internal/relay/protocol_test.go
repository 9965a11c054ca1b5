package relay

import (
	"encoding/json"
	"testing"
)

func TestMessageWireFields(t *testing.T) {
	msg := &Message{
		Type:        MsgFileOperation,
		OperationID: "op-1",
		Operation:   OpView,
		Params:      json.RawMessage(`{"path":"a.txt"}`),
		Timestamp:   1700000000000,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}

	if raw["type"] != "file_operation" {
		t.Errorf("type = %v, want file_operation", raw["type"])
	}
	if raw["operationId"] != "op-1" {
		t.Errorf("operationId = %v, want op-1", raw["operationId"])
	}
	if raw["operation"] != "view" {
		t.Errorf("operation = %v, want view", raw["operation"])
	}
	if _, ok := raw["sessionId"]; ok {
		t.Error("empty sessionId should be omitted")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	in := &Message{
		Type:        MsgOperationError,
		OperationID: "op-2",
		Error:       &WireError{Message: "boom", Stack: "stack trace"},
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}

	if out.Type != MsgOperationError {
		t.Errorf("Type = %q, want %q", out.Type, MsgOperationError)
	}
	if out.Error == nil || out.Error.Message != "boom" {
		t.Errorf("Error = %+v, want message boom", out.Error)
	}
}

func TestRegistrationErrorDetailField(t *testing.T) {
	data, err := json.Marshal(&Message{Type: MsgRegistrationError, Detail: "missing sessionId"})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["message"] != "missing sessionId" {
		t.Errorf("message = %v, want missing sessionId", raw["message"])
	}
}

func TestOpKindValid(t *testing.T) {
	for _, k := range []OpKind{OpExec, OpView, OpCreate, OpStrReplace, OpInsert, OpDelete} {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if OpKind("rename").Valid() {
		t.Error("rename should not be valid")
	}
	if OpKind("").Valid() {
		t.Error("empty kind should not be valid")
	}
}

func TestDecodePayload(t *testing.T) {
	params, err := DecodePayload[StrReplaceParams](json.RawMessage(`{"path":"f.go","oldText":"a","newText":"b"}`))
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if params.Path != "f.go" || params.OldText != "a" || params.NewText != "b" {
		t.Errorf("DecodePayload() = %+v", params)
	}
}

func TestDecodePayloadFromMap(t *testing.T) {
	params, err := DecodePayload[ViewParams](map[string]any{"path": "dir"})
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if params.Path != "dir" {
		t.Errorf("Path = %q, want dir", params.Path)
	}
}

func TestMarshalParams(t *testing.T) {
	raw, err := MarshalParams(ViewParams{Path: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"path":"x"}` {
		t.Errorf("MarshalParams() = %s", raw)
	}

	// RawMessage passes through untouched.
	in := json.RawMessage(`{"k":1}`)
	raw, err = MarshalParams(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"k":1}` {
		t.Errorf("MarshalParams(RawMessage) = %s", raw)
	}

	raw, err = MarshalParams(nil)
	if err != nil || raw != nil {
		t.Errorf("MarshalParams(nil) = %s, %v, want nil, nil", raw, err)
	}
}

package uat

import (
	"encoding/json"
	"testing"
)

func strp(s string) *string { return &s }

func TestInfoCommandJSON(t *testing.T) {
	cmd := InfoCommand{Name: strp("Metroid Prime"), Version: strp("0-00")}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["cmd"] != "Info" {
		t.Errorf("cmd = %v, want Info", decoded["cmd"])
	}
	if decoded["protocol"] != float64(0) {
		t.Errorf("protocol = %v, want 0", decoded["protocol"])
	}
	if decoded["name"] != "Metroid Prime" {
		t.Errorf("name = %v", decoded["name"])
	}
	if _, hasFeatures := decoded["features"]; hasFeatures {
		t.Errorf("features should be omitted when nil")
	}
}

func TestVarCommandJSON(t *testing.T) {
	data, err := json.Marshal(VarCommand{Name: "world", Value: 3.0})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	json.Unmarshal(data, &decoded)
	if decoded["cmd"] != "Var" || decoded["name"] != "world" || decoded["value"] != 3.0 {
		t.Errorf("decoded = %v", decoded)
	}
	if _, hasSlot := decoded["slot"]; hasSlot {
		t.Errorf("slot should be omitted when nil")
	}
}

func TestErrorReplyReasonStrings(t *testing.T) {
	cases := map[ErrorReplyReason]string{
		ReasonUnknownCmd:      "unknown cmd",
		ReasonMissingArgument: "missing argument",
		ReasonBadValue:        "bad value",
		ReasonUnknown:         "unknown",
	}
	for reason, want := range cases {
		if string(reason) != want {
			t.Errorf("%v != %q", reason, want)
		}
	}
}

func TestEncodeServerCommandsIsAlwaysArray(t *testing.T) {
	data, err := EncodeServerCommands(nil)
	if err != nil {
		t.Fatalf("EncodeServerCommands: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("EncodeServerCommands(nil) = %s, want []", data)
	}
}

func TestParseMissingCmd(t *testing.T) {
	parsed := ParseClientCommands([]byte(`[{}]`))
	if len(parsed) != 1 || parsed[0].Error == nil {
		t.Fatalf("parsed = %+v", parsed)
	}
	if parsed[0].Error.Reason != ReasonMissingArgument {
		t.Errorf("reason = %v, want %v", parsed[0].Error.Reason, ReasonMissingArgument)
	}
}

func TestParseUnknownCmd(t *testing.T) {
	parsed := ParseClientCommands([]byte(`[{"cmd":"Nope"}]`))
	if len(parsed) != 1 || parsed[0].Error == nil {
		t.Fatalf("parsed = %+v", parsed)
	}
	if parsed[0].Error.Name != "Nope" || parsed[0].Error.Reason != ReasonUnknownCmd {
		t.Errorf("error = %+v", parsed[0].Error)
	}
}

func TestParseNonObjectElement(t *testing.T) {
	parsed := ParseClientCommands([]byte(`[5]`))
	if len(parsed) != 1 || parsed[0].Error == nil || parsed[0].Error.Reason != ReasonBadValue {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestParseNonArrayTopLevel(t *testing.T) {
	parsed := ParseClientCommands([]byte(`{"cmd":"Sync"}`))
	if len(parsed) != 1 || parsed[0].Error == nil || parsed[0].Error.Reason != ReasonBadValue {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestParseSync(t *testing.T) {
	parsed := ParseClientCommands([]byte(`[{"cmd":"Sync"}]`))
	if len(parsed) != 1 || parsed[0].Command == nil {
		t.Fatalf("parsed = %+v", parsed)
	}
	if _, ok := parsed[0].Command.(SyncCommand); !ok {
		t.Errorf("Command = %T, want SyncCommand", parsed[0].Command)
	}
}

func TestParseSyncWithSlot(t *testing.T) {
	parsed := ParseClientCommands([]byte(`[{"cmd":"Sync","slot":"A"}]`))
	sync, ok := parsed[0].Command.(SyncCommand)
	if !ok || sync.Slot == nil || *sync.Slot != "A" {
		t.Fatalf("parsed[0].Command = %+v", parsed[0].Command)
	}
}

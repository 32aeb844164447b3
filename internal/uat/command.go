package uat

import "encoding/json"

// ProtocolVersion is the UAT protocol version this bridge speaks, always
// reported as 0 in every Info command (spec.md §4.E).
const ProtocolVersion = 0

// ErrorReplyReason is one of the four fixed reason strings a client may
// receive in an ErrorReply.
type ErrorReplyReason string

const (
	ReasonUnknownCmd      ErrorReplyReason = "unknown cmd"
	ReasonMissingArgument ErrorReplyReason = "missing argument"
	ReasonBadValue        ErrorReplyReason = "bad value"
	ReasonUnknown         ErrorReplyReason = "unknown"
)

// ServerCommand is anything this bridge can send to a UAT client: Info,
// Var, or ErrorReply. Each marshals to a distinct JSON object shape.
type ServerCommand interface {
	serverCommand()
}

// InfoCommand describes the currently active game interface.
type InfoCommand struct {
	Name     *string  `json:"name,omitempty"`
	Version  *string  `json:"version,omitempty"`
	Features []string `json:"features,omitempty"`
	Slots    []string `json:"slots,omitempty"`
}

func (InfoCommand) serverCommand() {}

// MarshalJSON emits the {cmd:"Info", ..., protocol:0} shape.
func (c InfoCommand) MarshalJSON() ([]byte, error) {
	type alias InfoCommand
	return json.Marshal(struct {
		Cmd      string `json:"cmd"`
		Protocol int    `json:"protocol"`
		alias
	}{Cmd: "Info", Protocol: ProtocolVersion, alias: alias(c)})
}

// VarCommand reports one variable's current value.
type VarCommand struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Slot  *int   `json:"slot,omitempty"`
}

func (VarCommand) serverCommand() {}

func (c VarCommand) MarshalJSON() ([]byte, error) {
	type alias VarCommand
	return json.Marshal(struct {
		Cmd string `json:"cmd"`
		alias
	}{Cmd: "Var", alias: alias(c)})
}

// ErrorReplyCommand reports a client protocol error. The session stays
// open; this is not a close signal.
type ErrorReplyCommand struct {
	Name        string           `json:"name"`
	Argument    *string          `json:"argument,omitempty"`
	Reason      ErrorReplyReason `json:"reason"`
	Description *string          `json:"description,omitempty"`
}

func (ErrorReplyCommand) serverCommand() {}

func NewErrorReply(name string, reason ErrorReplyReason) ErrorReplyCommand {
	return ErrorReplyCommand{Name: name, Reason: reason}
}

func NewErrorReplyWithDescription(name string, reason ErrorReplyReason, description string) ErrorReplyCommand {
	return ErrorReplyCommand{Name: name, Reason: reason, Description: &description}
}

// EncodeServerCommands marshals a slice of ServerCommand into the JSON
// array every server→client message takes (spec.md §4.E).
func EncodeServerCommands(cmds []ServerCommand) ([]byte, error) {
	if cmds == nil {
		cmds = []ServerCommand{}
	}
	return json.Marshal(cmds)
}

// VarCommandsFromVariables converts a snapshot of the variable store into
// one VarCommand per entry, preserving order.
func VarCommandsFromVariables(vars []Variable) []ServerCommand {
	out := make([]ServerCommand, len(vars))
	for i, v := range vars {
		out[i] = VarCommand{Name: v.Name, Value: v.Value}
	}
	return out
}

// ClientCommand is something a UAT client sent us. Only Sync exists today
// (spec.md §4.E); new command kinds are added here, not by relaxing the
// unknown-cmd error path.
type ClientCommand interface {
	clientCommand()
}

// SyncCommand requests a full snapshot replay of every stored variable.
type SyncCommand struct {
	Slot *string
}

func (SyncCommand) clientCommand() {}

// ParsedCommand holds the outcome of parsing one element of a client
// message: either Command is set (a recognized ClientCommand) or Error is
// set (the reply to send back without closing the session) — never both.
type ParsedCommand struct {
	Command ClientCommand
	Error   *ErrorReplyCommand
}

// ParseClientCommands decodes one client→server message: a JSON array of
// command objects. A non-array top-level value yields a single
// ParsedCommand carrying an Error.
func ParseClientCommands(data []byte) []ParsedCommand {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		reply := NewErrorReplyWithDescription("", ReasonBadValue, "expected array")
		return []ParsedCommand{{Error: &reply}}
	}

	out := make([]ParsedCommand, len(raw))
	for i, elem := range raw {
		out[i] = parseClientCommand(elem)
	}
	return out
}

func parseClientCommand(elem json.RawMessage) ParsedCommand {
	errorReply := func(reply ErrorReplyCommand) ParsedCommand {
		return ParsedCommand{Error: &reply}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(elem, &obj); err != nil {
		return errorReply(NewErrorReplyWithDescription("", ReasonBadValue, "expected object"))
	}

	cmdRaw, ok := obj["cmd"]
	if !ok {
		return errorReply(NewErrorReplyWithDescription("", ReasonMissingArgument, "missing cmd"))
	}
	var cmd string
	if err := json.Unmarshal(cmdRaw, &cmd); err != nil {
		return errorReply(NewErrorReplyWithDescription("", ReasonMissingArgument, "missing cmd"))
	}

	switch cmd {
	case "Sync":
		var body struct {
			Slot *string `json:"slot"`
		}
		if slotRaw, ok := obj["slot"]; ok {
			json.Unmarshal(slotRaw, &body.Slot)
		}
		return ParsedCommand{Command: SyncCommand{Slot: body.Slot}}
	default:
		return errorReply(NewErrorReply(cmd, ReasonUnknownCmd))
	}
}

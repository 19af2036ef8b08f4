// Package invoke implements the inbound action pipeline: the bounded intake
// queue holding gateway requests pending approval, the approval broker, and
// the sandbox that turns an approved invoke into a policy-constrained file or
// process operation.
package invoke

import (
	"encoding/json"
	"time"
)

// Kind classifies an invoke by the effect of its command.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Supported command names.
const (
	CmdReadFile       = "read_file"
	CmdListFiles      = "list_files"
	CmdWriteFile      = "write_file"
	CmdReadConfig     = "read_config"
	CmdSystemInfo     = "system_info"
	CmdValidateConfig = "validate_config"
	CmdRunCommand     = "run_command"
)

// readOnlyCommands is the fixed set of command names classified as read.
// Everything else, including unknown commands, is treated as write so that
// approval policy errs on the cautious side.
var readOnlyCommands = map[string]bool{
	CmdReadFile:       true,
	CmdListFiles:      true,
	CmdReadConfig:     true,
	CmdSystemInfo:     true,
	CmdValidateConfig: true,
}

// ClassifyKind derives the invoke kind from the command name.
func ClassifyKind(command string) Kind {
	if readOnlyCommands[command] {
		return KindRead
	}
	return KindWrite
}

// Invoke is one inbound action request awaiting approval.
type Invoke struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	Args       json.RawMessage `json:"args,omitempty"`
	Kind       Kind            `json:"kind"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

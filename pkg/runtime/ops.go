package runtime

import "encoding/json"

// Runtime-level command ops every StateMachine must handle regardless
// of domain: opening/closing a session and the leader-originated tick
// that drives ExpirationScheduler forward absent other traffic.
// Domain ops (Join, Leave, Submit, ...) are defined by pkg/group.
const (
	OpSessionOpen  = "runtime.session_open"
	OpSessionClose = "runtime.session_close"
	OpTick         = "runtime.tick"
)

// EncodeCommand serializes a Command for the replicated log.
func EncodeCommand(cmd Command) ([]byte, error) { return encodeCommand(cmd) }

// DecodeCommand deserializes a Command from the replicated log.
func DecodeCommand(data []byte) (Command, error) { return decodeCommand(data) }

func encodeCommand(cmd Command) ([]byte, error) { return json.Marshal(cmd) }

func decodeCommand(data []byte) (Command, error) {
	var cmd Command
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}

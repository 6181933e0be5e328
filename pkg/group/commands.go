package group

import (
	"encoding/json"

	"github.com/groupkit/groupd/pkg/types"
)

// Domain command/query ops (spec §4.1, §6). Session lifecycle and the
// tick op are defined in pkg/runtime and applied by StateMachine.Apply.
const (
	OpJoin           = "group.join"
	OpLeave          = "group.leave"
	OpListen         = "group.listen"
	OpSetProperty    = "group.set_property"
	OpRemoveProperty = "group.remove_property"
	OpSubmit         = "group.submit"
	OpAck            = "group.ack"

	// OpGetProperty is served as a Query, never applied to the log.
	OpGetProperty = "group.get_property"
)

// JoinPayload is Command.Data for OpJoin.
type JoinPayload struct {
	MemberID   string `json:"memberId"`
	Address    string `json:"address,omitempty"`
	Persistent bool   `json:"persistent"`
}

// LeavePayload is Command.Data for OpLeave.
type LeavePayload struct {
	MemberID string `json:"memberId"`
}

// SetPropertyPayload is Command.Data for OpSetProperty. An empty
// MemberID scopes the property to the group.
type SetPropertyPayload struct {
	MemberID string `json:"memberId,omitempty"`
	Name     string `json:"name"`
	Value    []byte `json:"value,omitempty"`
}

// RemovePropertyPayload is Command.Data for OpRemoveProperty.
type RemovePropertyPayload struct {
	MemberID string `json:"memberId,omitempty"`
	Name     string `json:"name"`
}

// PropertyQuery is Query.Data for OpGetProperty.
type PropertyQuery struct {
	MemberID string `json:"memberId,omitempty"`
	Name     string `json:"name"`
}

// SubmitPayload is Command.Data for OpSubmit.
type SubmitPayload struct {
	TargetMemberID string        `json:"targetMemberId"`
	Payload        []byte        `json:"payload,omitempty"`
	AckMode        types.AckMode `json:"ackMode,omitempty"`
}

// AckPayload is Command.Data for OpAck.
type AckPayload struct {
	MemberID  string `json:"memberId"`
	TaskIndex uint64 `json:"taskIndex"`
	Succeeded bool   `json:"succeeded"`
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // encoding a value we constructed ourselves
	}
	return b
}

func unmarshalInto[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

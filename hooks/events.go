package hooks

import "github.com/INLOpen/nssync/core"

// PreAppendPayload is passed to listeners before a leader appends a record.
// A listener returning an error rejects the append.
type PreAppendPayload struct {
	Payload []byte
	Sync    bool
}

func NewPreAppendEvent(payload PreAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreAppend, payload: payload}
}

// PostWALAppendPayload describes a record that reached the local log. It is
// triggered after the node released its locks, so listeners may query the
// node.
type PostWALAppendPayload struct {
	Offset uint64 // start of the record
	Size   uint64 // header plus payload
}

func NewPostWALAppendEvent(payload PostWALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALAppend, payload: payload}
}

// PostReplicatePayload describes a record the follower acknowledged.
type PostReplicatePayload struct {
	Offset     uint64
	Size       uint64
	SyncOffset uint64 // replicated offset after this record
}

func NewPostReplicateEvent(payload PostReplicatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostReplicate, payload: payload}
}

// ModeChangePayload is sent when the leader enters or leaves master-only mode.
type ModeChangePayload struct {
	From          core.Mode
	To            core.Mode
	CurrentOffset uint64
	SyncOffset    uint64
}

func NewPostModeChangeEvent(payload ModeChangePayload) HookEvent {
	return &BaseEvent{eventType: EventPostModeChange, payload: payload}
}

// ProgressWritePayload is sent after the replicated offset is persisted.
type ProgressWritePayload struct {
	SyncOffset uint64
}

func NewPostProgressWriteEvent(payload ProgressWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPostProgressWrite, payload: payload}
}

// FollowerApplyPayload describes a record a follower logged and applied.
type FollowerApplyPayload struct {
	Offset uint64
	Size   uint64
}

func NewPostFollowerApplyEvent(payload FollowerApplyPayload) HookEvent {
	return &BaseEvent{eventType: EventPostFollowerApply, payload: payload}
}

// NodeLifecyclePayload carries the role of a node that is starting or stopping.
type NodeLifecyclePayload struct {
	Role core.Role
}

func NewPostStartNodeEvent(payload NodeLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostStartNode, payload: payload}
}

func NewPreCloseNodeEvent(payload NodeLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseNode, payload: payload}
}

func NewPostCloseNodeEvent(payload NodeLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCloseNode, payload: payload}
}

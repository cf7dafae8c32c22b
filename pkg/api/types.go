// Package api defines the wire protocol shared between the server and
// its clients: a versioned JSON envelope over the websocket, plus the
// message payloads for session and workspace operations.
package api

import (
	"encoding/json"
	"time"
)

const ProtocolVersion = 1

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Version   int             `json:"v"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client to server message types.
const (
	MsgCreateOrAttach  = "create_or_attach"
	MsgInput           = "input"
	MsgResize          = "resize"
	MsgDetach          = "detach"
	MsgReconnect       = "reconnect"
	MsgResumeWorkspace = "resume_workspace"
	MsgCheckOwnership  = "check_ownership"
	MsgTabCreate       = "tab_create"
	MsgTabClose        = "tab_close"
	MsgTabActivate     = "tab_activate"
	MsgTabTitle        = "tab_title"
	MsgPaneCreate      = "pane_create"
	MsgPaneSplit       = "pane_split"
	MsgPaneBind        = "pane_bind"
	MsgWorkspaceUpdate = "workspace_update"
)

// Server to client message types.
const (
	MsgSessionStatus   = "session_status"
	MsgOutput          = "output"
	MsgSessionClosed   = "session_closed"
	MsgReconnectResult = "reconnect_result"
	MsgWorkspaceState  = "workspace_state"
	MsgWorkspaceResume = "workspace_resumed"
	MsgOwnership       = "ownership"
	MsgError           = "error"
)

type CreateOrAttachRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Dir       string `json:"dir,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Command   string `json:"command,omitempty"`
}

type SessionStatusPayload struct {
	Status  string `json:"status"`
	IsOwner bool   `json:"is_owner,omitempty"`
}

type InputPayload struct {
	Data string `json:"data"`
}

type ResizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type OutputPayload struct {
	Data string `json:"data"`
	// Replay marks buffered scrollback delivered on attach, before any
	// live output.
	Replay bool `json:"replay,omitempty"`
}

type SessionClosedPayload struct {
	Reason string `json:"reason"`
}

type ReconnectResultPayload struct {
	Status  string `json:"status"`
	Buffer  string `json:"buffer,omitempty"`
	IsOwner bool   `json:"is_owner,omitempty"`
}

type OwnershipPayload struct {
	IsOwner bool `json:"is_owner"`
}

type TabCreateRequest struct {
	Title   string `json:"title"`
	Kind    string `json:"type"`
	SubKind string `json:"subType,omitempty"`
}

type TabRequest struct {
	TabID string `json:"tab_id"`
	Title string `json:"title,omitempty"`
}

type PaneCreateRequest struct {
	TabID   string `json:"tab_id"`
	Title   string `json:"title"`
	Kind    string `json:"type"`
	SubKind string `json:"subType,omitempty"`
}

type PaneSplitRequest struct {
	TabID     string `json:"tab_id"`
	PaneID    string `json:"pane_id"`
	Direction string `json:"direction"`
}

type PaneBindRequest struct {
	TabID     string `json:"tab_id"`
	PaneID    string `json:"pane_id"`
	SessionID string `json:"session_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

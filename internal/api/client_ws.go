package api

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/termloom/termloom/internal/domain"
	"github.com/termloom/termloom/internal/service"
	"github.com/termloom/termloom/internal/session"
	wire "github.com/termloom/termloom/pkg/api"
)

const (
	remoteUserHeader = "X-Remote-User"
	remoteRoleHeader = "X-Remote-Role"
)

// wsClient is one websocket connection. It may be attached to several
// sessions at once, one pump goroutine per attachment; all writes to the
// socket are serialized through writeMu.
type wsClient struct {
	h      *Handler
	conn   *websocket.Conn
	client domain.Client

	writeMu sync.Mutex

	attachMu    sync.Mutex
	attachments map[string]func()
}

func (h *Handler) clientWebSocket(w http.ResponseWriter, r *http.Request) {
	owner := domain.Owner{
		Principal: r.Header.Get(remoteUserHeader),
		Address:   remoteAddress(r),
	}
	role := domain.ParseRole(r.Header.Get(remoteRoleHeader))

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{
		h:    h,
		conn: conn,
		client: domain.Client{
			ID:    uuid.NewString(),
			Owner: owner,
			Role:  role,
		},
		attachments: make(map[string]func()),
	}

	h.presence.Connect(c.client.ID, role)
	h.logger.Info("client connected", "client_id", c.client.ID, "role", role)

	c.sendWorkspaceState()
	c.readLoop()

	c.detachAll()
	h.manager.DetachClient(c.client.ID)
	h.presence.Disconnect(c.client.ID)
	conn.Close()
	h.logger.Info("client disconnected", "client_id", c.client.ID)
}

func remoteAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c *wsClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}

		var msg wire.Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "bad_request", "invalid message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *wsClient) dispatch(msg wire.Envelope) {
	switch msg.Type {
	case wire.MsgCreateOrAttach:
		c.handleCreateOrAttach(msg)
	case wire.MsgInput:
		c.handleInput(msg)
	case wire.MsgResize:
		c.handleResize(msg)
	case wire.MsgDetach:
		c.handleDetach(msg)
	case wire.MsgReconnect:
		c.handleReconnect(msg)
	case wire.MsgResumeWorkspace:
		c.handleResumeWorkspace(msg)
	case wire.MsgCheckOwnership:
		c.handleCheckOwnership(msg)
	case wire.MsgTabCreate, wire.MsgTabClose, wire.MsgTabActivate, wire.MsgTabTitle,
		wire.MsgPaneCreate, wire.MsgPaneSplit, wire.MsgPaneBind, wire.MsgWorkspaceUpdate:
		c.handleWorkspaceOp(msg)
	default:
		c.sendError(msg.SessionID, "unsupported", "unsupported message type")
	}
}

func (c *wsClient) handleCreateOrAttach(msg wire.Envelope) {
	var req wire.CreateOrAttachRequest
	if msg.Data != nil {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError(msg.SessionID, "bad_request", "invalid create_or_attach payload")
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = msg.SessionID
	}

	res, err := c.h.manager.CreateOrAttach(service.CreateOrAttachRequest{
		SessionID: req.SessionID,
		Client:    c.client,
		Dir:       req.Dir,
		Rows:      req.Rows,
		Cols:      req.Cols,
		Command:   req.Command,
	})
	if err != nil {
		c.sendError(req.SessionID, errorCode(err), err.Error())
		return
	}

	c.send(wire.MsgSessionStatus, res.SessionID, wire.SessionStatusPayload{
		Status:  res.Status,
		IsOwner: res.IsOwner,
	})
	c.deliverAttachment(res)
}

// deliverAttachment replays scrollback and then starts the live pump.
// The replay envelope is written before the pump goroutine exists, which
// keeps the replay-before-live ordering on the wire.
func (c *wsClient) deliverAttachment(res service.AttachResult) {
	if res.Events == nil {
		return
	}
	if len(res.Replay) > 0 {
		c.send(wire.MsgOutput, res.SessionID, wire.OutputPayload{Data: string(res.Replay), Replay: true})
	}

	c.attachMu.Lock()
	if existing, ok := c.attachments[res.SessionID]; ok {
		existing()
	}
	c.attachments[res.SessionID] = res.Cancel
	c.attachMu.Unlock()

	go c.pump(res.SessionID, res.Events)
}

func (c *wsClient) pump(sessionID string, events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventOutput:
			c.send(wire.MsgOutput, sessionID, wire.OutputPayload{Data: string(ev.Output)})
		case session.EventClosed:
			c.send(wire.MsgSessionClosed, sessionID, wire.SessionClosedPayload{Reason: ev.Reason})
			c.dropAttachment(sessionID)
			return
		}
	}
}

func (c *wsClient) handleInput(msg wire.Envelope) {
	var req wire.InputPayload
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.sendError(msg.SessionID, "bad_request", "invalid input payload")
		return
	}
	if err := c.h.manager.WriteInput(msg.SessionID, c.client, []byte(req.Data)); err != nil {
		c.sendError(msg.SessionID, errorCode(err), err.Error())
	}
}

func (c *wsClient) handleResize(msg wire.Envelope) {
	var req wire.ResizePayload
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.sendError(msg.SessionID, "bad_request", "invalid resize payload")
		return
	}
	if err := c.h.manager.Resize(msg.SessionID, c.client, req.Rows, req.Cols); err != nil {
		c.sendError(msg.SessionID, errorCode(err), err.Error())
	}
}

func (c *wsClient) handleDetach(msg wire.Envelope) {
	if msg.SessionID == "" {
		c.detachAll()
		c.h.manager.DetachClient(c.client.ID)
		return
	}
	c.dropAttachment(msg.SessionID)
	if err := c.h.manager.DetachFromSession(msg.SessionID, c.client.ID); err != nil {
		c.sendError(msg.SessionID, errorCode(err), err.Error())
	}
}

func (c *wsClient) handleReconnect(msg wire.Envelope) {
	res, err := c.h.manager.Reconnect(msg.SessionID, c.client)
	if err != nil {
		c.sendError(msg.SessionID, errorCode(err), err.Error())
		return
	}

	payload := wire.ReconnectResultPayload{
		Status:  res.Status,
		IsOwner: res.IsOwner,
	}
	if res.Status == service.StatusRestoredFromBuffer {
		payload.Buffer = string(res.Replay)
	}
	c.send(wire.MsgReconnectResult, msg.SessionID, payload)

	if res.Status == service.StatusActive {
		c.deliverAttachment(res)
	}
}

func (c *wsClient) handleResumeWorkspace(msg wire.Envelope) {
	var req struct {
		Tabs []domain.Tab `json:"tabs"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.sendError("", "bad_request", "invalid resume_workspace payload")
		return
	}

	result, err := c.h.manager.ResumeWorkspace(c.client, req.Tabs)
	if err != nil {
		c.sendError("", errorCode(err), err.Error())
		return
	}
	for _, att := range result.Attachments {
		c.send(wire.MsgSessionStatus, att.SessionID, wire.SessionStatusPayload{Status: att.Status})
		c.deliverAttachment(att)
	}
	c.send(wire.MsgWorkspaceResume, "", result)
	c.sendWorkspaceState()
}

func (c *wsClient) handleCheckOwnership(msg wire.Envelope) {
	c.send(wire.MsgOwnership, msg.SessionID, wire.OwnershipPayload{
		IsOwner: c.h.manager.IsOwner(msg.SessionID, c.client.Owner),
	})
}

func (c *wsClient) handleWorkspaceOp(msg wire.Envelope) {
	if !c.h.presence.CanMutate(c.client.ID) {
		c.sendError("", "permission_denied", "viewers cannot modify the workspace")
		return
	}

	var err error
	switch msg.Type {
	case wire.MsgTabCreate:
		err = c.tabCreate(msg.Data)
	case wire.MsgTabClose:
		var req wire.TabRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil {
			err = c.h.ws.CloseTab(req.TabID)
		}
	case wire.MsgTabActivate:
		var req wire.TabRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil {
			err = c.h.ws.SetActiveTab(req.TabID)
		}
	case wire.MsgTabTitle:
		var req wire.TabRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil {
			err = c.h.ws.UpdateTabTitle(req.TabID, req.Title)
		}
	case wire.MsgPaneCreate:
		var req wire.PaneCreateRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil {
			var kind domain.TabKind
			if kind, err = domain.ParseTabKind(req.Kind); err == nil {
				_, err = c.h.ws.CreatePane(req.TabID, req.Title, kind, req.SubKind)
			}
		}
	case wire.MsgPaneSplit:
		var req wire.PaneSplitRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil {
			_, err = c.h.ws.SplitPane(req.TabID, req.PaneID, req.Direction)
		}
	case wire.MsgPaneBind:
		var req wire.PaneBindRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil {
			err = c.h.ws.BindPaneSession(req.TabID, req.PaneID, req.SessionID)
		}
	case wire.MsgWorkspaceUpdate:
		var state domain.WorkspaceState
		if err = json.Unmarshal(msg.Data, &state); err == nil {
			err = c.h.ws.ApplyLayout(state)
		}
	}

	if err != nil {
		c.sendError("", errorCode(err), err.Error())
		return
	}
	c.sendWorkspaceState()
}

// tabCreate also spawns and binds a terminal session for the default
// pane, so a freshly created terminal tab is immediately usable.
func (c *wsClient) tabCreate(data json.RawMessage) error {
	var req wire.TabCreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	kind, err := domain.ParseTabKind(req.Kind)
	if err != nil {
		return err
	}

	tab, err := c.h.ws.CreateTab(req.Title, kind, req.SubKind)
	if err != nil {
		return err
	}

	if kind == domain.TabTerminal && len(tab.Panes) > 0 {
		res, err := c.h.manager.CreateOrAttach(service.CreateOrAttachRequest{Client: c.client})
		if err != nil {
			c.h.logger.Warn("default pane session failed", "tab_id", tab.ID, "error", err)
			return nil
		}
		if err := c.h.ws.BindPaneSession(tab.ID, tab.Panes[0].ID, res.SessionID); err != nil {
			c.h.logger.Warn("default pane bind failed", "tab_id", tab.ID, "error", err)
		}
		c.send(wire.MsgSessionStatus, res.SessionID, wire.SessionStatusPayload{Status: res.Status})
		c.deliverAttachment(res)
	}
	return nil
}

func (c *wsClient) sendWorkspaceState() {
	c.send(wire.MsgWorkspaceState, "", c.h.ws.Snapshot())
}

func (c *wsClient) detachAll() {
	c.attachMu.Lock()
	for id, cancel := range c.attachments {
		cancel()
		delete(c.attachments, id)
	}
	c.attachMu.Unlock()
}

func (c *wsClient) dropAttachment(sessionID string) {
	c.attachMu.Lock()
	if cancel, ok := c.attachments[sessionID]; ok {
		cancel()
		delete(c.attachments, sessionID)
	}
	c.attachMu.Unlock()
}

func (c *wsClient) send(msgType, sessionID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.h.logger.Error("payload marshal failed", "type", msgType, "error", err)
		return
	}
	envelope := wire.Envelope{
		Version:   wire.ProtocolVersion,
		Type:      msgType,
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Data:      data,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(envelope)
}

func (c *wsClient) sendError(sessionID, code, message string) {
	c.send(wire.MsgError, sessionID, wire.ErrorPayload{Code: code, Message: message})
}

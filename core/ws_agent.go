package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetcore/core/codec"
	"fleetcore/core/dispatch"
	"fleetcore/core/metrics"
	"fleetcore/core/observer"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

// agentHub wires the agent-facing WebSocket endpoint to the registry,
// ingester, and dispatcher. Grounded on the protocol dispatch shape of
// the original node-facing websocket service: one handler per message
// type, each answering directly or broadcasting a change.
type agentHub struct {
	store      store.Store
	registry   *session.Registry
	ingester   *metrics.Ingester
	dispatcher *dispatch.Dispatcher
	broadcast  *observer.Broadcaster
}

func newAgentHub(s store.Store, reg *session.Registry, in *metrics.Ingester, disp *dispatch.Dispatcher, bc *observer.Broadcaster) *agentHub {
	return &agentHub{store: s, registry: reg, ingester: in, dispatcher: disp, broadcast: bc}
}

// handleAgentWS upgrades the request and runs the agent session until
// the transport closes. The node_id it ultimately attaches under is
// only known after node_register arrives, so the session is not
// registered with the registry until then.
func (h *agentHub) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws_agent: upgrade failed: %v", err)
		return
	}

	transport := newConnTransport(conn)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	var sess *session.Session
	peerAddr := r.RemoteAddr

	defer func() {
		if sess != nil {
			h.registry.Detach(sess)
			if h.broadcast != nil {
				h.broadcast.NotifyNodesChanged(sess.NodeID)
			}
		} else {
			transport.Close()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws_agent: read error: %v", err)
			}
			return
		}

		env, err := codec.Decode(raw)
		if err != nil {
			h.replyError(sess, transport, codec.ErrParseError, "malformed envelope")
			continue
		}

		switch env.Type {
		case codec.TypeNodeRegister:
			sess = h.handleRegister(sess, transport, conn, peerAddr, env)
		case codec.TypeHeartbeat:
			h.handleHeartbeat(sess, transport, env)
		case codec.TypeCommandStarted:
			h.handleCommandStarted(sess, env)
		case codec.TypeCommandResult:
			h.handleCommandResult(sess, transport, env)
		case codec.TypePing:
			h.reply(transport, codec.TypePong, struct{}{})
		default:
			h.replyError(sess, transport, codec.ErrUnknownType, "unknown message type: "+string(env.Type))
		}
	}
}

func (h *agentHub) handleRegister(sess *session.Session, transport session.Sender, conn *websocket.Conn, peerAddr string, env codec.Envelope) *session.Session {
	var payload codec.NodeRegisterPayload
	if err := env.DecodeData(&payload); err != nil || payload.NodeID == "" {
		h.replyError(sess, transport, codec.ErrValidation, "node_register requires node_id")
		return sess
	}

	ip := payload.IPAddress
	if ip == "" {
		ip = session.PeerHostFromAddr(peerAddr)
	}

	action := "created"
	if existing, err := h.store.GetNode(context.Background(), payload.NodeID); err == nil && existing != nil {
		action = "updated"
	}

	_, err := h.store.UpsertNode(context.Background(), payload.NodeID, store.NodeInfo{
		Hostname:  payload.Hostname,
		IPAddress: ip,
		OSInfo:    payload.OSInfo,
	})
	if err != nil {
		log.Printf("ws_agent: upsert node %s failed: %v", payload.NodeID, err)
		h.replyError(sess, transport, codec.ErrDatabase, "failed to register node")
		return sess
	}

	newSess := h.registry.AttachAgent(payload.NodeID, peerAddr, transport)
	if sess == nil {
		go runWriterPump(conn, newSess.Outbound(), newSess.Done())
	}
	h.reply(newSess, codec.TypeRegisterResponse, codec.RegisterResponsePayload{
		Success: true,
		Message: "registered",
		NodeID:  payload.NodeID,
		Action:  action,
	})
	if h.broadcast != nil {
		h.broadcast.NotifyNodesChanged(payload.NodeID)
	}
	return newSess
}

func (h *agentHub) handleHeartbeat(sess *session.Session, transport session.Sender, env codec.Envelope) {
	var payload codec.HeartbeatPayload
	if err := env.DecodeData(&payload); err != nil {
		h.replyError(sess, transport, codec.ErrParseError, "malformed heartbeat")
		return
	}
	if sess == nil {
		h.replyError(sess, transport, codec.ErrNodeNotFound, "heartbeat before registration")
		return
	}

	var reportedTime *time.Time
	if payload.MetricTime != nil {
		if t, err := time.Parse(time.RFC3339, *payload.MetricTime); err == nil {
			reportedTime = &t
		}
	}

	now := time.Now().UTC()
	if err := h.store.MarkOnline(context.Background(), sess.NodeID, now); err != nil {
		log.Printf("ws_agent: mark %s online failed: %v", sess.NodeID, err)
	}

	if err := h.ingester.Ingest(context.Background(), sess.NodeID, payload.Metrics, reportedTime); err != nil {
		h.replyError(sess, transport, codec.ErrValidation, err.Error())
		return
	}

	h.reply(sess, codec.TypeHeartbeatAck, codec.HeartbeatAckPayload{Received: true, NodeID: sess.NodeID})
	if h.broadcast != nil {
		h.broadcast.NotifyMetricsChanged(sess.NodeID)
	}
}

func (h *agentHub) handleCommandStarted(sess *session.Session, env codec.Envelope) {
	var payload codec.CommandStartedPayload
	if err := env.DecodeData(&payload); err != nil {
		return
	}
	h.dispatcher.HandleStarted(context.Background(), payload.CommandID)
}

func (h *agentHub) handleCommandResult(sess *session.Session, transport session.Sender, env codec.Envelope) {
	var payload codec.CommandResultPayload
	if err := env.DecodeData(&payload); err != nil {
		h.replyError(sess, transport, codec.ErrParseError, "malformed command_result")
		return
	}
	h.dispatcher.HandleResult(context.Background(), payload.CommandID, store.CommandResult{
		ExitCode:        payload.ExitCode,
		Stdout:          payload.Stdout,
		Stderr:          payload.Stderr,
		ExecutionTimeMs: payload.ExecutionTimeMs,
	})
	nodeID := ""
	if sess != nil {
		nodeID = sess.NodeID
	}
	h.reply(transport, codec.TypeCommandReceived, codec.CommandReceivedPayload{
		Received:  true,
		NodeID:    nodeID,
		CommandID: payload.CommandID,
	})
}

// reply accepts either *session.Session or session.Sender so handlers
// that haven't attached a session yet (pre-registration errors) can
// still write directly to the transport.
func (h *agentHub) reply(dst any, msgType codec.MessageType, payload any) {
	env, err := codec.NewEnvelope(msgType, payload)
	if err != nil {
		return
	}
	frame, err := codec.Encode(env)
	if err != nil {
		return
	}
	switch v := dst.(type) {
	case *session.Session:
		if v == nil {
			return
		}
		v.Enqueue(frame)
	case session.Sender:
		_ = v.Send(frame)
	}
}

func (h *agentHub) replyError(sess *session.Session, transport session.Sender, code, message string) {
	env := codec.NewError(code, message)
	frame, err := codec.Encode(env)
	if err != nil {
		return
	}
	if sess != nil {
		sess.Enqueue(frame)
		return
	}
	_ = transport.Send(frame)
}

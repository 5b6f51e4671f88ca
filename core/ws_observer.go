package main

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleetcore/core/codec"
	"fleetcore/core/observer"
	"fleetcore/core/session"
)

// observerHub wires /ws/client?type=monitor to the registry and the
// observer broadcaster. Observers are read-mostly: the only frames they
// send back are ping, which the handler answers itself.
type observerHub struct {
	registry  *session.Registry
	broadcast *observer.Broadcaster
}

func newObserverHub(reg *session.Registry, bc *observer.Broadcaster) *observerHub {
	return &observerHub{registry: reg, broadcast: bc}
}

func (h *observerHub) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws_observer: upgrade failed: %v", err)
		return
	}

	transport := newConnTransport(conn)
	clientID := uuid.NewString()
	sess := h.registry.AttachObserver(clientID, r.RemoteAddr, transport)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	welcome, err := codec.NewEnvelope(codec.TypeWelcome, codec.WelcomePayload{Message: "connected"})
	if err == nil {
		if frame, err := codec.Encode(welcome); err == nil {
			sess.Enqueue(frame)
		}
	}
	if h.broadcast != nil {
		if nodesEnv, metricsEnv, err := h.broadcast.Snapshot(); err == nil {
			if frame, err := codec.Encode(nodesEnv); err == nil {
				sess.Enqueue(frame)
			}
			if frame, err := codec.Encode(metricsEnv); err == nil {
				sess.Enqueue(frame)
			}
		}
	}

	go runWriterPump(conn, sess.Outbound(), sess.Done())

	defer h.registry.Detach(sess)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws_observer: read error: %v", err)
			}
			return
		}

		env, err := codec.Decode(raw)
		if err != nil {
			continue
		}
		switch env.Type {
		case codec.TypePing:
			pong, err := codec.NewEnvelope(codec.TypePong, struct{}{})
			if err == nil {
				if frame, err := codec.Encode(pong); err == nil {
					sess.Enqueue(frame)
				}
			}
		default:
			errEnv := codec.NewError(codec.ErrUnknownType, "observer sessions are read-mostly")
			if frame, err := codec.Encode(errEnv); err == nil {
				sess.Enqueue(frame)
			}
		}
	}
}

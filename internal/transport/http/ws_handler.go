package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"skillvault-service/internal/app"
	"skillvault-service/internal/domain"
)

// WSHandler serves the live proctoring channel of one attempt.
type WSHandler struct {
	proctor  *app.ProctorMonitor
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewWSHandler(proctor *app.ProctorMonitor, log logrus.FieldLogger) *WSHandler {
	return &WSHandler{
		proctor: proctor,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and relays integrity events in both directions.
//
// Client -> server: {"type":"flag","payload":{"type":"tab_switch","details":"...","at":"..."}}
// Server -> client: {"type":"status","payload":IntegrityStatus}, and {"type":"autoSubmit"} once
// the tab switch limit is reached.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, domain.ErrUnauthenticated)
		return
	}
	attemptID := chi.URLParam(r, "id")

	// subscribe before upgrading so unknown or foreign attempts get a plain HTTP error
	updates, cancel, err := h.proctor.Subscribe(r.Context(), caller, attemptID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	log := h.log.WithFields(logrus.Fields{"attempt_id": attemptID, "student_id": caller.StudentID})

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// single writer goroutine: gorilla connections allow one concurrent writer
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.WithError(err).Debug("ws write error")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case status, ok := <-updates:
				if !ok {
					return
				}
				msgs := []outboundMessage[any]{{Type: "status", Payload: status}}
				if status.AutoSubmit {
					msgs = append(msgs, outboundMessage[any]{Type: "autoSubmit", Payload: status})
				}
				for _, m := range msgs {
					select {
					case send <- m:
					case <-closeSignals:
						return
					}
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "flag":
			var flag domain.ProctorFlag
			if err := json.Unmarshal(inbound.Payload, &flag); err != nil || !validFlag(flag.Type) {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid flag payload"}}
				continue
			}
			// the resulting status reaches this connection through the subscription
			if _, err := h.proctor.RecordFlags(r.Context(), caller, attemptID, []domain.ProctorFlag{flag}); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
				continue
			}
		case "ping":
			send <- outboundMessage[any]{Type: "pong", Payload: struct{}{}}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func validFlag(t domain.FlagType) bool {
	switch t {
	case domain.FlagTabSwitch, domain.FlagRightClick, domain.FlagCopyPaste,
		domain.FlagKeyboardShortcut, domain.FlagFullscreenExit:
		return true
	default:
		return false
	}
}

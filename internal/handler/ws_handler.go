package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/attempt"
	"github.com/examgate/examgate-backend/internal/middleware"
	"github.com/examgate/examgate-backend/internal/service"
	ws "github.com/examgate/examgate-backend/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the live attempt stream: ticks, warnings, and the
// finalized announcement flow out; answers, flags, and anomaly signals
// flow in.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// wsConn serializes writes; gorilla/websocket permits one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ws.WriteTyped(w.conn, v)
}

func (w *wsConn) writeError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = ws.WriteError(w.conn, msg)
}

// AttemptStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Upgrades to WebSocket for the live attempt session.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exam ID"})
		return
	}

	studentID := claims.UserID
	att, runtime, err := h.attemptService.Runtime(c.Request.Context(), examID, studentID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "no attempt in progress for this exam"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	wsLog := h.log.With().
		Str("student_id", studentID.String()).
		Str("attempt_id", att.ID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	// Pump runtime events until the attempt finalizes or the client leaves.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.pumpEvents(conn, runtime, wsLog)
	}()

	h.readLoop(conn, runtime, examID, studentID, wsLog)
	<-pumpDone
}

func (h *WSHandler) pumpEvents(conn *wsConn, runtime *attempt.Controller, wsLog zerolog.Logger) {
	for ev := range runtime.Events() {
		var err error
		switch ev.Type {
		case attempt.EventTick:
			err = conn.write(ws.TickEvent{Event: ws.EventTick, RemainingSeconds: ev.RemainingSeconds})
		case attempt.EventWarning:
			err = conn.write(ws.WarningEvent{Event: ws.EventWarning, ViolationCount: ev.ViolationCount, Visible: ev.WarningVisible})
		case attempt.EventFinalized:
			err = conn.write(ws.FinalizedEvent{Event: ws.EventFinalized, Status: ev.Status})
			if err == nil {
				wsLog.Info().Str("status", string(ev.Status)).Msg("Attempt finalized, closing stream")
			}
			conn.conn.Close()
			return
		}
		if err != nil {
			// Client went away; the runtime keeps running server-side.
			wsLog.Debug().Err(err).Msg("Event write failed")
			return
		}
	}
}

func (h *WSHandler) readLoop(conn *wsConn, runtime *attempt.Controller, examID, studentID uuid.UUID, wsLog zerolog.Logger) {
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var envelope ws.RequestEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			conn.writeError("malformed message")
			continue
		}

		switch envelope.Action {
		case ws.ActionAutosave:
			h.handleAutosave(conn, runtime, data)
		case ws.ActionReview:
			h.handleReview(conn, runtime, data)
		case ws.ActionViolation:
			h.handleViolation(conn, runtime, wsLog, data)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, examID, studentID)
		case ws.ActionPing:
			_ = conn.write(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(envelope.Action)).Msg("Unknown action")
			conn.writeError("unknown action: " + string(envelope.Action))
		}
	}
}

func (h *WSHandler) handleAutosave(conn *wsConn, runtime *attempt.Controller, data []byte) {
	var msg ws.AutosaveRequest
	if err := json.Unmarshal(data, &msg); err != nil || msg.QID == "" || msg.Answer == "" {
		conn.writeError("q_id and ans are required")
		return
	}
	qid, err := uuid.Parse(msg.QID)
	if err != nil {
		conn.writeError("invalid q_id format")
		return
	}

	if err := runtime.SetAnswer(qid, msg.Answer); err != nil {
		conn.writeError(h.mutationError(err))
		return
	}
	_ = conn.write(ws.AckResponse{Event: ws.EventSuccess, Action: ws.ActionAutosave, Status: "saved"})
}

func (h *WSHandler) handleReview(conn *wsConn, runtime *attempt.Controller, data []byte) {
	var msg ws.ReviewRequest
	if err := json.Unmarshal(data, &msg); err != nil || msg.QID == "" {
		conn.writeError("q_id is required")
		return
	}
	qid, err := uuid.Parse(msg.QID)
	if err != nil {
		conn.writeError("invalid q_id format")
		return
	}

	if err := runtime.SetReview(qid, msg.Mark); err != nil {
		conn.writeError(h.mutationError(err))
		return
	}
	_ = conn.write(ws.AckResponse{Event: ws.EventSuccess, Action: ws.ActionReview, Status: "saved"})
}

func (h *WSHandler) handleViolation(conn *wsConn, runtime *attempt.Controller, wsLog zerolog.Logger, data []byte) {
	var msg ws.ViolationRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.writeError("malformed violation payload")
		return
	}

	count, err := runtime.ReportViolation()
	if err != nil {
		conn.writeError(h.mutationError(err))
		return
	}

	wsLog.Info().Str("kind", msg.Kind).Int("count", count).Msg("Violation reported")
	_ = conn.write(ws.ViolationAck{
		Event:          ws.EventSuccess,
		Action:         ws.ActionViolation,
		Status:         "recorded",
		ViolationCount: count,
	})
}

func (h *WSHandler) handleSubmit(conn *wsConn, wsLog zerolog.Logger, examID, studentID uuid.UUID) {
	// Detached context: the submission must not die with the socket.
	if err := h.attemptService.Submit(context.Background(), examID, studentID); err != nil {
		wsLog.Error().Err(err).Msg("Submit failed")
		conn.writeError(h.mutationError(err))
		return
	}
	// The finalized event arrives through the event pump.
}

func (h *WSHandler) mutationError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, attempt.ErrAttemptTerminal), errors.Is(err, service.ErrAttemptCompleted):
		return "attempt already completed"
	case errors.Is(err, attempt.ErrAlreadyFinalizing), errors.Is(err, attempt.ErrLedgerFrozen):
		return "attempt is finalizing"
	case errors.Is(err, attempt.ErrUnknownQuestion):
		return "question not in this exam"
	default:
		return "request failed"
	}
}

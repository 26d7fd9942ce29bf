package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vending-svc/machines"
	"vending-svc/models"
	"vending-svc/orders"
)

type inboundMessage struct {
	Type      string `json:"type"` // connect, heartbeat, done
	MachineID string `json:"machineId,omitempty"`
	Token     string `json:"token,omitempty"`
	TS        int64  `json:"ts,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
	Result    string `json:"result,omitempty"`
}

type ackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ack struct {
	Type      string    `json:"type"` // always "ack"
	OK        bool      `json:"ok"`
	MachineID string    `json:"machineId,omitempty"`
	TS        int64     `json:"ts,omitempty"`
	OrderID   string    `json:"orderId,omitempty"`
	Error     *ackError `json:"error,omitempty"`
}

type Handler struct {
	hub      *Hub
	machines *machines.Coordinator
	orders   *orders.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, coordinator *machines.Coordinator, orderSvc *orders.Service, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		machines: coordinator,
		orders:   orderSvc,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Machines are embedded clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and runs the machine session until the
// connection drops.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed", zap.Error(err))
		return
	}

	channelID := newChannelID()
	h.hub.register(channelID, conn)

	defer func() {
		h.hub.unregister(channelID)
		h.machines.HandleDisconnect(context.Background(), channelID)
		conn.Close()
	}()

	// machineID is bound by a successful connect message; heartbeat and done
	// are rejected before that.
	machineID := ""

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Machine channel closed unexpectedly",
					zap.String("machine_id", machineID), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "connect":
			boundID, ok := h.handleConnect(c.Request.Context(), channelID, msg)
			if !ok {
				// Auth failure tears the channel down after the ack.
				return
			}
			machineID = boundID

		case "heartbeat":
			h.handleHeartbeat(c.Request.Context(), channelID, machineID)

		case "done":
			h.handleDone(c.Request.Context(), channelID, machineID, msg)

		default:
			h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
				Code:    "UNSUPPORTED_MESSAGE",
				Message: "unknown message type: " + msg.Type,
			}})
		}
	}
}

func (h *Handler) handleConnect(ctx context.Context, channelID string, msg inboundMessage) (string, bool) {
	if !models.IsValidMachineID(msg.MachineID) {
		h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
			Code:    "INVALID_MACHINE_ID",
			Message: "machineId is invalid",
		}})
		return "", false
	}

	if !h.machines.Authenticate(msg.MachineID, msg.Token) {
		h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
			Code:    "UNAUTHORIZED_MACHINE",
			Message: "machine token is invalid",
		}})
		return "", false
	}

	if err := h.machines.HandleConnect(ctx, msg.MachineID, channelID); err != nil {
		h.logger.Error("Failed to register machine connection",
			zap.String("machine_id", msg.MachineID), zap.Error(err))
		h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
			Code:    "MACHINE_CONNECT_FAILED",
			Message: err.Error(),
		}})
		return "", false
	}

	h.triggerDispatch(msg.MachineID)
	h.ack(channelID, ack{Type: "ack", OK: true, MachineID: msg.MachineID})
	return msg.MachineID, true
}

func (h *Handler) handleHeartbeat(ctx context.Context, channelID, machineID string) {
	if machineID == "" {
		h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
			Code:    "MACHINE_NOT_REGISTERED",
			Message: "connect must run first",
		}})
		return
	}

	if err := h.machines.HandleHeartbeat(ctx, machineID); err != nil {
		h.logger.Error("Heartbeat persist failed",
			zap.String("machine_id", machineID), zap.Error(err))
		h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
			Code:    "HEARTBEAT_FAILED",
			Message: err.Error(),
		}})
		return
	}

	h.triggerDispatch(machineID)
	h.ack(channelID, ack{Type: "ack", OK: true, TS: time.Now().UnixMilli()})
}

func (h *Handler) handleDone(ctx context.Context, channelID, machineID string, msg inboundMessage) {
	if machineID == "" {
		h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
			Code:    "MACHINE_NOT_REGISTERED",
			Message: "connect must run first",
		}})
		return
	}

	if msg.OrderID == "" {
		h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
			Code:    "INVALID_ORDER_ID",
			Message: "orderId is required",
		}})
		return
	}

	// Anything other than an explicit SUCCESS is a failed dispense.
	var err error
	if msg.Result == "SUCCESS" {
		err = h.orders.MarkCompleted(ctx, msg.OrderID)
	} else {
		err = h.orders.MarkFailed(ctx, msg.OrderID, "DISPENSE_FAILED")
	}
	if err != nil {
		code := "MACHINE_DONE_FAILED"
		if appErr, ok := err.(*models.AppError); ok {
			code = appErr.Code
		}
		h.ack(channelID, ack{Type: "ack", OK: false, Error: &ackError{
			Code:    code,
			Message: err.Error(),
		}})
		return
	}

	if err := h.machines.SetIdle(ctx, machineID); err != nil {
		h.logger.Error("Failed to mark machine idle",
			zap.String("machine_id", machineID), zap.Error(err))
	}

	h.triggerDispatch(machineID)
	h.ack(channelID, ack{Type: "ack", OK: true, OrderID: msg.OrderID})
}

// triggerDispatch runs the dispatch driver off the session's message loop so
// a slow store round-trip never stalls acks. The driver logs its own errors.
func (h *Handler) triggerDispatch(machineID string) {
	go h.orders.TryDispatchNextPending(context.Background(), machineID)
}

func (h *Handler) ack(channelID string, a ack) {
	if err := h.hub.Send(channelID, a); err != nil {
		h.logger.Error("Failed to send ack", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func newChannelID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("ws: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

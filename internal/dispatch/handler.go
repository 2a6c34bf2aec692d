package dispatch

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/registry"
)

const authTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades subscriber connections and runs the authentication
// handshake before handing the session to the hub.
type Handler struct {
	hub    *Hub
	store  *registry.Store
	audit  *registry.AuditWriter
	logger *logger.Logger
}

func NewHandler(hub *Hub, store *registry.Store, audit *registry.AuditWriter, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		store:  store,
		audit:  audit,
		logger: log.WithComponent("dispatch"),
	}
}

// Register mounts the websocket endpoint.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/ws", h.serveWS)
}

func (h *Handler) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	session, ok := h.authenticate(c, conn)
	if !ok {
		conn.Close()
		return
	}

	h.hub.register(session)
	go session.writeLoop()

	// The read loop owns the connection lifetime.
	session.readLoop(c.Request.Context())

	h.hub.unregister(session)
}

type authFrame struct {
	APIKey string `json:"api_key"`
}

// authenticate waits for the API key frame and loads the subscriber's
// profile. The first frame must arrive within authTimeout.
func (h *Handler) authenticate(c *gin.Context, conn *websocket.Conn) (*Session, bool) {
	ctx := c.Request.Context()

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.sendError(conn, "Authentication timeout")
		return nil, false
	}
	conn.SetReadDeadline(time.Time{})

	var frame authFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.logger.Warn("invalid auth payload")
		return nil, false
	}
	if frame.APIKey == "" {
		h.sendError(conn, "API key required")
		return nil, false
	}

	active, err := h.store.IsUserActive(ctx, frame.APIKey)
	if err != nil {
		h.logger.Error("auth lookup failed", slog.String("error", err.Error()))
		h.sendError(conn, "Authentication failed")
		return nil, false
	}
	if !active {
		h.sendError(conn, "Invalid or expired API key")
		return nil, false
	}

	user, err := h.store.GetUserByAPIKey(ctx, frame.APIKey)
	if err != nil {
		h.logger.Error("auth lookup failed", slog.String("error", err.Error()))
		h.sendError(conn, "Authentication failed")
		return nil, false
	}

	settings, err := h.store.GetSettings(ctx, user.ID)
	if err != nil {
		h.logger.Error("failed to load settings", slog.String("error", err.Error()))
		h.sendError(conn, "Authentication failed")
		return nil, false
	}
	whitelist, err := h.store.GetWhitelist(ctx, user.ID)
	if err != nil {
		whitelist = []registry.ListEntry{}
	}
	blacklist, err := h.store.GetBlacklist(ctx, user.ID)
	if err != nil {
		blacklist = []registry.ListEntry{}
	}

	success, err := json.Marshal(map[string]any{
		"type":      "auth_success",
		"username":  user.Username,
		"settings":  settings,
		"whitelist": whitelist,
		"blacklist": blacklist,
	})
	if err != nil {
		return nil, false
	}
	conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, success); err != nil {
		return nil, false
	}

	h.audit.LogConnection(user.ID, "connected", c.ClientIP())
	h.logger.Info("subscriber authenticated",
		slog.String("username", user.Username),
		slog.Int64("user_id", user.ID))

	blacklistSet := make(map[string]struct{}, len(blacklist))
	for _, e := range blacklist {
		blacklistSet[e.DevWallet] = struct{}{}
	}

	return &Session{
		ID:        logger.GenerateRequestID(),
		UserID:    user.ID,
		Username:  user.Username,
		conn:      conn,
		store:     h.store,
		audit:     h.audit,
		settings:  settings,
		blacklist: blacklistSet,
		outbound:  make(chan []byte, outboundBuffer),
		done:      make(chan struct{}),
		logger:    h.logger,
	}, true
}

func (h *Handler) sendError(conn *websocket.Conn, message string) {
	frame, err := json.Marshal(map[string]any{
		"type":    "error",
		"message": message,
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	conn.WriteMessage(websocket.TextMessage, frame)
}

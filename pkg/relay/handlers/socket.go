package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/pkg/relay"
	"github.com/voxbridge/voxbridge/pkg/relay/channel"
	"github.com/voxbridge/voxbridge/pkg/relay/protocol"
)

// SocketHandler upgrades /socket requests and runs the per-client read
// loop. The channel id comes from the "channel" query parameter; when it
// is absent a fresh channel is created and its id reported in the
// sessionReady frame. The "kind" parameter selects the transport adapter
// ("browser" by default, "twilio" for carrier media streams).
type SocketHandler struct {
	Relay  *relay.Relay
	Logger *slog.Logger

	WriteTimeout     time.Duration
	ReadLimitBytes   int64
	HandshakeTimeout time.Duration
}

func (h SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.HandshakeTimeout,
		// Origin policy is enforced by the CORS middleware ahead of us.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if h.ReadLimitBytes > 0 {
		conn.SetReadLimit(h.ReadLimitBytes)
	}

	ctx := r.Context()
	channelID := r.URL.Query().Get("channel")
	kind := r.URL.Query().Get("kind")

	sess, isNew, err := h.Relay.Registry().Resolve(ctx, channelID)
	if err != nil {
		logger.Error("channel resolve failed", "channel_id", channelID, "error", err)
		_ = conn.WriteJSON(protocol.NewError("session setup failed", err.Error()))
		return
	}
	channelID = sess.ID()

	client := channel.NewClient(uuid.NewString(), conn, h.WriteTimeout)
	if kind != "" {
		client = client.WithKind(kind)
	}
	if err := h.Relay.Registry().Attach(channelID, client, isNew); err != nil {
		logger.Error("client attach failed", "channel_id", channelID, "error", err)
		_ = conn.WriteJSON(protocol.NewError("attach failed", err.Error()))
		return
	}
	defer h.Relay.ForgetClient(client)
	defer h.Relay.Registry().Detach(client)

	logger.Info("client connected",
		"channel_id", channelID, "client_id", client.ID(), "kind", client.Kind(), "new_channel", isNew)

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("client read failed", "channel_id", channelID, "client_id", client.ID(), "error", err)
			}
			return
		}
		h.Relay.HandleMessage(ctx, client, sess, raw, mt == websocket.BinaryMessage)
	}
}

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxbridge/voxbridge/pkg/relay/channel"
	"github.com/voxbridge/voxbridge/pkg/relay/session"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ChannelsHandler lists the live channels for operators and dashboards.
type ChannelsHandler struct {
	Registry *channel.Registry
}

func (h ChannelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type channelResp struct {
		ID           string    `json:"id"`
		ClientCount  int       `json:"clientCount"`
		Active       bool      `json:"active"`
		State        string    `json:"state"`
		LastActivity time.Time `json:"lastActivity"`
	}
	type channelsResp struct {
		Channels []channelResp `json:"channels"`
	}

	infos := h.Registry.Snapshot()
	resp := channelsResp{Channels: make([]channelResp, 0, len(infos))}
	for _, info := range infos {
		resp.Channels = append(resp.Channels, channelResp{
			ID:           info.ID,
			ClientCount:  info.Clients,
			Active:       info.State == session.StateReady.String(),
			State:        info.State,
			LastActivity: info.LastActivity,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

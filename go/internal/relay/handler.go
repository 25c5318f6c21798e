package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

// Handler serves the relay's HTTP surface.
type Handler struct {
	hub       *Hub
	publicURL string
	version   string
}

func NewHandler(hub *Hub, publicURL, version string) *Handler {
	return &Handler{
		hub:       hub,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		version:   version,
	}
}

// Routes registers every relay route on a new router. The websocket endpoint
// is served on the root path too, since browser clients derive the socket URL
// from the page origin.
func (h *Handler) Routes() *httprouter.Router {
	mux := httprouter.New()

	mux.GET("/", h.serveRoot)
	mux.GET("/ws", h.serveWebSocket)
	mux.GET("/healthz", h.serveHealthCheck)
	mux.GET("/stats", h.serveStats)
	mux.GET("/version", h.serveVersion)
	mux.POST("/rooms", h.serveNewRoom)
	mux.GET("/rooms/:roomId", h.serveRoom)
	mux.GET("/rooms/:roomId/qr", h.serveRoomQR)

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		log.Error().Interface("panic", i).Str("path", r.URL.Path).Msg("handler panicked")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}

	return mux
}

func (h *Handler) serveRoot(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWebSocket(w, r, p)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("planning poker relay " + h.version + "\n"))
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Upgrade writes its own error response on failure.
	if err := h.hub.Upgrade(w, r); err != nil {
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("failed to upgrade websocket connection")
	}
}

func (h *Handler) serveHealthCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !h.hub.BackplaneConnected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("backplane disconnected\n"))
		return
	}
	_, _ = w.Write([]byte("Ok\n"))
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

func (h *Handler) serveVersion(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("poker-relay v" + h.version + "\n"))
}

// NewRoomResponse is returned by POST /rooms.
type NewRoomResponse struct {
	RoomID string `json:"room_id"`
	URL    string `json:"url"`
}

func (h *Handler) serveNewRoom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	roomID := uuid.NewString()
	writeJSON(w, http.StatusCreated, NewRoomResponse{
		RoomID: roomID,
		URL:    h.roomURL(r, roomID),
	})
}

// serveRoom is where share links land: it tells the visitor how to join.
func (h *Handler) serveRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomId")
	base := h.baseURL(r)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Planning poker room %s\n\nJoin from a terminal:\n  %s\n\nQR code: %s/qr\n",
		roomID, JoinCommand(base, roomID), RoomURL(base, roomID))
}

func (h *Handler) serveRoomQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomId")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	png, err := qrcode.Encode(h.roomURL(r, roomID), qrcode.Medium, qrSize)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("qr generation failed")
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// baseURL is the configured public URL, or else one derived from the request.
func (h *Handler) baseURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func (h *Handler) roomURL(r *http.Request, roomID string) string {
	return RoomURL(h.baseURL(r), roomID)
}

// RoomURL joins a relay base URL and a room id into a share link.
func RoomURL(base, roomID string) string {
	return strings.TrimSuffix(base, "/") + "/rooms/" + roomID
}

// JoinCommand is the terminal command that joins roomID through the relay at base.
func JoinCommand(base, roomID string) string {
	socket := strings.TrimSuffix(base, "/") + "/ws"
	switch {
	case strings.HasPrefix(socket, "https://"):
		socket = "wss://" + strings.TrimPrefix(socket, "https://")
	case strings.HasPrefix(socket, "http://"):
		socket = "ws://" + strings.TrimPrefix(socket, "http://")
	}
	return "poker --relay " + socket + " --room " + roomID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

package roomapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"studyhub/cmd/internal/realtime"
)

// Handler exposes room operations over REST. Every route requires a bearer
// credential verified by the same authenticator as the websocket gateway.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	core *realtime.Core
}

// NewHandler constructs a room API Handler over core.
func NewHandler(log *slog.Logger, core *realtime.Core, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if core == nil || core.Rooms == nil || core.Messages == nil || core.Auth == nil {
		return nil, errors.New("roomapi: incomplete core")
	}
	return &Handler{log: log, cfg: cfg.normalized(), core: core}, nil
}

// Register wires room routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /rooms", h.authed(h.handleListRooms))
	mux.HandleFunc("POST /rooms", h.authed(h.handleCreateRoom))
	mux.HandleFunc("DELETE /rooms/{roomId}", h.authed(h.handleDeleteRoom))
	mux.HandleFunc("POST /rooms/{roomId}/respond", h.authed(h.handleRespond))
	mux.HandleFunc("POST /rooms/{roomId}/leave", h.authed(h.handleLeave))
	mux.HandleFunc("POST /rooms/{roomId}/invites", h.authed(h.handleInvite))
	mux.HandleFunc("DELETE /rooms/{roomId}/members/{userId}", h.authed(h.handleRemoveMember))
	mux.HandleFunc("GET /rooms/{roomId}/messages", h.authed(h.historyHandler(realtime.RoomKindGroup)))
	mux.HandleFunc("POST /dm/rooms", h.authed(h.handleDirectRoom))
	mux.HandleFunc("GET /dm/rooms/{roomId}/messages", h.authed(h.historyHandler(realtime.RoomKindDirect)))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, id realtime.Identity)

func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := h.core.Auth.AuthenticateHeader(r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeOpError(w, r, err)
			return
		}
		next(w, r, id)
	}
}

// ---- handlers ----

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
	rooms, err := h.core.Rooms.ListRooms(r.Context(), id.UserID)
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomList(rooms))
}

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
	var req createRoomRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	room, err := h.core.Rooms.CreateRoom(r.Context(), realtime.CreateRoomInput{
		GroupID:    req.GroupID,
		CreatorID:  id.UserID,
		Name:       req.Name,
		InvitedIDs: req.InvitedIDs,
	})
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomEnvelope{Room: toRoomResponse(room)})
}

func (h *Handler) handleDeleteRoom(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
	if err := h.core.Rooms.DeleteRoom(r.Context(), r.PathValue("roomId"), id.UserID); err != nil {
		h.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
	var req respondRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil || req.Accept == nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "accept is required")
		return
	}
	if err := h.core.Rooms.Respond(r.Context(), r.PathValue("roomId"), id.UserID, *req.Accept); err != nil {
		h.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
	if err := h.core.Rooms.Leave(r.Context(), r.PathValue("roomId"), id.UserID); err != nil {
		h.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
	var req inviteRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	invited, err := h.core.Rooms.Invite(r.Context(), r.PathValue("roomId"), id.UserID, req.UserIDs)
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	if invited == nil {
		invited = []string{}
	}
	writeJSON(w, http.StatusOK, inviteResponse{Invited: invited})
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
	err := h.core.Rooms.RemoveMember(r.Context(), r.PathValue("roomId"), id.UserID, r.PathValue("userId"))
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDirectRoom(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
	var req directRoomRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	room, err := h.core.Rooms.FindOrCreateDirectRoom(r.Context(), id.UserID, req.PartnerID)
	if err != nil {
		h.writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomEnvelope{Room: toRoomResponse(room)})
}

// historyHandler serves a history page for rooms of the given kind. A room
// of the other kind reads as not found so the two routes do not overlap.
func (h *Handler) historyHandler(kind realtime.RoomKind) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, id realtime.Identity) {
		page, size, ok := h.pageParams(r)
		if !ok {
			writeError(w, http.StatusBadRequest, realtime.CodeInvalidArgument, "page and size must be non-negative integers")
			return
		}

		ctx := r.Context()
		roomID := r.PathValue("roomId")
		room, err := h.core.Store.GetRoom(ctx, roomID)
		if err != nil {
			h.writeOpError(w, r, err)
			return
		}
		if room.Kind != kind {
			writeError(w, http.StatusNotFound, realtime.CodeNotFound, "room not found")
			return
		}

		out, err := h.core.Messages.History(ctx, roomID, id.UserID, page, size)
		if err != nil {
			h.writeOpError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toHistory(out))
	}
}

func (h *Handler) pageParams(r *http.Request) (page, size int, ok bool) {
	q := r.URL.Query()
	page, size = 0, h.cfg.DefaultPageSize
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		page = n
	}
	if v := strings.TrimSpace(q.Get("size")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		size = n
	}
	return page, size, true
}

// ---- errors ----

func statusFor(code string) int {
	switch code {
	case realtime.CodeUnauthenticated:
		return http.StatusUnauthorized
	case realtime.CodeForbidden:
		return http.StatusForbidden
	case realtime.CodeInvalidState, realtime.CodeConflict:
		return http.StatusConflict
	case realtime.CodeNotFound:
		return http.StatusNotFound
	case realtime.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	code := realtime.ErrorCode(err)
	if code == realtime.CodeInternal {
		h.log.Error("roomapi.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, statusFor(code), code, realtime.PublicMessage(err))
}

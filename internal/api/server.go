// Package api exposes the thin HTTP write path. Handlers validate input,
// call the store or coordinator, and serialize results; every
// event-producing mutation goes through the coordinator so publication
// never precedes the durable commit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"roomcast/internal/auth"
	"roomcast/internal/coordinator"
	"roomcast/internal/store"
	"roomcast/pkg/types"
)

type contextKey string

const userIDKey contextKey = "user_id"

// StatsSource reports live connection and subscription counts for /health.
type StatsSource interface {
	Stats() map[string]int
}

// Server is the HTTP API.
type Server struct {
	store    *store.Store
	coord    *coordinator.Coordinator
	tokens   *auth.Manager
	registry StatsSource
	index    StatsSource
	mux      *http.ServeMux
}

// NewServer creates the API server and registers its routes.
func NewServer(st *store.Store, coord *coordinator.Coordinator, tokens *auth.Manager, registry, index StatsSource) *Server {
	s := &Server{
		store:    st,
		coord:    coord,
		tokens:   tokens,
		registry: registry,
		index:    index,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/register", s.register)
	s.mux.HandleFunc("POST /api/login", s.login)

	s.mux.Handle("GET /api/rooms", s.authed(s.listRooms))
	s.mux.Handle("POST /api/rooms", s.authed(s.createRoom))
	s.mux.Handle("GET /api/rooms/{id}", s.authed(s.getRoom))
	s.mux.Handle("DELETE /api/rooms/{id}", s.authed(s.deleteRoom))
	s.mux.Handle("POST /api/rooms/{id}/messages", s.authed(s.postMessage))
	s.mux.Handle("DELETE /api/rooms/{id}/messages/{mid}", s.authed(s.deleteMessage))
	s.mux.Handle("POST /api/rooms/{id}/members", s.authed(s.addMember))
	s.mux.Handle("DELETE /api/rooms/{id}/members/{uid}", s.authed(s.removeMember))

	s.mux.HandleFunc("GET /health", s.health)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// authed verifies the bearer token and stows the user ID in the request
// context.
func (s *Server) authed(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.tokens.Verify(header[len(prefix):])
		if err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// --- auth endpoints ---

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !types.IsValidUsername(req.Username) {
		s.sendError(w, http.StatusBadRequest, types.ErrInvalidUsername.Error())
		return
	}
	if len(req.Password) < 8 {
		s.sendError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Username, hash)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, hash, err := s.store.GetUserByName(r.Context(), req.Username)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}
	if err := auth.CheckPassword(hash, req.Password); err != nil {
		s.sendError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	token, err := s.tokens.IssueToken(user.ID, user.Username)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

// --- room endpoints ---

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRoomsForUser(r.Context(), callerID(r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"rooms": lo.Map(rooms, func(room *types.Room, _ int) map[string]any {
			return map[string]any{"id": room.ID, "name": room.Name, "owner_id": room.OwnerID}
		}),
	})
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !types.IsValidRoomName(req.Name) {
		s.sendError(w, http.StatusBadRequest, types.ErrInvalidRoomName.Error())
		return
	}

	room, err := s.store.CreateRoom(r.Context(), req.Name, callerID(r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	log.Info().Str("room", room.ID).Str("owner", room.OwnerID).Msg("room created")
	s.sendJSON(w, http.StatusCreated, room)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if !s.requireMember(w, r, roomID, callerID(r)) {
		return
	}
	snapshot, err := s.store.GetRoomSnapshot(r.Context(), roomID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snapshot)
}

func (s *Server) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if !s.requireOwner(w, r, roomID) {
		return
	}
	if err := s.store.SoftDeleteRoom(r.Context(), roomID); err != nil {
		s.storeError(w, err)
		return
	}
	log.Info().Str("room", roomID).Msg("room deleted")
	w.WriteHeader(http.StatusNoContent)
}

// --- message endpoints ---

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	caller := callerID(r)
	if !s.requireMember(w, r, roomID, caller) {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := s.coord.PostMessage(r.Context(), roomID, caller, req.Content)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, msg)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	messageID := r.PathValue("mid")
	caller := callerID(r)

	msg, err := s.store.GetMessage(r.Context(), roomID, messageID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if msg.AuthorID != caller && room.OwnerID != caller {
		s.sendError(w, http.StatusForbidden, "only the author or room owner may delete a message")
		return
	}

	if err := s.coord.DeleteMessage(r.Context(), roomID, messageID); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- membership endpoints ---

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if !s.requireOwner(w, r, roomID) {
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !types.IsValidUserID(req.UserID) {
		s.sendError(w, http.StatusBadRequest, types.ErrInvalidUserID.Error())
		return
	}

	member, err := s.coord.AddMember(r.Context(), roomID, req.UserID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, member)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if !s.requireOwner(w, r, roomID) {
		return
	}
	if err := s.coord.RemoveMember(r.Context(), roomID, r.PathValue("uid")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Stats(),
		"rooms":       s.index.Stats(),
	})
}

// --- helpers ---

// requireMember answers false (and writes the response) unless the caller
// is a committed member of a live room.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, roomID, userID string) bool {
	exists, err := s.store.RoomExists(r.Context(), roomID)
	if err != nil {
		s.storeError(w, err)
		return false
	}
	if !exists {
		s.sendError(w, http.StatusNotFound, store.ErrRoomNotFound.Error())
		return false
	}
	member, err := s.store.IsMember(r.Context(), userID, roomID)
	if err != nil {
		s.storeError(w, err)
		return false
	}
	if !member {
		s.sendError(w, http.StatusForbidden, "not a member of this room")
		return false
	}
	return true
}

func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request, roomID string) bool {
	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil || room.Deleted {
		s.sendError(w, http.StatusNotFound, store.ErrRoomNotFound.Error())
		return false
	}
	if room.OwnerID != callerID(r) {
		s.sendError(w, http.StatusForbidden, "only the room owner may do this")
		return false
	}
	return true
}

// storeError maps store failures to HTTP statuses. Anything unrecognized is
// a 500; the commit failed, so no event was published (fail closed).
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrRoomNotFound), errors.Is(err, store.ErrMessageNotFound), errors.Is(err, store.ErrUserNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUserExists), errors.Is(err, store.ErrAlreadyMember):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotAMember), errors.Is(err, store.ErrCannotRemoveOwner):
		s.sendError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, types.ErrEmptyContent), errors.Is(err, types.ErrContentTooLarge):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, map[string]string{"error": msg})
}

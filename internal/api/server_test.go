package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/auth"
	"roomcast/internal/coordinator"
	"roomcast/internal/hub"
	"roomcast/internal/roster"
	"roomcast/internal/store"
	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

type fixture struct {
	server *Server
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := websocket.NewRegistry()
	index := roster.NewIndex(registry.IsLive)
	registry.OnUnregister(index.CleanupConnection)

	bus := hub.NewHub(registry, index)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop() })

	coord := coordinator.New(st, bus, index, registry)
	tokens := auth.NewManager("test-secret", time.Hour)

	return &fixture{
		server: NewServer(st, coord, tokens, registry, index),
		store:  st,
	}
}

func (fx *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	return rec
}

// registerAndLogin creates an account through the API and returns its token
// and user ID.
func (fx *fixture) registerAndLogin(t *testing.T, username string) (token, userID string) {
	t.Helper()
	rec := fx.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": username, "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = fx.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": username, "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token string      `json:"token"`
		User  *types.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token, resp.User.ID
}

func (fx *fixture) createRoom(t *testing.T, token, name string) *types.Room {
	t.Helper()
	rec := fx.do(t, http.MethodPost, "/api/rooms", token, map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var room types.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	return &room
}

func TestAPI_RegisterValidation(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": "bad name!", "password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": "alice", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_DuplicateUsername(t *testing.T) {
	fx := newFixture(t)
	fx.registerAndLogin(t, "alice")

	rec := fx.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": "alice", "password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_LoginWrongPassword(t *testing.T) {
	fx := newFixture(t)
	fx.registerAndLogin(t, "alice")

	rec := fx.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": "alice", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_AuthRequired(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/rooms", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_RoomLifecycle(t *testing.T) {
	fx := newFixture(t)
	token, userID := fx.registerAndLogin(t, "alice")

	room := fx.createRoom(t, token, "general")
	assert.Equal(t, userID, room.OwnerID)

	rec := fx.do(t, http.MethodGet, "/api/rooms", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rooms []map[string]any `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, room.ID, list.Rooms[0]["id"])

	// The owner reads the room snapshot; they were enrolled at creation.
	rec = fx.do(t, http.MethodGet, "/api/rooms/"+room.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap types.RoomSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Members, 1)

	rec = fx.do(t, http.MethodDelete, "/api/rooms/"+room.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// A deleted room is gone from the list and rejects reads.
	rec = fx.do(t, http.MethodGet, "/api/rooms/"+room.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_DeleteRoomRequiresOwner(t *testing.T) {
	fx := newFixture(t)
	ownerToken, _ := fx.registerAndLogin(t, "alice")
	bobToken, bobID := fx.registerAndLogin(t, "bob")

	room := fx.createRoom(t, ownerToken, "general")
	rec := fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/members", ownerToken, map[string]string{"user_id": bobID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = fx.do(t, http.MethodDelete, "/api/rooms/"+room.ID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_PostMessage(t *testing.T) {
	fx := newFixture(t)
	token, userID := fx.registerAndLogin(t, "alice")
	room := fx.createRoom(t, token, "general")

	rec := fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", token, map[string]string{"content": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg types.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, userID, msg.AuthorID)
	assert.Equal(t, uint64(1), msg.Seq)

	// Empty content is rejected before anything commits.
	rec = fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", token, map[string]string{"content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_PostMessageRequiresMembership(t *testing.T) {
	fx := newFixture(t)
	ownerToken, _ := fx.registerAndLogin(t, "alice")
	bobToken, _ := fx.registerAndLogin(t, "bob")
	room := fx.createRoom(t, ownerToken, "general")

	rec := fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", bobToken, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_DeleteMessageAuthorOrOwner(t *testing.T) {
	fx := newFixture(t)
	ownerToken, _ := fx.registerAndLogin(t, "alice")
	bobToken, bobID := fx.registerAndLogin(t, "bob")
	evelynToken, evelynID := fx.registerAndLogin(t, "evelyn")

	room := fx.createRoom(t, ownerToken, "general")
	for _, id := range []string{bobID, evelynID} {
		rec := fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/members", ownerToken, map[string]string{"user_id": id})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", bobToken, map[string]string{"content": "bob says hi"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg types.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))

	// A third member may not delete someone else's message.
	rec = fx.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/messages/"+msg.ID, evelynToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The author may.
	rec = fx.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/messages/"+msg.ID, bobToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Deleting again reports the message gone.
	rec = fx.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/messages/"+msg.ID, ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Membership(t *testing.T) {
	fx := newFixture(t)
	ownerToken, ownerID := fx.registerAndLogin(t, "alice")
	bobToken, bobID := fx.registerAndLogin(t, "bob")
	room := fx.createRoom(t, ownerToken, "general")

	// Non-owners cannot manage membership.
	rec := fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/members", bobToken, map[string]string{"user_id": bobID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/members", ownerToken, map[string]string{"user_id": bobID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/members", ownerToken, map[string]string{"user_id": bobID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The owner cannot be removed, even by themselves.
	rec = fx.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/members/"+ownerID, ownerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fx.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/members/"+bobID, ownerToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = fx.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/members/"+bobID, ownerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_Health(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "connections")
	assert.Contains(t, body, "rooms")
}

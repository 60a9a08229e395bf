package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/maproom/internal/database"
	"github.com/npezzotti/maproom/internal/roomcode"
	"github.com/npezzotti/maproom/internal/types"
)

type SessionRequest struct {
	MapId int `json:"map_id"`
}

func (s *MapRoomApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *MapRoomApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// storeError maps repository errors to responses.
func storeError(err error) *ApiError {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, roomcode.ErrCodeSpaceExhausted):
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}

func pathId(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func toSession(sess database.Session) types.Session {
	return types.Session{
		Id:        sess.Id,
		Code:      sess.Code,
		MapId:     sess.ResourceId,
		OwnerId:   sess.OwnerId,
		CreatedAt: sess.CreatedAt,
	}
}

func toMap(m database.Map) types.Map {
	return types.Map{
		Id:          m.Id,
		OwnerId:     m.OwnerId,
		MapSnapshot: m.Snapshot(),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func (s *MapRoomApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ownedMap loads a map and checks that userId owns it.
func (s *MapRoomApp) ownedMap(r *http.Request, mapId, userId int) (database.Map, *ApiError) {
	m, err := s.db.GetMap(r.Context(), mapId)
	if err != nil {
		return database.Map{}, storeError(err)
	}
	if m.OwnerId != userId {
		return database.Map{}, NewForbiddenError()
	}
	return m, nil
}

// ownedSession loads the session named by the id path value and checks
// that userId owns it.
func (s *MapRoomApp) ownedSession(r *http.Request, userId int) (database.Session, *ApiError) {
	id, ok := pathId(r)
	if !ok {
		return database.Session{}, NewBadRequestError()
	}

	sess, err := s.db.FindByID(r.Context(), id)
	if err != nil {
		return database.Session{}, storeError(err)
	}
	if sess.OwnerId != userId {
		return database.Session{}, NewForbiddenError()
	}
	return sess, nil
}

func (s *MapRoomApp) createMap(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var snapshot types.MapSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	m, err := s.db.CreateMap(r.Context(), database.CreateMapParams{
		OwnerId:     userId,
		MapSnapshot: snapshot,
	})
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, toMap(m))
}

func (s *MapRoomApp) getMap(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	mapId, ok := pathId(r)
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	m, errResp := s.ownedMap(r, mapId, userId)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, toMap(m))
}

// updateMap saves the map and pushes the new snapshot to every live
// session showing it.
func (s *MapRoomApp) updateMap(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	mapId, ok := pathId(r)
	if !ok {
		s.writeError(w, NewBadRequestError())
		return
	}

	var snapshot types.MapSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if _, errResp := s.ownedMap(r, mapId, userId); errResp != nil {
		s.writeError(w, errResp)
		return
	}

	m, err := s.db.UpdateMap(r.Context(), database.UpdateMapParams{
		MapId:       mapId,
		MapSnapshot: snapshot,
	})
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.trigger.UpdateMap(m.Id, m.Snapshot())
	s.writeJson(w, http.StatusOK, toMap(m))
}

func (s *MapRoomApp) createSession(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MapId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	if _, errResp := s.ownedMap(r, req.MapId, userId); errResp != nil {
		s.writeError(w, errResp)
		return
	}

	sess, err := s.db.CreateSession(r.Context(), req.MapId, userId)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.log.Info().Str("room", sess.Code).Int("session", sess.Id).Int("map", sess.ResourceId).Msg("session created")
	s.writeJson(w, http.StatusCreated, toSession(sess))
}

// getSession resolves a room code. Viewers use it to check a code before
// opening a socket.
func (s *MapRoomApp) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.db.FindByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toSession(sess))
}

// updateSession repoints a session at another map and sends that map to
// the room.
func (s *MapRoomApp) updateSession(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	sess, errResp := s.ownedSession(r, userId)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MapId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	m, errResp := s.ownedMap(r, req.MapId, userId)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	updated, err := s.db.UpdateResource(r.Context(), sess.Id, m.Id)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.trigger.UpdateSession(updated.Id, m.Snapshot())
	s.writeJson(w, http.StatusOK, toSession(updated))
}

// deleteSession ends a session and closes its room everywhere.
func (s *MapRoomApp) deleteSession(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	sess, errResp := s.ownedSession(r, userId)
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	if err := s.db.DeleteSession(r.Context(), sess.Id); err != nil {
		s.writeError(w, storeError(err))
		return
	}

	s.trigger.CloseRoom(sess.Code)
	w.WriteHeader(http.StatusNoContent)
}

func (s *MapRoomApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// native clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	if _, err := s.gw.Serve(conn, r.URL.Query().Get("code")); err != nil {
		s.log.Warn().Err(err).Msg("connection refused")
	}
}

/*
Package handler provides HTTP handler functions for room management and uploads.
*/
package handler

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"relaychat/internal/app/chat"
	"relaychat/internal/app/store"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/req"
	"relaychat/internal/pkg/resp"
)

const maxRoomNameLength = 64

// HandleListRooms returns the names of all rooms, in lexical order.
// Passwords never appear in the response.
func HandleListRooms(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := deps.Store.ListRooms(r.Context())
		if err != nil {
			logx.Error(err, "Failed to list rooms")
			resp.RespondError(w, r, errs.NewError(errs.ErrPersistenceFailed))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"rooms": names,
		})
	}
}

type CreateRoomInput struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// HandleCreateRoom registers a new room with its shared password.
func HandleCreateRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input CreateRoomInput
		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		name := strings.TrimSpace(input.Name)
		password := strings.TrimSpace(input.Password)

		if name == "" || password == "" || len(name) > maxRoomNameLength {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		if err := deps.Store.CreateRoom(r.Context(), name, password); err != nil {
			if errors.Is(err, store.ErrRoomExists) {
				resp.RespondError(w, r, errs.NewError(errs.ErrRoomExists))
				return
			}
			logx.Error(err, "Failed to create room", "room", name)
			resp.RespondError(w, r, errs.NewError(errs.ErrPersistenceFailed))
			return
		}

		logx.Info("Room created", "room", name)
		resp.RespondSuccess(w, r, map[string]any{
			"room": name,
		})
	}
}

// HandleDeleteRoom tears a room down: connected sessions are notified and
// force-closed, the room and its message log are removed, and uploaded
// objects belonging to the room are deleted from storage best-effort.
// The endpoint is gated by the X-Admin-Token header.
func HandleDeleteRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(deps.Config.AdminToken)) != 1 {
			logx.Warn("Room deletion rejected: invalid admin token")
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidAdminToken))
			return
		}

		name := strings.TrimSpace(chi.URLParam(r, "name"))

		exists, err := deps.Store.RoomExists(r.Context(), name)
		if err != nil {
			logx.Error(err, "Room existence check failed", "room", name)
			resp.RespondError(w, r, errs.NewError(errs.ErrPersistenceFailed))
			return
		}
		if !exists {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomNotFound))
			return
		}

		if slices.Contains(deps.Config.ProtectedRooms, name) {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomProtected))
			return
		}

		// Members get one last notice, then the 4002 close, before the log
		// disappears underneath them.
		deps.Broadcaster.Broadcast(r.Context(), name, &chat.Event{
			Type:    chat.EventSystem,
			Message: fmt.Sprintf("room %q was deleted", name),
		})
		closed := deps.Registry.CloseRoom(name, chat.CloseRoomDeleted, "room deleted")

		fileURLs, err := deps.Store.FileURLs(r.Context(), name)
		if err != nil {
			logx.Warn("Could not list room uploads for cleanup", "room", name, "error", err.Error())
		}

		if err := deps.Store.DeleteRoom(r.Context(), name); err != nil {
			if errors.Is(err, store.ErrRoomNotFound) {
				resp.RespondError(w, r, errs.NewError(errs.ErrRoomNotFound))
				return
			}
			logx.Error(err, "Failed to delete room", "room", name)
			resp.RespondError(w, r, errs.NewError(errs.ErrPersistenceFailed))
			return
		}

		for _, fileURL := range fileURLs {
			key, ok := objectKey(deps.Config.S3PublicBaseURL, fileURL)
			if !ok {
				continue
			}
			if err := deps.StorageService.Delete(r.Context(), key); err != nil {
				logx.Warn("Failed to delete room upload", "room", name, "key", key)
			}
		}

		logx.Info("Room deleted", "room", name, "closed_sessions", closed)
		resp.RespondSuccess(w, r, map[string]any{
			"deleted": name,
		})
	}
}

// objectKey recovers the storage key from a public object URL.
func objectKey(publicBase, fileURL string) (string, bool) {
	base := strings.TrimSuffix(publicBase, "/") + "/"
	if !strings.HasPrefix(fileURL, base) {
		return "", false
	}
	key := strings.TrimPrefix(fileURL, base)
	return key, key != ""
}

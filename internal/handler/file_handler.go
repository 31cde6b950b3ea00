package handler

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"relaychat/internal/app/chat"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/randx"
	"relaychat/internal/pkg/req"
	"relaychat/internal/pkg/resp"
)

// HandleUploadFile accepts a multipart upload (room, username, optional color,
// file), streams the file into object storage under a room-scoped key, and
// broadcasts a file message to the room. The broadcast persists the message,
// so later joiners replay the upload like any other message.
func HandleUploadFile(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if customErr := req.SetupMultipart(w, r); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		room := strings.TrimSpace(r.FormValue("room"))
		username := strings.TrimSpace(r.FormValue("username"))
		if room == "" || username == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		color := r.FormValue("color")
		if color == "" {
			color = chat.DefaultColor
		}

		exists, err := deps.Store.RoomExists(r.Context(), room)
		if err != nil {
			logx.Error(err, "Room existence check failed", "room", room)
			resp.RespondError(w, r, errs.NewError(errs.ErrPersistenceFailed))
			return
		}
		if !exists {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomNotFound))
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrFormParseFailed))
			return
		}
		defer file.Close()

		if header.Size > req.MaxRequestFileSize {
			resp.RespondError(w, r, errs.NewError(errs.ErrFileSizeTooLarge))
			return
		}

		key := fmt.Sprintf("%s/%s", room, randx.StorageFileName(header.Filename))
		publicURL, err := deps.StorageService.Upload(r.Context(), key, contentType(header), file)
		if err != nil {
			logx.Error(err, "Upload to storage failed", "room", room, "key", key)
			resp.RespondError(w, r, errs.NewError(errs.ErrFileStorageFailed))
			return
		}

		deps.Broadcaster.Broadcast(r.Context(), room, &chat.Event{
			Type:     chat.EventFile,
			From:     username,
			Filename: header.Filename,
			URL:      publicURL,
			Color:    color,
		})

		logx.Info("File uploaded", "room", room, "key", key, "size", header.Size)
		resp.RespondSuccess(w, r, map[string]any{
			"url":      publicURL,
			"filename": header.Filename,
		})
	}
}

func contentType(header *multipart.FileHeader) string {
	ct := header.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return ct
}

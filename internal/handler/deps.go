package handler

import (
	"relaychat/internal/app/chat"
	"relaychat/internal/app/storage"
	"relaychat/internal/app/store"
	"relaychat/internal/configs"
	"relaychat/internal/pkg/envelope"
)

type AppDeps struct {
	Config         *configs.AppConfig
	Store          store.Store
	Registry       *chat.Registry
	Broadcaster    *chat.Broadcaster
	Cipher         *envelope.Cipher
	StorageService storage.StorageService
}

package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/data/repos"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type Repos struct {
	Collections  repos.CollectionRepo
	Documents    repos.DocumentRepo
	Chunks       repos.ChunkRepo
	ChatSessions repos.ChatSessionRepo
	ChatMessages repos.ChatMessageRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Collections:  repos.NewCollectionRepo(db, log),
		Documents:    repos.NewDocumentRepo(db, log),
		Chunks:       repos.NewChunkRepo(db, log),
		ChatSessions: repos.NewChatSessionRepo(db, log),
		ChatMessages: repos.NewChatMessageRepo(db, log),
	}
}

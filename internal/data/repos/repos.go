package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/data/repos/chat"
	"github.com/yungbote/ragbridge-backend/internal/data/repos/rag"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

type CollectionRepo = rag.CollectionRepo
type DocumentRepo = rag.DocumentRepo
type ChunkRepo = rag.ChunkRepo

type ChatSessionRepo = chat.ChatSessionRepo
type ChatMessageRepo = chat.ChatMessageRepo

func NewCollectionRepo(db *gorm.DB, baseLog *logger.Logger) CollectionRepo {
	return rag.NewCollectionRepo(db, baseLog)
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return rag.NewDocumentRepo(db, baseLog)
}

func NewChunkRepo(db *gorm.DB, baseLog *logger.Logger) ChunkRepo {
	return rag.NewChunkRepo(db, baseLog)
}

func NewChatSessionRepo(db *gorm.DB, baseLog *logger.Logger) ChatSessionRepo {
	return chat.NewChatSessionRepo(db, baseLog)
}

func NewChatMessageRepo(db *gorm.DB, baseLog *logger.Logger) ChatMessageRepo {
	return chat.NewChatMessageRepo(db, baseLog)
}

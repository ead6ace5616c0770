// Package tchat holds the application-wide defaults shared by the config
// loader and the binaries.
package tchat

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "toolchat"

	DefaultServerAddr     = ":8080"
	DefaultDocsDir        = "ragdocs"
	DefaultRagIgnoreFile  = ".ragignore"
	DefaultChatModel      = "gemini-2.5-flash"
	DefaultImageModel     = "gemini-2.5-flash-image"
	DefaultEmbeddingModel = "text-embedding-004"
	DefaultRewriteModel   = "openai/gpt-4o-mini"

	DefaultTrelloBaseURL     = "https://api.trello.com/1"
	DefaultAssemblyAIBaseURL = "https://api.assemblyai.com/v2"
	DefaultBytezBaseURL      = "https://api.bytez.com/models/v2"
)

var (
	// DefaultConfigPath is the per-user config directory.
	DefaultConfigPath = filepath.Join(userConfigDir(), DefaultAppName)
	// DefaultDataDir holds the application database.
	DefaultDataDir = filepath.Join(".", "data")
	// DefaultDatabasePath is the transcript journal and retrieval store.
	DefaultDatabasePath = filepath.Join(DefaultDataDir, DefaultAppName+".db")
)

func userConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir
}

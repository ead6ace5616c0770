package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/toolchat/tchat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	tempDir, err := os.MkdirTemp("", "toolchat-config-test-*")
	require.NoError(suite.T(), err)
	suite.tempDir = tempDir

	require.NoError(suite.T(), os.Chdir(tempDir))

	for _, k := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY", "TRELLO_API_KEY", "TRELLO_TOKEN", "TRELLO_LIST_ID", "TRELLO_BOARD_ID", "ASSEMBLYAI_API_KEY", "BYTEZ_API_KEY"} {
		suite.T().Setenv(k, "")
		os.Unsetenv(k)
	}
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
	if suite.tempDir != "" {
		os.RemoveAll(suite.tempDir)
	}
}

func (suite *ConfigTestSuite) writeFile(name, content string) string {
	path := filepath.Join(suite.tempDir, name)
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultServerAddr, cfg.Server.Addr)
	assert.Equal(suite.T(), int64(25<<20), cfg.Server.MaxAudioBytes)
	assert.Equal(suite.T(), internal.DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(suite.T(), 3, cfg.Harness.MaxToolDepth)
	assert.Equal(suite.T(), 2, cfg.Harness.RetryAttempts)
	assert.Equal(suite.T(), internal.DefaultChatModel, cfg.Gemini.ChatModel)
	assert.Equal(suite.T(), internal.DefaultRewriteModel, cfg.Bytez.Model)
	assert.Equal(suite.T(), internal.DefaultDocsDir, cfg.Retrieval.DocsDir)
	assert.Equal(suite.T(), 3, cfg.Retrieval.TopK)
	assert.Equal(suite.T(), 3*time.Second, cfg.Voice.ThrottleInterval)
	assert.Empty(suite.T(), cfg.Sources)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configFile := suite.writeFile("config.yaml", `
server:
  addr: ":9090"
  allowed_origins: ["http://localhost:3000"]
harness:
  max_tool_depth: 5
retrieval:
  docs_dir: "./manuals"
  chunk_size: 800
  chunk_overlap: 100
sources:
  - name: airports
    path: ./data/airports.db
    description: "Table: airports_code"
    stats_tables: [airports_code]
  - name: movies
    path: ./data/movies.db
`)

	cfg, err := LoadConfig(configFile)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), ":9090", cfg.Server.Addr)
	assert.Equal(suite.T(), []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(suite.T(), 5, cfg.Harness.MaxToolDepth)
	assert.Equal(suite.T(), "./manuals", cfg.Retrieval.DocsDir)
	assert.Equal(suite.T(), 800, cfg.Retrieval.ChunkSize)
	require.Len(suite.T(), cfg.Sources, 2)
	assert.Equal(suite.T(), "airports", cfg.Sources[0].Name)
	assert.Equal(suite.T(), []string{"airports_code"}, cfg.Sources[0].StatsTables)
	assert.Equal(suite.T(), "movies", cfg.Sources[1].Name)
}

func (suite *ConfigTestSuite) TestVendorEnvNames() {
	suite.T().Setenv("GOOGLE_API_KEY", "g-key")
	suite.T().Setenv("TRELLO_API_KEY", "t-key")
	suite.T().Setenv("TRELLO_BOARD_ID", "board")
	suite.T().Setenv("BYTEZ_API_KEY", "b-key")
	suite.T().Setenv("SERVER_ADDR", ":7070")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "g-key", cfg.Gemini.APIKey)
	assert.Equal(suite.T(), "t-key", cfg.Trello.APIKey)
	assert.Equal(suite.T(), "board", cfg.Trello.BoardID)
	assert.Equal(suite.T(), "b-key", cfg.Bytez.APIKey)
	assert.Equal(suite.T(), ":7070", cfg.Server.Addr)
}

func (suite *ConfigTestSuite) TestLoadDotEnv() {
	suite.writeFile(".env", "ASSEMBLYAI_API_KEY=from-dotenv\n")
	require.NoError(suite.T(), LoadDotEnv(".env", "missing.env"))
	suite.T().Cleanup(func() { os.Unsetenv("ASSEMBLYAI_API_KEY") })

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "from-dotenv", cfg.AssemblyAI.APIKey)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	configFile := suite.writeFile("malformed.yaml", `
server:
  addr: ":9090"
  allowed_origins: [unclosed bracket
`)
	cfg, err := LoadConfig(configFile)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestValidateRejectsBadSources() {
	configFile := suite.writeFile("dupes.yaml", `
sources:
  - name: movies
    path: a.db
  - name: movies
    path: b.db
`)
	_, err := LoadConfig(configFile)
	assert.ErrorContains(suite.T(), err, `duplicate name "movies"`)

	configFile = suite.writeFile("nopath.yaml", `
sources:
  - name: movies
`)
	_, err = LoadConfig(configFile)
	assert.ErrorContains(suite.T(), err, "name and path are required")
}

func (suite *ConfigTestSuite) TestValidateRejectsOverlapAboveChunkSize() {
	configFile := suite.writeFile("overlap.yaml", `
retrieval:
  chunk_size: 100
  chunk_overlap: 100
`)
	_, err := LoadConfig(configFile)
	assert.Error(suite.T(), err)
}

func (suite *ConfigTestSuite) TestAppConfigGlobal() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), cfg.Server.Addr, AppConfig.Server.Addr)
}

// BenchmarkLoadConfig benchmarks config loading performance
func BenchmarkLoadConfig(b *testing.B) {
	for b.Loop() {
		cfg, err := LoadConfig("")
		if err != nil {
			b.Fatal(err)
		}
		_ = cfg
	}
}

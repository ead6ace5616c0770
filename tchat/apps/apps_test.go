package apps

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/toolchat/tchat/config"
	"github.com/ZanzyTHEbar/toolchat/tchat/db"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/session"
)

// toolThenReply requests one tool call, then answers with the text.
type toolThenReply struct {
	mu      sync.Mutex
	tool    string
	args    string
	text    string
	prompts []ports.PromptInput
}

func (p *toolThenReply) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, in)
	if len(p.prompts) == 1 {
		return ports.Completion{ToolCalls: []ports.ToolCall{{ID: "c1", Name: p.tool, Args: json.RawMessage(p.args)}}}, nil
	}
	return ports.Completion{Text: p.text}, nil
}

type stubKB struct{}

func (stubKB) Answer(ctx context.Context, q string) (string, []string, error) {
	return "Use 5W-30.", []string{"a4.txt (Page 2)"}, nil
}

func testDeps(t *testing.T, provider ports.Provider) Deps {
	t.Helper()
	cfg := &config.Config{
		Harness: config.HarnessConfig{MaxToolDepth: 3, MaxIterations: 10, ToolTimeout: time.Second, ToolConcurrency: 2},
		Voice:   config.VoiceConfig{ThrottleInterval: time.Second},
	}

	conn, err := db.ConnectToDBWithConfig(&db.LibSQLEmbeddedConfig{
		DatabasePath:    filepath.Join(t.TempDir(), "items.db"),
		CreateIfMissing: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = conn.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO items (name) VALUES ('bolt'), ('nut'), ('washer')`)
	require.NoError(t, err)

	sources := db.NewSources()
	sources.Add(db.SourceConfig{Name: "items", Description: "Table: items(id, name)"}, conn)

	return Deps{
		Config:    cfg,
		Factory:   harness.NewFactory(&cfg.Harness, nil, zerolog.Nop()),
		Provider:  provider,
		Sources:   sources,
		Knowledge: stubKB{},
		Logger:    zerolog.Nop(),
	}
}

func TestBuildAll_RegistriesAreClosedPerProfile(t *testing.T) {
	apps, err := BuildAll(testDeps(t, &toolThenReply{}))
	require.NoError(t, err)
	require.Len(t, apps, 3)

	assert.Equal(t, []string{"create_support_ticket", "query_items_db"}, apps[Insights].Orchestrator.Registry().Names())
	assert.Equal(t, []string{"create_support_ticket", "search_knowledge_base"}, apps[Support].Orchestrator.Registry().Names())
	assert.Equal(t, []string{"generate_image", "rewrite_image_prompt"}, apps[Voice].Orchestrator.Registry().Names())

	for _, app := range apps {
		assert.True(t, app.Orchestrator.Registry().Sealed())
	}
	assert.NotNil(t, apps[Voice].Voice)
	assert.Len(t, apps[Insights].Queries, 1)
}

func TestBuild_UnknownProfile(t *testing.T) {
	_, err := Build("chess", testDeps(t, &toolThenReply{}))
	assert.Error(t, err)
}

func TestInsightsPrompt(t *testing.T) {
	p := InsightsPrompt([]db.SourceConfig{
		{Name: "airports", Description: "Table: airports_code\n  Airport_Code, City_Name"},
		{Name: "movies"},
	})
	assert.Contains(t, p, "1) airports (tool: query_airports_db)")
	assert.Contains(t, p, "   Airport_Code, City_Name")
	assert.Contains(t, p, "2) movies (tool: query_movies_db)")
	assert.Contains(t, p, "Only SELECT queries are allowed.")
}

func TestInsights_CountsRowsThroughTheHarness(t *testing.T) {
	provider := &toolThenReply{tool: "query_items_db", args: `{"query":"SELECT COUNT(*) FROM items"}`, text: "There are 3 items."}
	app, err := Build(Insights, testDeps(t, provider))
	require.NoError(t, err)

	resp, err := app.Orchestrator.Turn(context.Background(), session.NewStore("s1", session.Options{}), "How many items?")
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	assert.Equal(t, "There are 3 items.", resp.Text)
	require.Len(t, resp.Runs, 1)
	assert.Contains(t, resp.Runs[0].Result.Text, `[[3]]`)
	assert.Contains(t, provider.prompts[0].System, "query_items_db")
}

func TestSupport_AnswersWithCitations(t *testing.T) {
	provider := &toolThenReply{tool: "search_knowledge_base", args: `{"query":"oil A4"}`, text: "Use 5W-30 (a4.txt, page 2)."}
	app, err := Build(Support, testDeps(t, provider))
	require.NoError(t, err)

	resp, err := app.Orchestrator.Turn(context.Background(), session.NewStore("s1", session.Options{}), "Which oil for my A4?")
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	assert.Equal(t, []string{"a4.txt (Page 2)"}, resp.Citations)
	assert.Equal(t, SupportPrompt, provider.prompts[0].System)
}

func TestSupport_MissingKnowledgeBaseFailsTheTool(t *testing.T) {
	deps := testDeps(t, &toolThenReply{tool: "search_knowledge_base", args: `{"query":"oil"}`, text: "Sorry."})
	deps.Knowledge = nil
	app, err := Build(Support, deps)
	require.NoError(t, err)

	resp, err := app.Orchestrator.Turn(context.Background(), session.NewStore("s1", session.Options{}), "oil?")
	require.NoError(t, err)
	require.Len(t, resp.Runs, 1)
	require.NotNil(t, resp.Runs[0].Result.Err)
	assert.Equal(t, ports.CodeMissingCredentials, resp.Runs[0].Result.Err.Code)
}

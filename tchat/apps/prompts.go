package apps

import (
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/toolchat/tchat/db"
)

// SupportPrompt drives the manual support assistant.
const SupportPrompt = `You are an expert Audi Customer Support Agent.
Your knowledge base consists of manuals for various Audi A-series models.

Process:
1. ALWAYS use 'search_knowledge_base' first to answer questions.
2. If the user does not specify the car model, ask them to clarify.
3. If the answer is NOT in the manuals, suggest creating a support ticket.
4. To create a ticket, ask for: Name, Email, Summary, Description. Then call 'create_support_ticket' with summary, details, user_name and user_email.

Quote the sources returned by the knowledge base at the end of your answer.`

// VoicePrompt drives typed requests in the voice profile.
const VoicePrompt = `You turn short requests into images.
First call 'rewrite_image_prompt' with the user's request, then call 'generate_image' with the rewritten prompt.
Reply with the prompt that was used and a one-line description of the image.`

const insightsIntro = `You are a data insights assistant working with local SQLite databases. Use the provided tools to answer questions.`

const insightsRules = `Safety rules:
- You must never write SQL that modifies data or schema. Only SELECT queries are allowed.
- Query only the tables described above and prefer aggregates over dumping rows.
- If the user explicitly asks to contact support or if you cannot answer the question with the available tools, suggest creating a support ticket and call the 'create_support_ticket' tool with a concise summary and details of the issue.`

// InsightsPrompt lists each source with its tool name and schema notes,
// followed by the safety rules.
func InsightsPrompt(sources []db.SourceConfig) string {
	var b strings.Builder
	b.WriteString(insightsIntro)
	b.WriteString("\n\nDatabases:\n")
	for i, s := range sources {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(") ")
		b.WriteString(s.Name)
		b.WriteString(" (tool: query_")
		b.WriteString(s.Name)
		b.WriteString("_db)\n")
		if d := strings.TrimSpace(s.Description); d != "" {
			for _, line := range strings.Split(d, "\n") {
				b.WriteString("   ")
				b.WriteString(strings.TrimSpace(line))
				b.WriteString("\n")
			}
		}
	}
	b.WriteString("\n")
	b.WriteString(insightsRules)
	return b.String()
}

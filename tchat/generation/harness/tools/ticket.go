package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// TicketSchema is the argument schema of create_support_ticket.
const TicketSchema = `{
  "type": "object",
  "properties": {
    "summary": {
      "type": "string",
      "minLength": 1,
      "description": "Short title of the issue"
    },
    "details": {
      "type": "string",
      "description": "Full description of the problem and what was already tried"
    },
    "description": {
      "type": "string",
      "description": "Alias of details"
    },
    "user_name": {
      "type": "string",
      "description": "Name of the user reporting the issue"
    },
    "user_email": {
      "type": "string",
      "description": "Email address to reach the user"
    }
  },
  "required": ["summary"]
}`

const defaultTrelloBaseURL = "https://api.trello.com/1"

// TrelloCredentials configures the ticket destination. ListID wins; with
// only BoardID set the first list of the board is used.
type TrelloCredentials struct {
	APIKey  string
	Token   string
	ListID  string
	BoardID string
}

// Ticket is the created card.
type Ticket struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// TicketCreator files support tickets as Trello cards.
type TicketCreator struct {
	creds  TrelloCredentials
	http   httpOptions
	logger zerolog.Logger

	mu     sync.Mutex
	listID string
}

// NewTicketCreator builds the create_support_ticket tool. Missing
// credentials are reported per call, without network I/O.
func NewTicketCreator(creds TrelloCredentials, logger zerolog.Logger, opts ...Option) *TicketCreator {
	return &TicketCreator{
		creds:  creds,
		http:   applyOptions(defaultTrelloBaseURL, opts),
		logger: logger.With().Str("tool", "create_support_ticket").Logger(),
		listID: creds.ListID,
	}
}

func (t *TicketCreator) Name() string { return "create_support_ticket" }

func (t *TicketCreator) Description() string {
	return "Create a support ticket for a human agent when the question cannot be answered with the available tools or the user asks for help. Include the user's name and email when known."
}

func (t *TicketCreator) Schema() []byte { return []byte(TicketSchema) }

// Idempotent is false: a retry could file the card twice.
func (t *TicketCreator) Idempotent() bool { return false }

type ticketArgs struct {
	Summary   string `json:"summary"`
	Details   string `json:"details"`
	Desc      string `json:"description"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
}

// Configured reports whether key, token and a destination are present.
func (t *TicketCreator) Configured() bool {
	return t.creds.APIKey != "" && t.creds.Token != "" && (t.creds.ListID != "" || t.creds.BoardID != "")
}

func (t *TicketCreator) Invoke(ctx context.Context, args json.RawMessage) ports.ToolResult {
	var in ticketArgs
	if err := decodeArgs(args, &in); err != nil {
		return ports.Fail(err)
	}
	if strings.TrimSpace(in.Summary) == "" {
		return ports.Fail(ports.NewError(ports.CodeSchemaMismatch, "summary is required"))
	}
	if !t.Configured() {
		return ports.Fail(ports.NewError(ports.CodeMissingCredentials, "TRELLO_API_KEY, TRELLO_TOKEN and TRELLO_LIST_ID or TRELLO_BOARD_ID are required"))
	}

	listID, perr := t.resolveList(ctx)
	if perr != nil {
		return ports.Fail(perr)
	}

	q := t.auth()
	q.Set("idList", listID)
	q.Set("name", in.Summary)
	details := in.Details
	if details == "" {
		details = in.Desc
	}
	q.Set("desc", TicketDescription(in.UserName, in.UserEmail, details))

	req, err := newJSONRequest(ctx, http.MethodPost, t.http.baseURL+"/cards?"+q.Encode(), nil)
	if err != nil {
		return ports.Fail(err)
	}
	var card struct {
		ID       string `json:"id"`
		ShortURL string `json:"shortUrl"`
		URL      string `json:"url"`
	}
	if perr := doJSON(t.http.httpClient, req, &card); perr != nil {
		t.logger.Error().Err(perr).Msg("Trello rejected the card")
		return ports.Fail(perr)
	}

	ticket := Ticket{ID: card.ID, URL: card.ShortURL}
	if ticket.URL == "" {
		ticket.URL = card.URL
	}
	t.logger.Info().Str("card_id", ticket.ID).Str("url", ticket.URL).Msg("Support ticket created")
	return ports.Ok(fmt.Sprintf("Support ticket created successfully. Card ID: %s, URL: %s", ticket.ID, ticket.URL), ticket)
}

// TicketDescription formats the card body. Name and email lead when known.
func TicketDescription(name, email, details string) string {
	name, email, details = strings.TrimSpace(name), strings.TrimSpace(email), strings.TrimSpace(details)
	if name == "" && email == "" {
		return details
	}
	return fmt.Sprintf("Name: %s\nEmail: %s\n\n%s", name, email, details)
}

func (t *TicketCreator) auth() url.Values {
	q := url.Values{}
	q.Set("key", t.creds.APIKey)
	q.Set("token", t.creds.Token)
	return q
}

// resolveList returns the configured list or the first list of the board,
// memoised after the first lookup.
func (t *TicketCreator) resolveList(ctx context.Context) (string, *ports.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listID != "" {
		return t.listID, nil
	}

	u := fmt.Sprintf("%s/boards/%s/lists?%s", t.http.baseURL, url.PathEscape(t.creds.BoardID), t.auth().Encode())
	req, err := newJSONRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", ports.AsError(err)
	}
	var lists []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if perr := doJSON(t.http.httpClient, req, &lists); perr != nil {
		return "", perr
	}
	if len(lists) == 0 {
		return "", ports.NewError(ports.CodeUpstreamRejected, "board %s has no lists", t.creds.BoardID)
	}
	t.listID = lists[0].ID
	t.logger.Debug().Str("list_id", t.listID).Str("list", lists[0].Name).Msg("Resolved board list")
	return t.listID, nil
}

var (
	_ ports.Tool       = (*TicketCreator)(nil)
	_ ports.Idempotent = (*TicketCreator)(nil)
)

package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/toolchat/tchat/apps"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/toolchat/tchat/session"
)

type startSessionRequest struct {
	Profile string `json:"profile"`
}

type sessionResponse struct {
	ID      string `json:"id"`
	Profile string `json:"profile"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	Text      string     `json:"text"`
	HTML      string     `json:"html"`
	Citations []string   `json:"citations"`
	Tools     []string   `json:"tools,omitempty"`
	Error     *errorBody `json:"error"`
}

type audioResponse struct {
	InputHash  string     `json:"input_hash"`
	Transcript string     `json:"transcript"`
	Prompt     string     `json:"prompt"`
	ImageB64   string     `json:"image_b64,omitempty"`
	MIMEType   string     `json:"mime_type,omitempty"`
	Format     string     `json:"format,omitempty"`
	Width      int        `json:"width,omitempty"`
	Height     int        `json:"height,omitempty"`
	Cached     bool       `json:"cached"`
	FailedAt   string     `json:"failed_at,omitempty"`
	Error      *errorBody `json:"error"`
}

type sourceStats struct {
	Source      string             `json:"source"`
	Description string             `json:"description,omitempty"`
	Tables      []tools.TableStats `json:"tables"`
	Error       string             `json:"error,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if _, ok := s.deps.Apps[req.Profile]; !ok {
		writeError(w, http.StatusBadRequest, "unknown_profile",
			"profile must be one of: "+strings.Join(apps.Profiles, ", "))
		return
	}
	sess, err := s.deps.Sessions.Start(req.Profile)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{ID: sess.ID(), Profile: sess.Profile()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.End(r.Context(), r.PathValue("id")); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": sess.ID(), "turns": sess.History()})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	turns, err := s.deps.Sessions.Transcript(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusNotImplemented, "journal_unavailable", err.Error())
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "turns": turns})
}

// lookup resolves the session and the app of its profile.
func (s *Server) lookup(id string) (*session.Store, *apps.App, error) {
	sess, err := s.deps.Sessions.Get(id)
	if err != nil {
		return nil, nil, err
	}
	app, ok := s.deps.Apps[sess.Profile()]
	if !ok {
		return nil, nil, errors.New("no application for profile " + sess.Profile())
	}
	return sess, app, nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, app, err := s.lookup(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	resp, status, err := s.reply(r, sess, app, req.Text)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, status, resp)
}

// reply runs one turn and renders it. The returned status is only
// meaningful when err is nil.
func (s *Server) reply(r *http.Request, sess *session.Store, app *apps.App, text string) (messageResponse, int, error) {
	if strings.TrimSpace(text) == "" {
		return messageResponse{Error: &errorBody{Code: "bad_request", Message: "text is required"}}, http.StatusBadRequest, nil
	}
	resp, err := app.Orchestrator.Turn(r.Context(), sess, text)
	if err != nil {
		return messageResponse{}, 0, err
	}

	out := messageResponse{
		Text:      resp.Text,
		HTML:      s.markdown.Render(resp.Text),
		Citations: resp.Citations,
		Error:     errorOf(resp.Err),
	}
	if out.Citations == nil {
		out.Citations = []string{}
	}
	for _, run := range resp.Runs {
		out.Tools = append(out.Tools, run.Call.Name)
	}
	return out, http.StatusOK, nil
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, app, err := s.lookup(r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if app.Voice == nil {
		writeError(w, http.StatusBadRequest, "unsupported", "audio is only accepted by the voice profile")
		return
	}

	regenerate := false
	if v := r.URL.Query().Get("regenerate"); v != "" {
		if regenerate, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "regenerate must be a boolean")
			return
		}
	}

	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.Config.MaxAudioBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large",
				"audio exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	process := app.Voice.Process
	if regenerate {
		process = app.Voice.Regenerate
	}
	res, err := process(r.Context(), sess, audio)
	if err != nil {
		writeFault(w, err)
		return
	}

	out := audioResponse{
		InputHash:  res.InputHash,
		Transcript: res.Transcript,
		Prompt:     res.Prompt,
		MIMEType:   res.MIMEType,
		Format:     res.Format,
		Width:      res.Width,
		Height:     res.Height,
		Cached:     res.Cached,
		FailedAt:   res.FailedAt,
		Error:      errorOf(res.Err),
	}
	if len(res.Image) > 0 {
		out.ImageB64 = base64.StdEncoding.EncodeToString(res.Image)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	out := []sourceStats{}
	insights, ok := s.deps.Apps[apps.Insights]
	if !ok || s.deps.Sources == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	for _, q := range insights.Queries {
		_, cfg, found := s.deps.Sources.Get(q.Source())
		entry := sourceStats{Source: q.Source(), Tables: []tools.TableStats{}}
		var tables []string
		if found {
			entry.Description = cfg.Description
			tables = cfg.StatsTables
		}
		stats, err := q.Stats(r.Context(), tables)
		if err != nil {
			entry.Error = err.Error()
		} else if stats != nil {
			entry.Tables = stats
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

package server

import (
	"html/template"
	"net/http"

	"github.com/ZanzyTHEbar/toolchat/tchat/apps"
)

var indexPage = template.Must(template.New("index").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>toolchat</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
#log { border: 1px solid #ccc; border-radius: 6px; padding: 1rem; min-height: 20rem; overflow-y: auto; }
.user { color: #234; font-weight: 600; margin-top: 1rem; }
.cite { color: #666; font-size: 0.85rem; }
.error { color: #a00; }
form { display: flex; gap: 0.5rem; margin-top: 1rem; }
input[type=text] { flex: 1; }
</style>
</head>
<body>
<h1>toolchat</h1>
<label>Profile
<select id="profile">{{range .Profiles}}<option value="{{.}}">{{.}}</option>{{end}}</select>
</label>
<button id="start">New session</button>
<div id="log"></div>
<form id="chat"><input id="text" type="text" autocomplete="off" placeholder="Ask something"><button>Send</button></form>
<form id="voice"><input id="audio" type="file" accept="audio/*"><button>Generate image</button></form>
<script>
let session = null;
const log = document.getElementById("log");
function add(cls, html) { const d = document.createElement("div"); d.className = cls; d.innerHTML = html; log.appendChild(d); log.scrollTop = log.scrollHeight; }
function text(s) { const d = document.createElement("div"); d.textContent = s; return d.innerHTML; }
document.getElementById("start").onclick = async () => {
  const r = await fetch("/api/sessions", {method: "POST", body: JSON.stringify({profile: document.getElementById("profile").value})});
  session = (await r.json()).id; log.innerHTML = ""; add("cite", "session " + text(session));
};
document.getElementById("chat").onsubmit = async (e) => {
  e.preventDefault(); if (!session) return;
  const input = document.getElementById("text"); const q = input.value; input.value = "";
  add("user", text(q));
  const r = await fetch("/api/sessions/" + session + "/messages", {method: "POST", body: JSON.stringify({text: q})});
  const body = await r.json();
  if (body.html !== undefined) add(body.error ? "error" : "bot", body.html); else add("error", text(body.error.message));
  if (body.citations && body.citations.length) add("cite", text("Sources: " + body.citations.join("; ")));
};
document.getElementById("voice").onsubmit = async (e) => {
  e.preventDefault(); if (!session) return;
  const f = document.getElementById("audio").files[0]; if (!f) return;
  const r = await fetch("/api/sessions/" + session + "/audio", {method: "POST", body: f});
  const body = await r.json();
  if (body.transcript) add("user", text(body.transcript));
  if (body.prompt) add("cite", text("Prompt: " + body.prompt));
  if (body.image_b64) add("bot", '<img style="max-width:100%" src="data:' + body.mime_type + ';base64,' + body.image_b64 + '">');
  if (body.error) add("error", text(body.error.message));
};
</script>
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	profiles := make([]string, 0, len(apps.Profiles))
	for _, p := range apps.Profiles {
		if _, ok := s.deps.Apps[p]; ok {
			profiles = append(profiles, p)
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexPage.Execute(w, struct{ Profiles []string }{profiles}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render index page")
	}
}

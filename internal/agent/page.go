package agent

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/launchpad/pkg/api"
)

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Recommendations</title>
<style>
body { font-family: sans-serif; margin: 2rem auto; max-width: 48rem; }
.card { border: 1px solid #ddd; border-radius: 6px; padding: 1rem; margin-bottom: 1rem; }
.card h2 { margin: 0 0 .5rem; font-size: 1.1rem; }
#launch-result { margin-left: 1rem; }
</style>
</head>
<body>
<h1>Recommendations</h1>
{{range .Dashboards}}
<div class="card">
  <h2>{{.Title}}</h2>
  {{with .Description}}<p>{{.}}</p>{{end}}
  <a href="{{.URL}}" target="_blank" rel="noopener">Open {{.Name}}</a>
</div>
{{else}}
<p>No dashboards configured.</p>
{{end}}
{{if .TokenRequired}}
<p>Launching needs the agent token: use <code>launchpad start</code>.</p>
{{else if .DefaultTarget}}
<button id="launch">Start {{.DefaultTarget}}</button><span id="launch-result"></span>
<script>
document.getElementById("launch").addEventListener("click", function () {
  fetch("/start-streamlit", { method: "POST" })
    .then(function (r) { return r.text(); })
    .then(function (t) { document.getElementById("launch-result").textContent = t; })
    .catch(function (e) { document.getElementById("launch-result").textContent = e; });
});
</script>
{{end}}
</body>
</html>
`))

type pageData struct {
	Dashboards    []api.Dashboard
	DefaultTarget string
	// the page cannot carry the token, so the button is left out when one is set
	TokenRequired bool
}

// handlePage renders the selection page. Dashboard links never depend on
// launcher state.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTmpl.Execute(w, pageData{Dashboards: s.Dashboards, DefaultTarget: s.DefaultTarget, TokenRequired: s.Token != ""}); err != nil {
		log.Error().Err(err).Msg("render page")
	}
}

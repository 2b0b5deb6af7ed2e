package httpapi

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/workers"
)

var statusPage = template.Must(template.New("auth").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Strava mirror authorization</title>
</head>
<body>
<h1>Strava mirror authorization</h1>
{{if eq .Status "success"}}<p class="success">Authorization completed{{if .Module}} for {{.Module}}{{end}}.</p>{{end}}
{{if eq .Status "error"}}<p class="error">Authorization failed: {{.Message}}</p>{{end}}
{{if .Modules}}
<table>
<tr><th>Module</th><th>Client</th><th>Mode</th><th>State</th><th></th></tr>
{{range .Modules}}<tr>
<td>{{.Identifier}}</td>
<td>{{.ClientID}}</td>
<td>{{.Mode}}</td>
<td>{{.AuthState}}</td>
<td>{{if .Valid}}<a href="/auth/request?module_identifier={{.Identifier}}">Authorize</a>{{else}}invalid config{{end}}</td>
</tr>{{end}}
</table>
{{else}}
<p>No modules registered yet. Start the mirror so its modules register here.</p>
{{end}}
</body>
</html>
`))

type statusPageData struct {
	Status  string
	Module  string
	Message string
	Modules []workers.ModuleStatus
}

func (h *handler) authPage(c *gin.Context) {
	data := statusPageData{
		Status:  c.Query("status"),
		Module:  c.Query("module"),
		Message: c.Query("message"),
		Modules: h.registry.Modules(),
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := statusPage.Execute(c.Writer, data); err != nil {
		_ = c.Error(err)
	}
}

func (h *handler) authModules(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Identifiers())
}

// authRequest sends the browser to Strava's consent screen.
func (h *handler) authRequest(c *gin.Context) {
	identifier := strings.TrimSpace(c.Query("module_identifier"))
	if identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "module_identifier is required"})
		return
	}

	target, err := h.registry.AuthorizationURL(identifier)
	switch {
	case errors.Is(err, workers.ErrUnknownModule):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown module", "identifier": identifier})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "identifier": identifier})
		return
	}

	if err := h.registry.MarkPending(identifier); err != nil {
		_ = c.Error(err)
	}
	log := logging.ForModule(identifier)
	log.Info().Msg("redirecting to Strava for authorization")
	c.Redirect(http.StatusFound, target)
}

// authExchange is the OAuth redirect target. The module identifier comes
// back as the state parameter.
func (h *handler) authExchange(c *gin.Context) {
	identifier := c.Query("state")
	code := c.Query("code")
	log := logging.ForModule(identifier)

	if denied := c.Query("error"); denied != "" {
		log.Warn().Str("error", denied).Msg("authorization denied by user")
		h.redirectStatus(c, identifier, "authorization was denied ("+denied+")")
		return
	}
	if identifier == "" || code == "" {
		h.redirectStatus(c, identifier, "missing code or state")
		return
	}

	if err := h.registry.CompleteExchange(c.Request.Context(), identifier, code); err != nil {
		msg := "could not exchange the authorization code"
		if errors.Is(err, workers.ErrUnknownModule) {
			msg = "unknown module " + identifier
		}
		h.redirectStatus(c, identifier, msg)
		return
	}
	h.redirectStatus(c, identifier, "")
}

// redirectStatus returns the browser to the status page. An empty message
// reports success.
func (h *handler) redirectStatus(c *gin.Context, identifier, message string) {
	q := url.Values{}
	if message == "" {
		q.Set("status", "success")
	} else {
		q.Set("status", "error")
		q.Set("message", message)
	}
	if identifier != "" {
		q.Set("module", identifier)
	}
	c.Redirect(http.StatusFound, "/auth/?"+q.Encode())
}

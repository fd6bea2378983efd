package api

import (
	_ "embed"
	"net/http"
	"strings"

	"hitl-pipeline/backend/internal/auth"
)

//go:embed openapi.yaml
var openapiSpec string

// scopeIndent matches the oauth2 scopes map in openapi.yaml.
const scopeIndent = "            "

// SpecHandler serves openapi.yaml with the issuer URL and the scope list
// filled in.
func SpecHandler(oktaIssuer string) http.HandlerFunc {
	var scopes strings.Builder
	for _, s := range auth.AllScopes {
		scopes.WriteString(scopeIndent + s + ": " + s + "\n")
	}
	spec := strings.ReplaceAll(openapiSpec, "{oktaIssuer}", oktaIssuer)
	spec = strings.ReplaceAll(spec, scopeIndent+"{scopes}\n", scopes.String())
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write([]byte(spec))
	}
}

// SwaggerHandler serves the API console. Reviewers sign in with the
// authorization code flow and PKCE, so no client secret reaches the page.
func SwaggerHandler(clientID string) http.HandlerFunc {
	scopes := `"` + strings.Join(auth.AllScopes, `", "`) + `"`
	return func(w http.ResponseWriter, r *http.Request) {
		page := strings.NewReplacer(
			"${SPEC_URL}", "/openapi.yaml",
			"${OAUTH2_REDIRECT}", baseURL(r)+"/docs/oauth2-redirect.html",
			"${CLIENT_ID}", clientID,
			"${SCOPES}", scopes,
		).Replace(swaggerHTML)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}
}

// baseURL is the scheme and host the browser used, honoring a TLS
// terminating proxy.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// OAuthRedirectHandler serves the page the identity provider redirects the
// console popup to.
func OAuthRedirectHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(oauthRedirectHTML))
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>HITL Pipeline API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function () {
    window.ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
      oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
      persistAuthorization: true,
    });
    window.ui.initOAuth({
      clientId: "${CLIENT_ID}",
      scopes: [${SCOPES}],
      usePkceWithAuthorizationCodeGrant: true,
    });
  };
  </script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>Signing in</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`

package antigravity

import (
	"net/http"
	"strings"

	"agtools/internal/version"
)

// Cloud Code API endpoints, tried in order when dispatching.
const (
	EndpointDaily    = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	EndpointAutopush = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
	EndpointProd     = "https://cloudcode-pa.googleapis.com"
)

var EndpointFallbacks = []string{
	EndpointDaily,
	EndpointAutopush,
	EndpointProd,
}

// Header styles. Claude and antigravity-prefixed models must present as
// the Antigravity IDE; plain gemini models present as the Gemini CLI.
const (
	HeaderStyleAntigravity = "antigravity"
	HeaderStyleGeminiCLI   = "gemini-cli"
)

// PrepareRequest sets the auth and identity headers for one upstream
// call.
func PrepareRequest(req *http.Request, accessToken string, headerStyle string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)

	if headerStyle == HeaderStyleGeminiCLI {
		req.Header.Set("User-Agent", "google-api-nodejs-client/9.15.1")
		req.Header.Set("X-Goog-Api-Client", "gl-node/22.17.0")
		req.Header.Set("Client-Metadata", "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI")
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
		req.Header.Set("X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1")
		req.Header.Set("Client-Metadata", `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`)
	}
}

// GetHeaderStyle picks the identity headers for a model.
func GetHeaderStyle(model string) string {
	if strings.Contains(model, "antigravity") || strings.Contains(model, "claude") {
		return HeaderStyleAntigravity
	}
	return HeaderStyleGeminiCLI
}

// GetQuotaKey returns the quota pool a request counts against.
func GetQuotaKey(model string, headerStyle string) string {
	if strings.Contains(model, "claude") {
		return QuotaClaude
	}
	if headerStyle == HeaderStyleAntigravity {
		return QuotaGeminiAntigravity
	}
	return QuotaGeminiCLI
}

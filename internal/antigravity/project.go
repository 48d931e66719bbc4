package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"agtools/internal/version"
)

const (
	LoadCodeAssistEndpoint = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:loadCodeAssist"

	// DefaultProjectID is the shared fallback used when the account has
	// no resolvable companion project.
	DefaultProjectID = "rising-fact-p41fc"
)

// ProjectResolver resolves the Google Cloud project ID for the
// authenticated user.
type ProjectResolver struct {
	accessToken string
}

func NewProjectResolver(accessToken string) *ProjectResolver {
	return &ProjectResolver{accessToken: accessToken}
}

// ResolveProjectID queries the loadCodeAssist endpoint for the user's
// companion project. Failures fall back to the shared project rather
// than erroring, so login never blocks on this call.
func (p *ProjectResolver) ResolveProjectID(ctx context.Context) (string, error) {
	reqBody := map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	jsonData, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, "POST", LoadCodeAssistEndpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1")
	req.Header.Set("Client-Metadata", "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		zap.L().Warn("failed to reach loadCodeAssist", zap.Error(err))
		return DefaultProjectID, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		zap.L().Warn("loadCodeAssist failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return DefaultProjectID, nil
	}

	var result struct {
		CloudAICompanionProject any `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return DefaultProjectID, nil
	}

	// The field is a string or an object depending on account type.
	if idStr, ok := result.CloudAICompanionProject.(string); ok && idStr != "" {
		return idStr, nil
	}
	if idObj, ok := result.CloudAICompanionProject.(map[string]any); ok {
		if id, ok := idObj["id"].(string); ok && id != "" {
			return id, nil
		}
	}

	return DefaultProjectID, nil
}

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
)

// inspectorTab is one entry of the inspector's /json/list response.
type inspectorTab struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discover polls the inspector's HTTP discovery endpoint until it yields a
// websocket debugger URL. The retry policy is carried by the shared
// retryable client; a container whose inspector never comes up exhausts
// the retries and fails.
func (d *Docker) discover(ctx context.Context, hostPort string) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/list", hostPort)

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("inspector discovery at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("inspector discovery at %s: status %d", url, resp.StatusCode)
	}

	var tabs []inspectorTab
	if err := json.NewDecoder(resp.Body).Decode(&tabs); err != nil {
		return "", fmt.Errorf("inspector discovery: malformed response: %w", err)
	}
	if len(tabs) == 0 || tabs[0].WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("inspector at %s reported no debuggable target", url)
	}

	return tabs[0].WebSocketDebuggerURL, nil
}

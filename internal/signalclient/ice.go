package signalclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"
)

const maxICEResponseBytes = 64 * 1024

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// FetchICEServers reads GET /webrtc/ice from the signaling server's HTTP
// origin. httpClient may be nil.
func FetchICEServers(ctx context.Context, httpBaseURL string, httpClient *http.Client) ([]webrtc.ICEServer, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	endpoint := strings.TrimRight(httpBaseURL, "/") + "/webrtc/ice"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build ice request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", endpoint, resp.Status)
	}

	var out iceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ice response: %w", err)
	}
	return out.ICEServers, nil
}

package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPSource fetches the latest observation of a published short-term rate
// series from the external rate provider.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPSource creates a rate source client with a short timeout.
func NewHTTPSource(baseURL string, log zerolog.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "rate_provider").Logger(),
	}
}

// Latest implements Source.
func (s *HTTPSource) Latest(ctx context.Context) (float64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/risk-free/latest", nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("rate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("rate provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Rate   float64 `json:"rate"`
		Series string  `json:"series"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, "", fmt.Errorf("failed to parse rate response: %w", err)
	}

	source := body.Series
	if source == "" {
		source = "rate_provider"
	}
	return body.Rate, source, nil
}

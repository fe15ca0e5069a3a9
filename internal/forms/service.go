// Package forms is the client for the forms-manager service, used to
// resolve human-readable form titles for notification content.
package forms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Service struct {
	baseURL    string
	httpClient *http.Client
}

func NewService(baseURL string) *Service {
	return &Service{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type formResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Title looks up the display title for a form. Callers fall back to a
// generic label on error rather than failing the record they hold.
func (s *Service) Title(ctx context.Context, formID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/forms/"+formID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create form lookup request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call forms manager: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("forms manager returned status %d for form %s", resp.StatusCode, formID)
	}

	var parsed formResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode form response: %w", err)
	}
	if parsed.Title == "" {
		return "", fmt.Errorf("forms manager returned no title for form %s", formID)
	}
	return parsed.Title, nil
}

// Package notify is the client for the template-mail notification API. Only
// the interface is consumed here; templates and delivery live on the other
// side.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/DEFRA/forms-submission-api-sub000/internal/logger"
)

type Service struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// SendRequest addresses one templated notification.
type SendRequest struct {
	Recipient       string         `json:"email_address"`
	TemplateID      string         `json:"template_id"`
	Personalisation map[string]any `json:"personalisation,omitempty"`
}

type SendResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func NewService(baseURL, apiKey string) *Service {
	return &Service{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send posts one notification. Recipient addresses are never logged.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v2/notifications/email", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create notification request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call notification API: %w", err)
	}
	defer resp.Body.Close()

	var parsed SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode notification response: %w", err)
	}

	if resp.StatusCode >= 400 {
		errMsg := fmt.Sprintf("notification API error (status %d)", resp.StatusCode)
		if parsed.Error != "" {
			errMsg += ": " + parsed.Error
		}
		return nil, fmt.Errorf("%s", errMsg)
	}

	logger.Info(ctx, "notification sent", logger.Fields{
		"template_id":     req.TemplateID,
		"notification_id": parsed.ID,
	})
	return &parsed, nil
}

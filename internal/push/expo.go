package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marketchat/server/internal/model"
)

const DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"

// ExpoSender sends notifications through the Expo push service.
type ExpoSender struct {
	endpoint    string
	accessToken string
	client      *http.Client
}

func NewExpoSender(endpoint, accessToken string, timeout time.Duration) *ExpoSender {
	if endpoint == "" {
		endpoint = DefaultExpoEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExpoSender{
		endpoint:    endpoint,
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

// IsExpoPushToken reports whether token has the shape Expo issues.
func IsExpoPushToken(token string) bool {
	if !strings.HasSuffix(token, "]") {
		return false
	}
	return strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[")
}

type expoMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
	Sound    string            `json:"sound"`
	Priority string            `json:"priority"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *ExpoSender) Send(ctx context.Context, n Notification) error {
	if !IsExpoPushToken(n.Token) {
		return fmt.Errorf("%w: invalid expo push token", model.ErrValidation)
	}
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	body, err := json.Marshal([]expoMessage{{
		To:       n.Token,
		Title:    n.Title,
		Body:     n.Body,
		Data:     data,
		Sound:    "default",
		Priority: "high",
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal expo message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build expo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: expo: %v", model.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: expo returned %d: %s", model.ErrTransportFailure, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out expoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: expo response: %v", model.ErrTransportFailure, err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("%w: expo: %s", model.ErrTransportFailure, out.Errors[0].Message)
	}
	for _, t := range out.Data {
		if t.Status == "error" {
			return fmt.Errorf("%w: expo ticket: %s", model.ErrTransportFailure, t.Message)
		}
	}
	return nil
}

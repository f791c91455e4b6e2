package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// CRMService pushes subscription attributes to the CRM profile API. Pushes
// run in the background; failures are logged and never reach the caller.
// A service built without a base URL drops every update.
type CRMService struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
	timeout time.Duration
	wg      sync.WaitGroup

	// OnError is called after a push finally fails; used for metrics.
	OnError func(error)
}

func NewCRMService(baseURL, apiKey string, timeout time.Duration) *CRMService {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &CRMService{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		timeout: timeout,
	}
}

func (s *CRMService) Enabled() bool {
	return s.baseURL != ""
}

func (s *CRMService) Upsert(ctx context.Context, accountID uuid.UUID, attrs map[string]any) {
	if !s.Enabled() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 4*s.timeout)
		defer cancel()
		if err := s.push(pctx, accountID, attrs); err != nil {
			slog.Error("crm profile update failed", "account_id", accountID.String(), "action", "crm_upsert", "error", err)
			if s.OnError != nil {
				s.OnError(err)
			}
		}
	}()
}

// Wait blocks until in-flight pushes finish.
func (s *CRMService) Wait() {
	s.wg.Wait()
}

func (s *CRMService) push(ctx context.Context, accountID uuid.UUID, attrs map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"external_id": accountID.String(),
		"attributes":  attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/profiles/"+accountID.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("crm returned status %d", resp.StatusCode)
	}
	return nil
}

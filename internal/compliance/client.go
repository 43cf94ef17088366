package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ksred/klear-escrow/internal/config"
)

const verificationsPath = "/v1/compliance/verifications"

// Client is the outbound contract of the compliance service.
type Client interface {
	List(ctx context.Context, entityType, entityID string) ([]Verification, error)
	Create(ctx context.Context, req CreateRequest) (*Verification, error)
	UpdateStatus(ctx context.Context, verificationID string, update StatusUpdate) (*Verification, error)
}

type authorizationKey struct{}

// WithAuthorization stores the caller's Authorization header so outbound
// compliance calls can forward it.
func WithAuthorization(ctx context.Context, header string) context.Context {
	if strings.TrimSpace(header) == "" {
		return ctx
	}
	return context.WithValue(ctx, authorizationKey{}, header)
}

func authorizationFrom(ctx context.Context) string {
	header, _ := ctx.Value(authorizationKey{}).(string)
	return header
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(cfg config.Compliance) (*HTTPClient, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("compliance: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) List(ctx context.Context, entityType, entityID string) ([]Verification, error) {
	query := url.Values{}
	query.Set("relatedEntityType", entityType)
	query.Set("relatedEntityId", entityID)
	query.Set("limit", "5")

	var verifications []Verification
	if err := c.do(ctx, http.MethodGet, verificationsPath+"?"+query.Encode(), nil, &verifications); err != nil {
		return nil, err
	}
	return verifications, nil
}

func (c *HTTPClient) Create(ctx context.Context, req CreateRequest) (*Verification, error) {
	var verification Verification
	if err := c.do(ctx, http.MethodPost, verificationsPath, req, &verification); err != nil {
		return nil, err
	}
	return &verification, nil
}

func (c *HTTPClient) UpdateStatus(ctx context.Context, verificationID string, update StatusUpdate) (*Verification, error) {
	path := fmt.Sprintf("%s/%s/status", verificationsPath, url.PathEscape(verificationID))
	var verification Verification
	if err := c.do(ctx, http.MethodPatch, path, update, &verification); err != nil {
		return nil, err
	}
	return &verification, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("compliance: encode: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("compliance: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth := authorizationFrom(ctx); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("compliance: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("compliance: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("compliance: decode: %w", err)
	}
	return nil
}

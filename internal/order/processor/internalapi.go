package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	orderdomain "github.com/smallbiznis/mercat/internal/order/domain"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	"gorm.io/gorm"
)

// ProvisioningClient is a JSON client for a sibling provisioning service.
// Compound resources (tenants, clusters) are managed by dedicated services
// exposing their own REST API; the processor translates order items into
// requests against them.
type ProvisioningClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewProvisioningClient builds a client with a bounded request timeout.
func NewProvisioningClient(baseURL, apiKey string) *ProvisioningClient {
	return &ProvisioningClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type provisionRequest struct {
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Limits     map[string]any `json:"limits,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	ActingUser string         `json:"acting_user"`
}

type provisionResponse struct {
	ScopeID string `json:"scope_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func (c *ProvisioningClient) do(ctx context.Context, method, path string, payload any) (*provisionResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed provisionResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
	}
	if resp.StatusCode >= 400 {
		message := parsed.Error
		if message == "" {
			message = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, message)
	}
	return &parsed, nil
}

// InternalAPIProcessor drives compound resources through the provisioning
// service. The backend acknowledges the request and completes asynchronously;
// the resource stays in its pending state until the completion callback.
type InternalAPIProcessor struct {
	Client *ProvisioningClient
	Kind   string
	Action orderdomain.Type
}

func (p InternalAPIProcessor) Validate(ctx context.Context, item *orderdomain.OrderItem) error {
	if p.Client == nil {
		return NewValidationError("backend", "provisioning client is not configured")
	}
	switch p.Action {
	case orderdomain.TypeCreate:
		if strings.TrimSpace(item.Name) == "" {
			return NewValidationError("name", "name is required")
		}
	case orderdomain.TypeUpdate, orderdomain.TypeTerminate:
		if item.ResourceID == 0 {
			return NewValidationError("resource_id", "resource is required")
		}
	default:
		return NewValidationError("type", "unsupported order type")
	}
	return nil
}

func (p InternalAPIProcessor) Process(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem, actingUser string) (Outcome, error) {
	payload := provisionRequest{
		Kind:       p.Kind,
		Name:       item.Name,
		Limits:     item.Limits,
		Attributes: item.Attributes,
		ActingUser: actingUser,
	}

	switch p.Action {
	case orderdomain.TypeCreate:
		resp, err := p.Client.do(ctx, http.MethodPost, "/api/resources", payload)
		if err != nil {
			return Outcome{}, err
		}
		outcome := Outcome{
			Done:  resp.Status == "ready",
			Scope: resourcedomain.ScopeRef{Kind: p.Kind, ID: resp.ScopeID},
		}
		return outcome, nil
	case orderdomain.TypeUpdate:
		scope, err := p.resolveScope(ctx, tx, item)
		if err != nil {
			return Outcome{}, err
		}
		resp, err := p.Client.do(ctx, http.MethodPatch, "/api/resources/"+scope.ID, payload)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Done: resp.Status == "ready", Scope: scope}, nil
	case orderdomain.TypeTerminate:
		scope, err := p.resolveScope(ctx, tx, item)
		if err != nil {
			return Outcome{}, err
		}
		resp, err := p.Client.do(ctx, http.MethodDelete, "/api/resources/"+scope.ID, nil)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Done: resp.Status == "deleted", Scope: scope}, nil
	}
	return Outcome{}, orderdomain.ErrInvalidOrderType
}

func (p InternalAPIProcessor) resolveScope(ctx context.Context, tx *gorm.DB, item *orderdomain.OrderItem) (resourcedomain.ScopeRef, error) {
	var res resourcedomain.Resource
	if err := tx.WithContext(ctx).First(&res, item.ResourceID).Error; err != nil {
		return resourcedomain.ScopeRef{}, err
	}
	if res.Scope.IsZero() {
		return resourcedomain.ScopeRef{}, fmt.Errorf("resource %s has no backend scope", res.ID)
	}
	return res.Scope, nil
}

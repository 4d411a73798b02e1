// Package fabric resolves cross-pipeline references against a target
// Fabric workspace. It owns the lookup client contract and a per-session
// cache; it never performs deployment.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"fabric-migrate/pkg/platform"
)

// Item is one workspace item as returned by the Fabric items API.
type Item struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}

// Client is the lookup surface this engine needs from the Fabric items
// API. Implementations own transport, timeouts and retries; the engine
// only defines the call contract.
type Client interface {
	// GetItemByName finds a workspace item by display name and type.
	// Returns (nil, nil) when no such item exists.
	GetItemByName(ctx context.Context, workspaceID, itemType, name, token string) (*Item, error)

	// GetItemByID fetches a workspace item by id.
	// Returns (nil, nil) when no such item exists.
	GetItemByID(ctx context.Context, workspaceID, itemID, token string) (*Item, error)
}

// DefaultBaseURL is the public Fabric REST endpoint.
const DefaultBaseURL = "https://api.fabric.microsoft.com/v1"

// ItemTypeDataPipeline is the item type of migrated pipelines.
const ItemTypeDataPipeline = "DataPipeline"

// HTTPItemClient implements Client against the Fabric REST API.
type HTTPItemClient struct {
	BaseURL string
	HTTP    *platform.HTTPClient
}

// NewHTTPItemClient creates a client with the platform's retrying HTTP
// transport. Retries and timeout are tunable through the environment
// (FABRIC_HTTP_RETRIES, FABRIC_HTTP_TIMEOUT).
func NewHTTPItemClient(baseURL string) *HTTPItemClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	retries := platform.GetEnvInt("FABRIC_HTTP_RETRIES", 2)
	timeout := platform.GetEnvDuration("FABRIC_HTTP_TIMEOUT", 30*time.Second)
	return &HTTPItemClient{
		BaseURL: baseURL,
		HTTP:    platform.NewHTTPClient(retries, timeout),
	}
}

type itemListResponse struct {
	Value []Item `json:"value"`
}

// GetItemByName lists workspace items of the given type and matches on
// display name. The items API has no name filter, so the list is scanned.
func (c *HTTPItemClient) GetItemByName(ctx context.Context, workspaceID, itemType, name, token string) (*Item, error) {
	u := fmt.Sprintf("%s/workspaces/%s/items?type=%s",
		c.BaseURL, url.PathEscape(workspaceID), url.QueryEscape(itemType))

	status, body, err := c.HTTP.GetJSON(ctx, u, token)
	if err != nil {
		return nil, err
	}
	if status == 404 {
		return nil, nil
	}
	if status >= 400 {
		return nil, fmt.Errorf("items API returned status %d", status)
	}

	var list itemListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode items response: %w", err)
	}
	for i := range list.Value {
		if list.Value[i].DisplayName == name {
			return &list.Value[i], nil
		}
	}
	return nil, nil
}

// GetItemByID fetches one item by id.
func (c *HTTPItemClient) GetItemByID(ctx context.Context, workspaceID, itemID, token string) (*Item, error) {
	u := fmt.Sprintf("%s/workspaces/%s/items/%s",
		c.BaseURL, url.PathEscape(workspaceID), url.PathEscape(itemID))

	status, body, err := c.HTTP.GetJSON(ctx, u, token)
	if err != nil {
		return nil, err
	}
	if status == 404 {
		return nil, nil
	}
	if status >= 400 {
		return nil, fmt.Errorf("items API returned status %d", status)
	}

	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item response: %w", err)
	}
	return &item, nil
}

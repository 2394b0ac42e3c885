package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rsteenberg/vossieparent/internal/cache"
	"github.com/rsteenberg/vossieparent/internal/config"
)

const (
	apiPath = "/api/data/v9.2/"

	// maxErrBody caps how much of a failed response is kept in errors
	// and logs. Bodies may describe entities but never carry secrets;
	// requests are GET-only so no request body exists to leak.
	maxErrBody = 500
)

// Row is a single directory record: raw attribute values keyed by
// attribute name, plus "<key>__label" companions after normalization.
type Row map[string]any

// RequestError is a transient directory failure. The resolver treats it
// as "zero candidates from this source" and moves on.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("directory request failed: status %d: %s", e.Status, e.Body)
}

// Client talks to the external directory over its OData endpoint.
type Client struct {
	cfg        *config.Config
	tokens     *TokenProvider
	httpc      *http.Client
	entitySets cache.Cache
}

func NewClient(cfg *config.Config, tokens *TokenProvider, entitySets cache.Cache) *Client {
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpc:      &http.Client{Timeout: 20 * time.Second},
		entitySets: entitySets,
	}
}

func (c *Client) Enabled() bool {
	return c.cfg.DirectoryConfigured()
}

func (c *Client) get(ctx context.Context, path string, params url.Values, annotations bool) (map[string]any, error) {
	if c.cfg.DirectoryOrgURL == "" {
		return nil, config.Errorf("DIR_ORG_URL", "directory org URL is not set")
	}
	token, err := c.tokens.Token(ctx, c.cfg.DirectoryScope())
	if err != nil {
		return nil, err
	}

	endpoint := c.cfg.DirectoryOrgURL + apiPath + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Accept", "application/json")
	if annotations {
		req.Header.Set("Prefer", `odata.include-annotations="OData.Community.Display.V1.FormattedValue"`)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{Status: resp.StatusCode, Body: truncate(string(body), maxErrBody)}
		slog.Warn("directory GET failed",
			"source", "directory",
			"path", path,
			"status", resp.StatusCode,
			"body", reqErr.Body,
		)
		return nil, reqErr
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("malformed directory response: %w", err)
	}
	return out, nil
}

// Contact fetches a single contact record by its directory id.
// A 404 yields (nil, nil): an unknown id is an absence, not a failure.
func (c *Client) Contact(ctx context.Context, contactID string) (Row, error) {
	if contactID == "" {
		return nil, nil
	}
	out, err := c.get(ctx, fmt.Sprintf("contacts(%s)", contactID), nil, false)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return Row(out), nil
}

// FindContacts runs a filtered query against the contacts collection.
func (c *Client) FindContacts(ctx context.Context, filter string, selects ...string) ([]Row, error) {
	params := url.Values{}
	if len(selects) > 0 {
		params.Set("$select", strings.Join(selects, ","))
	}
	if filter != "" {
		params.Set("$filter", filter)
	}
	out, err := c.get(ctx, "contacts", params, false)
	if err != nil {
		return nil, err
	}
	return valueRows(out), nil
}

// Query runs a filtered query against an arbitrary collection.
func (c *Client) Query(ctx context.Context, collection, filter string, selects ...string) ([]Row, error) {
	params := url.Values{}
	if len(selects) > 0 {
		params.Set("$select", strings.Join(selects, ","))
	}
	if filter != "" {
		params.Set("$filter", filter)
	}
	out, err := c.get(ctx, collection, params, false)
	if err != nil {
		return nil, err
	}
	return valueRows(out), nil
}

// CollectionName resolves an entity logical name to its physical
// collection name via the metadata endpoint. The mapping is static per
// deployment, so the first successful lookup is memoized forever.
func (c *Client) CollectionName(ctx context.Context, logicalName string) (string, error) {
	key := "entityset:" + logicalName
	if name, ok := c.entitySets.Get(ctx, key); ok {
		return name, nil
	}

	params := url.Values{"$select": {"EntitySetName"}}
	out, err := c.get(ctx, fmt.Sprintf("EntityDefinitions(LogicalName='%s')", logicalName), params, false)
	if err != nil {
		return "", err
	}
	name, _ := out["EntitySetName"].(string)
	if name == "" {
		return "", fmt.Errorf("no EntitySetName for logical name %q", logicalName)
	}
	c.entitySets.Set(ctx, key, name, 0)
	return name, nil
}

// RunFetch executes a structured query against the resolved collection
// and returns normalized rows: linked-entity attribute paths flattened
// to a single-level key space, formatted values under "__label" keys.
func (c *Client) RunFetch(ctx context.Context, logicalName string, fetch *Fetch) ([]Row, error) {
	collection, err := c.CollectionName(ctx, logicalName)
	if err != nil {
		return nil, err
	}
	xmlStr, err := fetch.XML()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize fetch query: %w", err)
	}
	params := url.Values{"fetchXml": {xmlStr}}
	out, err := c.get(ctx, collection, params, true)
	if err != nil {
		return nil, err
	}
	return NormalizeRows(valueRows(out)), nil
}

// EscapeFilterValue doubles single quotes for OData filter literals.
func EscapeFilterValue(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func valueRows(out map[string]any) []Row {
	items, _ := out["value"].([]any)
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, Row(m))
		}
	}
	return rows
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package backend

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

	"github.com/rs/zerolog"

	"github.com/hpungsan/witkit/internal/batch"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// AzureOptions configures an AzureClient.
type AzureOptions struct {
	BaseURL      string // e.g. https://dev.azure.com
	Organization string
	Token        string // personal access token
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// AzureClient talks to the Azure DevOps work item tracking REST API.
type AzureClient struct {
	base   string
	token  string
	client *http.Client
	log    zerolog.Logger
}

// NewAzureClient creates a client for one organization.
func NewAzureClient(opts AzureOptions) (*AzureClient, error) {
	if opts.Organization == "" {
		return nil, fmt.Errorf("azure backend requires an organization")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("azure backend requires a personal access token")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://dev.azure.com"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &AzureClient{
		base:   base + "/" + url.PathEscape(opts.Organization),
		token:  opts.Token,
		client: client,
		log:    opts.Logger,
	}, nil
}

// SubmitBatch posts b to the organization's $batch endpoint.
func (c *AzureClient) SubmitBatch(ctx context.Context, b *batch.Batch) ([]byte, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	endpoint := fmt.Sprintf("%s/_apis/wit/$batch?api-version=%s", c.base, batch.APIVersion)

	start := time.Now()
	raw, err := c.do(ctx, http.MethodPost, endpoint, body)
	c.log.Debug().Int("requests", len(b.Requests)).Dur("elapsed", time.Since(start)).Err(err).Msg("batch submitted")
	return raw, err
}

type wiqlResponse struct {
	WorkItems []struct {
		ID int `json:"id"`
	} `json:"workItems"`
}

// QueryIDs runs a WIQL query in project.
func (c *AzureClient) QueryIDs(ctx context.Context, project string, q Query) ([]int, error) {
	if project == "" {
		return nil, fmt.Errorf("azure query requires a project")
	}
	body, err := json.Marshal(map[string]string{"query": BuildWIQL(project, q)})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	params := url.Values{}
	params.Set("api-version", batch.APIVersion)
	if q.Top > 0 {
		params.Set("$top", fmt.Sprint(q.Top))
	}
	endpoint := fmt.Sprintf("%s/%s/_apis/wit/wiql?%s", c.base, url.PathEscape(project), params.Encode())

	raw, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	var resp wiqlResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode wiql response: %w", err)
	}
	ids := make([]int, 0, len(resp.WorkItems))
	for _, wi := range resp.WorkItems {
		ids = append(ids, wi.ID)
	}
	return ids, nil
}

func (c *AzureClient) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth("", c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, redact(endpoint), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := raw
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, redact(endpoint), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return raw, nil
}

// redact drops the query string so errors never echo parameters.
func redact(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider talks to a GraphQL issue tracker endpoint.
type HTTPProvider struct {
	token      string
	httpClient *http.Client
	baseURL    string
}

// NewHTTPProvider creates a tracker client for the given GraphQL endpoint.
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		token: token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
	}
}

func (p *HTTPProvider) Name() string {
	return "http"
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// do executes a GraphQL request and unmarshals the response into result.
func (p *HTTPProvider) do(ctx context.Context, query string, variables map[string]any, result any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("GraphQL error: %s", gqlResp.Errors[0].Message)
	}
	if result != nil {
		if err := json.Unmarshal(gqlResp.Data, result); err != nil {
			return fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return nil
}

const queryItems = `
query Items($numbers: [Int!]!) {
	workItems(numbers: $numbers) {
		number
		title
		status
		parentNumber
	}
}`

const queryItem = `
query Item($number: Int!) {
	workItem(number: $number) {
		number
		title
		status
		parentNumber
	}
}`

const queryChildren = `
query Children($number: Int!) {
	workItem(number: $number) {
		children {
			number
			title
			status
			parentNumber
		}
	}
}`

// FetchStatuses returns current statuses for the given items in one call.
// Items the tracker does not know are absent from the map.
func (p *HTTPProvider) FetchStatuses(ctx context.Context, numbers []int) (map[int]string, error) {
	if len(numbers) == 0 {
		return map[int]string{}, nil
	}

	var result struct {
		WorkItems []Item `json:"workItems"`
	}
	if err := p.do(ctx, queryItems, map[string]any{"numbers": numbers}, &result); err != nil {
		return nil, fmt.Errorf("fetch statuses: %w", err)
	}

	statuses := make(map[int]string, len(result.WorkItems))
	for _, item := range result.WorkItems {
		statuses[item.Number] = item.Status
	}
	return statuses, nil
}

func (p *HTTPProvider) GetItem(ctx context.Context, number int) (*Item, error) {
	var result struct {
		WorkItem *Item `json:"workItem"`
	}
	if err := p.do(ctx, queryItem, map[string]any{"number": number}, &result); err != nil {
		return nil, fmt.Errorf("get item %d: %w", number, err)
	}
	if result.WorkItem == nil {
		return nil, fmt.Errorf("work item %d not found", number)
	}
	return result.WorkItem, nil
}

func (p *HTTPProvider) GetChildren(ctx context.Context, number int) ([]*Item, error) {
	var result struct {
		WorkItem *struct {
			Children []*Item `json:"children"`
		} `json:"workItem"`
	}
	if err := p.do(ctx, queryChildren, map[string]any{"number": number}, &result); err != nil {
		return nil, fmt.Errorf("get children of %d: %w", number, err)
	}
	if result.WorkItem == nil {
		return nil, nil
	}
	return result.WorkItem.Children, nil
}

// Package githubapi wraps the GitHub REST and GraphQL APIs for the pull
// request and atomic commit paths.
package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v58/github"
	"golang.org/x/oauth2"
)

const defaultGraphQLURL = "https://api.github.com/graphql"

// Client talks to the GitHub API. The REST client authenticates with the
// ambient token; GraphQL requests can carry a per-request bearer override so
// repositories using different installation tokens share one Client.
type Client struct {
	rest       *github.Client
	httpClient *http.Client
	graphqlURL string
	logger     *slog.Logger
}

// New creates a client authenticated with the given token. An empty token
// yields an unauthenticated client (useful against test servers).
func New(ctx context.Context, token string, logger *slog.Logger) *Client {
	httpClient := http.DefaultClient
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	return &Client{
		rest:       github.NewClient(httpClient),
		httpClient: httpClient,
		graphqlURL: defaultGraphQLURL,
		logger:     logger,
	}
}

// WithBaseURLs redirects REST and GraphQL calls, used by tests to point the
// client at an httptest server.
func (c *Client) WithBaseURLs(restURL, graphqlURL string) *Client {
	rest, err := c.rest.WithEnterpriseURLs(restURL, restURL)
	if err == nil {
		c.rest = rest
	}
	c.graphqlURL = graphqlURL
	return c
}

// GraphQLErrors aggregates the error list of a GraphQL response.
type GraphQLErrors struct {
	Errors []GraphQLError
}

// GraphQLError is one entry of a GraphQL response error list.
type GraphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *GraphQLErrors) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ge := range e.Errors {
		msgs = append(msgs, ge.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// IsStaleHead reports whether the failure indicates the optimistic-lock head
// oid went stale because the remote branch moved concurrently.
func (e *GraphQLErrors) IsStaleHead() bool {
	for _, ge := range e.Errors {
		if ge.Type == "STALE_DATA" {
			return true
		}
		msg := strings.ToLower(ge.Message)
		if strings.Contains(msg, "expected") && strings.Contains(msg, "head") {
			return true
		}
	}
	return false
}

// DoGraphQL executes a GraphQL request and unmarshals the data payload into
// out. A non-empty bearer is attached as an explicit Authorization header on
// this request only, overriding the ambient credential.
func (c *Client) DoGraphQL(ctx context.Context, query string, variables map[string]any, out any, bearer string) error {
	body, err := json.Marshal(struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables,omitempty"`
	}{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read graphql response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql request returned %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []GraphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("malformed graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return &GraphQLErrors{Errors: envelope.Errors}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("malformed graphql data payload: %w", err)
		}
	}
	return nil
}

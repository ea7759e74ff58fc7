package commands

import (
	"context"
	"encoding/json"
	"floppa/internal/core"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultWikiEndpoint = "https://en.wikipedia.org/w/api.php?action=query&format=json&list=search&srsearch="
	DefaultWikiPage     = "https://en.wikipedia.org/wiki/"
)

// wikiCommand: `wiki <query>` links the first Wikipedia search result.
type wikiCommand struct {
	noState
	client   *http.Client
	endpoint string
	page     string
}

type wikiSearch struct {
	Query struct {
		Search []struct {
			Title string `json:"title"`
		} `json:"search"`
	} `json:"query"`
}

func (c *wikiCommand) Execute(ctx context.Context, inv core.Invocation) (core.Reply, error) {
	query := strings.Join(strings.Fields(inv.Args), " ")
	if query == "" {
		return text("Missing argument for wiki lookup")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+url.QueryEscape(query), nil)
	if err != nil {
		return core.Reply{}, fmt.Errorf("build wiki request: %w", err)
	}
	req.Header.Set("User-Agent", "floppa (chat bot)")
	resp, err := c.client.Do(req)
	if err != nil {
		return core.Reply{}, fmt.Errorf("wiki search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return core.Reply{}, fmt.Errorf("wiki search: unexpected status %s", resp.Status)
	}
	var result wikiSearch
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return text("Failed to decode response from Wikipedia")
	}
	if len(result.Query.Search) == 0 || result.Query.Search[0].Title == "" {
		return text("Could not find page.")
	}
	title := strings.ReplaceAll(result.Query.Search[0].Title, " ", "_")
	return text("%s%s", c.page, url.PathEscape(title))
}

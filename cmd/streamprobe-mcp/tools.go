package main

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

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/use-agent/streamprobe/models"
)

// apiClient talks to a running streamprobe service.
type apiClient struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
}

func (a *apiClient) httpClient() *http.Client {
	if a.client != nil {
		return a.client
	}
	return &http.Client{Timeout: 600 * time.Second}
}

func (a *apiClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// pollBatch polls a batch until its status is no longer "processing" or ctx
// is cancelled.
func (a *apiClient) pollBatch(ctx context.Context, id string) (*models.BatchStatusResponse, error) {
	interval := a.pollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			body, err := a.do(ctx, http.MethodGet, "/extract/batch/"+url.PathEscape(id), nil)
			if err != nil {
				return nil, err
			}
			var st models.BatchStatusResponse
			if err := json.Unmarshal(body, &st); err != nil {
				return nil, fmt.Errorf("parse poll status: %w", err)
			}
			if st.Status != models.BatchProcessing {
				return &st, nil
			}
		}
	}
}

func handleExtractStream(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		q := url.Values{"url": {target}}
		if request.GetBool("aggressive", false) {
			q.Set("aggressive", "true")
		}
		if request.GetBool("no_cache", false) {
			q.Set("no_cache", "true")
		}

		body, err := api.do(ctx, http.MethodGet, "/extract?"+q.Encode(), nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var resp models.ExtractResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		if !resp.Success || resp.Data == nil {
			errMsg := "extraction failed"
			if resp.Error != nil {
				errMsg = fmt.Sprintf("[%s] %s", resp.Error.Code, resp.Error.Message)
			}
			return mcp.NewToolResultError(errMsg), nil
		}
		return mcp.NewToolResultText(formatExtract(&resp)), nil
	}
}

func formatExtract(resp *models.ExtractResponse) string {
	var sb strings.Builder
	d := resp.Data
	fmt.Fprintf(&sb, "Stream: %s\n", d.StreamURL)
	fmt.Fprintf(&sb, "Referer: %s\n", d.Headers.Referer)
	fmt.Fprintf(&sb, "User-Agent: %s\n", d.Headers.UserAgent)
	fmt.Fprintf(&sb, "Origin: %s\n", d.Headers.Origin)

	if len(d.Subtitles) > 0 {
		sb.WriteString("\nSubtitles:\n")
		for _, s := range d.Subtitles {
			fmt.Fprintf(&sb, "  %s: %s\n", s.Language, s.URL)
		}
	}
	if len(resp.AllStreams) > 1 {
		sb.WriteString("\nAll candidates:\n")
		for _, s := range resp.AllStreams {
			fmt.Fprintf(&sb, "  [%d] %s\n", s.Priority, s.URL)
		}
	}
	if resp.CacheStatus != "" {
		fmt.Fprintf(&sb, "\nCache: %s, %dms\n", resp.CacheStatus, resp.Timing.TotalMs)
	}
	return sb.String()
}

func handleBatchExtract(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls, err := request.RequireStringSlice("urls")
		if err != nil {
			return mcp.NewToolResultError("urls is required and must be an array of strings"), nil
		}

		body, err := api.do(ctx, http.MethodPost, "/extract/batch", models.BatchRequest{
			URLs:       urls,
			Aggressive: request.GetBool("aggressive", false),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("batch request failed: %v", err)), nil
		}

		var sub models.BatchResponse
		if err := json.Unmarshal(body, &sub); err != nil || sub.ID == "" {
			return mcp.NewToolResultError("batch job creation failed"), nil
		}

		st, err := api.pollBatch(ctx, sub.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("polling batch job failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatBatch(st)), nil
	}
}

func formatBatch(st *models.BatchStatusResponse) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %s: %s (%d/%d completed)\n\n", st.ID, st.Status, st.Completed, st.Total)
	for i, r := range st.Results {
		switch {
		case r == nil:
			fmt.Fprintf(&sb, "[%d] pending\n", i+1)
		case r.Success && r.Stream != nil:
			fmt.Fprintf(&sb, "[%d] %s\n    stream: %s\n    referer: %s\n", i+1, r.TargetURL, r.Stream.URL, r.Stream.Headers.Referer)
		default:
			msg := "unknown error"
			if r.Error != nil {
				msg = fmt.Sprintf("[%s] %s", r.Error.Code, r.Error.Message)
			}
			fmt.Fprintf(&sb, "[%d] %s\n    error: %s\n", i+1, r.TargetURL, msg)
		}
	}
	return sb.String()
}

func handleServiceStats(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		body, err := api.do(ctx, http.MethodGet, "/stats", nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var st models.StatsResponse
		if err := json.Unmarshal(body, &st); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse stats: %v", err)), nil
		}
		text := fmt.Sprintf(
			"Queue: %d running, %d waiting, capacity %d\nCache: %d/%d entries\nPool: %d/%d managed, %d available, %d in use, %d temporary, ready=%t\nMemory: heap %d bytes, %d goroutines\nUptime: %s",
			st.Queue.Running, st.Queue.Queued, st.Queue.Capacity,
			st.Cache.Entries, st.Cache.MaxEntries,
			st.Pool.Managed, st.Pool.Size, st.Pool.Available, st.Pool.InUse, st.Pool.Temporary, st.Pool.Ready,
			st.Memory.HeapAlloc, st.Memory.Goroutines,
			st.Uptime,
		)
		return mcp.NewToolResultText(text), nil
	}
}

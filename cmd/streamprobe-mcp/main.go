package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	apiURL := os.Getenv("STREAMPROBE_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	// Empty is fine when the service runs without auth.
	apiKey := os.Getenv("STREAMPROBE_API_KEY")

	s := newServer(&apiClient{baseURL: apiURL, apiKey: apiKey})
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func newServer(api *apiClient) *server.MCPServer {
	s := server.NewMCPServer(
		"streamprobe",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	extractTool := mcp.NewTool("extract_stream",
		mcp.WithDescription("Open a video page in a headless browser and return the HLS/DASH manifest URL a player would load, with the Referer/User-Agent/Origin headers needed to fetch it and any subtitle tracks."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page hosting the video player"),
		),
		mcp.WithBoolean("aggressive",
			mcp.Description("Click a grid of points and descend into player iframes from the first attempt (slower, for stubborn players)"),
		),
		mcp.WithBoolean("no_cache",
			mcp.Description("Skip the cached result and extract again"),
		),
	)
	s.AddTool(extractTool, handleExtractStream(api))

	batchTool := mcp.NewTool("batch_extract",
		mcp.WithDescription("Extract streams from several pages and wait for all of them. Returns one line per page."),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("List of page URLs"),
		),
		mcp.WithBoolean("aggressive",
			mcp.Description("Use the aggressive interaction strategy for every page"),
		),
	)
	s.AddTool(batchTool, handleBatchExtract(api))

	statsTool := mcp.NewTool("service_stats",
		mcp.WithDescription("Report extraction queue occupancy, cache size, browser pool state and memory use."),
	)
	s.AddTool(statsTool, handleServiceStats(api))

	return s
}

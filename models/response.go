package models

// ExtractResponse is the response for GET /extract.
type ExtractResponse struct {
	// Success indicates whether a stream was found.
	Success bool `json:"success"`

	// Data carries the chosen stream; nil on failure.
	Data *ExtractData `json:"data,omitempty"`

	// AllStreams lists every candidate in ranked order.
	AllStreams []RankedStream `json:"all_streams,omitempty"`

	// CacheStatus is "hit" or "miss".
	CacheStatus string `json:"cache_status,omitempty"`

	// Timing provides duration breakdowns for the request.
	Timing TimingInfo `json:"timing"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ExtractData is the chosen stream with the headers needed to play it.
type ExtractData struct {
	StreamURL string        `json:"stream_url"`
	Headers   StreamHeaders `json:"headers"`
	Subtitles []Subtitle    `json:"subtitles"`
}

// RankedStream is one entry of ExtractResponse.AllStreams.
type RankedStream struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// TimingInfo breaks down the time spent serving a request.
type TimingInfo struct {
	// TotalMs is the end-to-end duration in milliseconds.
	TotalMs int64 `json:"total_ms"`

	// ExtractionMs is the time the engine spent on the page. Zero on a
	// cache hit.
	ExtractionMs int64 `json:"extraction_ms"`
}

// NewExtractResponse converts an ExtractionResult into its API shape.
func NewExtractResponse(r *ExtractionResult) ExtractResponse {
	resp := ExtractResponse{Success: r.Success, Error: r.Error}
	if r.Success && r.Stream != nil {
		subs := r.Subtitles
		if subs == nil {
			subs = []Subtitle{}
		}
		resp.Data = &ExtractData{
			StreamURL: r.Stream.URL,
			Headers:   r.Stream.Headers,
			Subtitles: subs,
		}
	}
	if len(r.Streams) > 0 {
		resp.AllStreams = make([]RankedStream, 0, len(r.Streams))
		for _, s := range r.Streams {
			resp.AllStreams = append(resp.AllStreams, RankedStream{URL: s.URL, Priority: s.Priority})
		}
	}
	resp.Timing.ExtractionMs = r.Duration.Milliseconds()
	return resp
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"` // "healthy" or "degraded"
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// StatsResponse is the response for GET /stats.
type StatsResponse struct {
	Queue  QueueStats  `json:"queue"`
	Cache  CacheStats  `json:"cache"`
	Pool   PoolStats   `json:"pool"`
	Memory MemoryStats `json:"memory"`
	Uptime string      `json:"uptime"`
}

// QueueStats reports admission queue occupancy.
type QueueStats struct {
	Running  int `json:"running"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

// CacheStats reports result cache size.
type CacheStats struct {
	Entries    int `json:"entries"`
	MaxEntries int `json:"max_entries"`
}

// PoolStats reports the state of the browser pool.
type PoolStats struct {
	Size      int  `json:"size"`
	Managed   int  `json:"managed"`
	Available int  `json:"available"`
	InUse     int  `json:"in_use"`
	Temporary int  `json:"temporary"`
	Ready     bool `json:"ready"`
}

// MemoryStats reports Go runtime memory figures in bytes.
type MemoryStats struct {
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapInuse  uint64 `json:"heap_inuse"`
	Sys        uint64 `json:"sys"`
	Goroutines int    `json:"goroutines"`
}

package models

// Batch job states.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchPartial    = "partial"
	BatchFailed     = "failed"
)

// BatchRequest is the payload for POST /extract/batch.
type BatchRequest struct {
	// URLs is the list of target pages to extract. Required.
	URLs []string `json:"urls" binding:"required,min=1,max=50,dive,required"`

	// Aggressive applies the aggressive interaction strategy to every URL.
	Aggressive bool `json:"aggressive,omitempty"`

	// WebhookURL receives the final BatchStatusResponse when the job ends.
	WebhookURL string `json:"webhook_url,omitempty" binding:"omitempty,url"`

	// WebhookSecret signs the webhook body with HMAC-SHA256.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// BatchResponse is the immediate response for POST /extract/batch.
type BatchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// BatchStatusResponse is the response for GET /extract/batch/:id.
type BatchStatusResponse struct {
	ID        string              `json:"id"`
	Status    string              `json:"status"`
	Completed int                 `json:"completed"`
	Total     int                 `json:"total"`
	Results   []*ExtractionResult `json:"results,omitempty"`
}

// BatchJob tracks an in-progress batch extraction.
type BatchJob struct {
	ID            string
	Status        string
	Total         int
	Completed     int
	Results       []*ExtractionResult
	WebhookURL    string
	WebhookSecret string
	CreatedAt     int64 // unix timestamp
}

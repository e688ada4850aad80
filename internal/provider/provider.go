// Package provider talks to the external batch inference service (OpenAI
// Batch API over the Responses endpoint). The HTTP client is hand-rolled;
// the wire types model the provider's nested per-item output format.
package provider

import (
	"context"
	"encoding/json"
)

// Batch lifecycle states, normalized from the provider's richer set.
type BatchState string

const (
	BatchSubmitted  BatchState = "submitted"
	BatchInProgress BatchState = "in_progress"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
	BatchExpired    BatchState = "expired"
	BatchCancelled  BatchState = "cancelled"
)

type BatchStatus struct {
	ID           string
	State        BatchState
	OutputFileID string
	ErrorFileID  string
	Detail       string
}

// BatchRequest is one line of the JSONL batch input file.
type BatchRequest struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     RequestBody `json:"body"`
}

type RequestBody struct {
	Model           string     `json:"model"`
	Input           string     `json:"input"`
	MaxOutputTokens int        `json:"max_output_tokens,omitempty"`
	Reasoning       *Reasoning `json:"reasoning,omitempty"`
}

type Reasoning struct {
	Effort string `json:"effort"`
}

// ResultEntry is one line of the downloaded batch output stream. The
// generated text sits two levels deep: Response.Body.Output is an ordered
// list of tagged items, and only items of kind "message" carry content
// fragments with text.
type ResultEntry struct {
	CustomID string         `json:"custom_id"`
	Response *EntryResponse `json:"response"`
	Error    *EntryError    `json:"error"`
}

type EntryResponse struct {
	StatusCode int          `json:"status_code"`
	Body       ResponseBody `json:"body"`
}

type EntryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ResponseBody struct {
	Status string       `json:"status"`
	Output []OutputItem `json:"output"`
}

// OutputItem is the tagged variant of the provider's output list: earlier
// items may be non-textual process traces ("reasoning"); only "message"
// items carry content.
type OutputItem struct {
	Type    string            `json:"type"`
	Content []ContentFragment `json:"content"`
}

type ContentFragment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Client is the collaborator contract from the orchestration core's point
// of view.
type Client interface {
	SubmitBatch(ctx context.Context, requests []BatchRequest, description string) (string, error)
	GetBatchStatus(ctx context.Context, batchID string) (BatchStatus, error)
	DownloadResults(ctx context.Context, fileID string) ([]ResultEntry, error)
	CancelBatch(ctx context.Context, batchID string) error

	// CreateResponse is the synchronous single-request path used by inline
	// admission. Returns the extracted message text.
	CreateResponse(ctx context.Context, body RequestBody) (string, error)
}

// EncodeJSONL renders batch requests as the provider's JSONL input format.
func EncodeJSONL(requests []BatchRequest) ([]byte, error) {
	var buf []byte
	for i, req := range requests {
		line, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, line...)
	}
	return buf, nil
}

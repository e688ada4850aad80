package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements Client over the OpenAI HTTP API. No SDK: the
// surface we need (files, batches, responses) is small enough to call
// directly.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewOpenAIClient(apiKey, baseURL string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
	Errors       *struct {
		Data []struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

// SubmitBatch uploads the requests as a JSONL batch input file and creates
// a batch over the responses endpoint. Pure upload, no per-image network
// validation: submission stays O(seconds) regardless of batch size.
func (c *OpenAIClient) SubmitBatch(ctx context.Context, requests []BatchRequest, description string) (string, error) {
	jsonl, err := EncodeJSONL(requests)
	if err != nil {
		return "", fmt.Errorf("encode batch file: %w", err)
	}

	fileID, err := c.uploadBatchFile(ctx, jsonl)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/responses",
		"completion_window": "24h",
		"metadata":          map[string]string{"description": description},
	}
	raw, err := c.postJSON(ctx, c.baseURL+"/batches", body)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}

	var batch batchObject
	if err := json.Unmarshal(raw, &batch); err != nil {
		return "", fmt.Errorf("decode batch response: %w", err)
	}
	log.Printf("[provider] batch created id=%s file=%s requests=%d", batch.ID, fileID, len(requests))
	return batch.ID, nil
}

func (c *OpenAIClient) uploadBatchFile(ctx context.Context, jsonl []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", fmt.Sprintf("batch_%d.jsonl", time.Now().Unix()))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(jsonl); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	raw, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", fmt.Errorf("decode file response: %w", err)
	}
	return file.ID, nil
}

func (c *OpenAIClient) GetBatchStatus(ctx context.Context, batchID string) (BatchStatus, error) {
	raw, err := c.getJSON(ctx, c.baseURL+"/batches/"+batchID)
	if err != nil {
		return BatchStatus{}, fmt.Errorf("get batch %s: %w", batchID, err)
	}

	var batch batchObject
	if err := json.Unmarshal(raw, &batch); err != nil {
		return BatchStatus{}, fmt.Errorf("decode batch %s: %w", batchID, err)
	}

	st := BatchStatus{
		ID:           batch.ID,
		State:        normalizeState(batch.Status),
		OutputFileID: batch.OutputFileID,
		ErrorFileID:  batch.ErrorFileID,
	}
	if batch.Errors != nil && len(batch.Errors.Data) > 0 {
		st.Detail = batch.Errors.Data[0].Message
	}
	return st, nil
}

func normalizeState(s string) BatchState {
	switch s {
	case "validating":
		return BatchSubmitted
	case "in_progress", "finalizing":
		return BatchInProgress
	case "completed":
		return BatchCompleted
	case "failed":
		return BatchFailed
	case "expired":
		return BatchExpired
	case "cancelling", "cancelled":
		return BatchCancelled
	}
	return BatchSubmitted
}

// DownloadResults fetches and parses the JSONL output stream. Lines that do
// not decode are skipped with a warning rather than aborting the batch.
func (c *OpenAIClient) DownloadResults(ctx context.Context, fileID string) ([]ResultEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download results %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("download results %s: status %d: %s", fileID, resp.StatusCode, raw)
	}

	var entries []ResultEntry
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry ResultEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Printf("[provider] skipping undecodable result line file=%s error=%v", fileID, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read results %s: %w", fileID, err)
	}
	return entries, nil
}

// CancelBatch is best effort: callers treat errors as non-fatal because
// the local job status is authoritative.
func (c *OpenAIClient) CancelBatch(ctx context.Context, batchID string) error {
	_, err := c.postJSON(ctx, c.baseURL+"/batches/"+batchID+"/cancel", map[string]any{})
	if err != nil {
		return fmt.Errorf("cancel batch %s: %w", batchID, err)
	}
	return nil
}

// CreateResponse performs one synchronous inference call and extracts the
// message text with the same rule the batch path uses.
func (c *OpenAIClient) CreateResponse(ctx context.Context, body RequestBody) (string, error) {
	raw, err := c.postJSON(ctx, c.baseURL+"/responses", body)
	if err != nil {
		return "", fmt.Errorf("create response: %w", err)
	}

	var rb ResponseBody
	if err := json.Unmarshal(raw, &rb); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	text, ok := ExtractMessageText(rb.Output)
	if !ok {
		return "", fmt.Errorf("no message output in response (status=%s)", rb.Status)
	}
	return text, nil
}

func (c *OpenAIClient) postJSON(ctx context.Context, url string, body any) ([]byte, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *OpenAIClient) getJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.do(req)
}

func (c *OpenAIClient) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	log.Printf("[provider] %s %s status=%d bytes=%d duration_ms=%d",
		req.Method, req.URL.Path, resp.StatusCode, len(raw), time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		return raw, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(raw, 512))
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

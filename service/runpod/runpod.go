// Package runpod provides the RunPod serverless adapter for scantrans.
//
// Work units are submitted to the endpoint's /run route and resolved by
// polling /status/{id} until a terminal state is reported.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/inkfold/scantrans"
)

const defaultBaseURL = "https://api.runpod.ai/v2"

// Service is the RunPod serverless endpoint adapter.
type Service struct {
	baseURL    string
	endpointID string
	apiKey     string
	httpClient *http.Client
}

var _ scantrans.Service = (*Service)(nil)

// Option configures the service.
type Option func(*Service)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// New creates a new RunPod adapter for the given serverless endpoint.
func New(endpointID, apiKey string, opts ...Option) *Service {
	s := &Service{
		baseURL:    defaultBaseURL,
		endpointID: endpointID,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string { return "runpod" }

// RunPod API types.
type runRequest struct {
	Input runInput `json:"input"`
}

type runInput struct {
	Image        string                     `json:"image"`
	UseGPU       bool                       `json:"use_gpu"`
	Attempts     int                        `json:"attempts"`
	OutputFormat string                     `json:"output_format"`
	Translator   scantrans.TranslatorConfig `json:"translator"`
	Config       runConfig                  `json:"config"`
}

type runConfig struct {
	Render             scantrans.RenderConfig   `json:"render"`
	Detector           scantrans.DetectorConfig `json:"detector"`
	OCR                scantrans.OCRConfig      `json:"ocr"`
	MaskDilationOffset int                      `json:"mask_dilation_offset"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type statusResponse struct {
	Status string `json:"status"`
	Output *struct {
		ImageB64 string `json:"image_b64"`
	} `json:"output"`
	Error string `json:"error"`
}

// Submit posts a work unit to the endpoint's asynchronous run route and
// returns the remote job id.
func (s *Service) Submit(ctx context.Context, req scantrans.SubmitRequest) (string, error) {
	body := runRequest{
		Input: runInput{
			Image:        req.Image,
			UseGPU:       true,
			Attempts:     1,
			OutputFormat: req.OutputFormat,
			Translator:   req.Translator,
			Config: runConfig{
				Render:             req.Render,
				Detector:           req.Detector,
				OCR:                req.OCR,
				MaskDilationOffset: req.MaskDilationOffset,
			},
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("scantrans: marshal runpod request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/run", s.baseURL, s.endpointID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("scantrans: create runpod request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", scantrans.ErrSubmissionFailed, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return "", err
	}

	var resp runResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("scantrans: decode runpod response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: runpod returned no job id", scantrans.ErrSubmissionFailed)
	}
	return resp.ID, nil
}

// Poll fetches the status of a previously submitted run.
func (s *Service) Poll(ctx context.Context, handle string) (scantrans.PollResult, error) {
	url := fmt.Sprintf("%s/%s/status/%s", s.baseURL, s.endpointID, handle)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return scantrans.PollResult{}, fmt.Errorf("scantrans: create runpod status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return scantrans.PollResult{}, fmt.Errorf("scantrans: runpod status: %w", err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return scantrans.PollResult{}, err
	}

	var resp statusResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return scantrans.PollResult{}, fmt.Errorf("scantrans: decode runpod status: %w", err)
	}

	res := scantrans.PollResult{
		Status:  scantrans.RemoteStatus(resp.Status),
		Message: resp.Error,
	}
	if resp.Output != nil {
		res.ImageB64 = resp.Output.ImageB64
	}
	return res, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: runpod: %s", scantrans.ErrSubmissionFailed, msg)
	}
	return fmt.Errorf("scantrans: runpod: http %d: %s", resp.StatusCode, msg)
}

package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/response"
)

// ErrUnreachable wraps transport failures and 5xx answers. The caller may retry.
var ErrUnreachable = errors.New("api unreachable")

// APIError is a 4xx answer carrying the server's error code.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Reverify is true for codes that retrying cannot fix: the student has to re-enter through room verification.
func (e *APIError) Reverify() bool {
	switch e.Code {
	case response.ErrAttemptClosed,
		response.ErrExamWindowClosed,
		response.ErrNotAttemptOwner,
		response.ErrTimeUp,
		response.ErrAttemptNotFound:
		return true
	}
	return false
}

// Client speaks the proctoring HTTP contract.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   zerolog.Logger
}

func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
		log:   log.With().Str("component", "api_client").Logger(),
	}
}

// ─── Student ────────────────────────────────────────────────

func (c *Client) AttemptStatus(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	var out model.Attempt
	if err := c.do(ctx, http.MethodGet, attemptPath(attemptID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartAttempt(ctx context.Context, attemptID uuid.UUID) (*model.StartAttemptResponse, error) {
	var out model.StartAttemptResponse
	if err := c.do(ctx, http.MethodPost, attemptPath(attemptID, "/start"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SaveAnswer(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswerRequest) error {
	return c.do(ctx, http.MethodPut, attemptPath(attemptID, "/answers"), req, nil)
}

func (c *Client) ReportViolation(ctx context.Context, ev model.ViolationEvent) error {
	return c.do(ctx, http.MethodPost, attemptPath(ev.AttemptID, "/violations"), ev, nil)
}

func (c *Client) SubmitAttempt(ctx context.Context, attemptID uuid.UUID, trigger model.SubmitTrigger) (*model.SubmitAttemptResponse, error) {
	var out model.SubmitAttemptResponse
	body := model.SubmitAttemptRequest{Trigger: trigger}
	if err := c.do(ctx, http.MethodPost, attemptPath(attemptID, "/submit"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Instructor ─────────────────────────────────────────────

func (c *Client) ListOwnedExams(ctx context.Context) ([]model.ExamSummary, error) {
	var out []model.ExamSummary
	if err := c.do(ctx, http.MethodGet, "/api/v1/instructor/exams", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func attemptPath(id uuid.UUID, suffix string) string {
	return "/api/v1/student/attempts/" + id.String() + suffix
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %v", ErrUnreachable, method, path, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: status %d", ErrUnreachable, method, path, resp.StatusCode)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		c.log.Debug().Int("status", resp.StatusCode).Str("code", string(apiErr.Code)).Str("path", path).Msg("API rejected request")
		return apiErr
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s %s data: %w", method, path, err)
		}
	}
	return nil
}

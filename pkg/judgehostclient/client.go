package judgehostclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"

	"github.com/noah-isme/judgedispatch/internal/dto"
)

// Config describes how a judgehost reaches the dispatch API.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries uint
}

// Error is returned when the API answered with an error envelope.
type Error struct {
	Code    int
	Message string
	Path    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch api error, request path: %s, code: %d, message: %s", e.Path, e.Code, e.Message)
}

// Client speaks the judgehost side of the dispatch protocol. Reports are retried, the server
// treats a repeated report as a no-op.
type Client struct {
	http       *resty.Client
	maxRetries uint
	newBackOff func() backoff.BackOff
}

// New constructs a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Client{
		http:       client,
		maxRetries: cfg.MaxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Register announces the judgehost and returns its identity.
func (c *Client) Register(ctx context.Context, hostname string) (*dto.JudgehostResponse, error) {
	return receive[dto.JudgehostResponse](ctx, c, http.MethodPost, "/api/v4/judgehosts", dto.RegisterJudgehostRequest{Hostname: hostname}, false)
}

// Poll asks for the next batch of work. An empty batch with BackOff set means the judgehost is disabled.
func (c *Client) Poll(ctx context.Context, judgehostID uint, req dto.PollRequest) (*dto.PollResponse, error) {
	return receive[dto.PollResponse](ctx, c, http.MethodPost, fmt.Sprintf("/api/v4/judgehosts/%d/poll", judgehostID), req, false)
}

// ReportRun delivers one run result.
func (c *Client) ReportRun(ctx context.Context, judgehostID uint, report dto.RunReport) (*dto.RunAck, error) {
	return receive[dto.RunAck](ctx, c, http.MethodPost, fmt.Sprintf("/api/v4/judgehosts/%d/report", judgehostID), report, true)
}

// ReportCompile delivers the compile outcome of a task.
func (c *Client) ReportCompile(ctx context.Context, judgehostID uint, report dto.CompileReport) error {
	_, err := receive[struct{}](ctx, c, http.MethodPost, fmt.Sprintf("/api/v4/judgehosts/%d/compile", judgehostID), report, true)
	return err
}

// ReportInternalError tells the server that the tooling for a task is broken.
func (c *Client) ReportInternalError(ctx context.Context, judgehostID uint, report dto.InternalErrorReport) (*dto.InternalErrorResponse, error) {
	return receive[dto.InternalErrorResponse](ctx, c, http.MethodPost, fmt.Sprintf("/api/v4/judgehosts/%d/internal-error", judgehostID), report, true)
}

func receive[T any](ctx context.Context, c *Client, method, path string, body interface{}, retry bool) (*T, error) {
	operation := func() (*T, error) {
		var envelope struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
			Data    *T     `json:"data,omitempty"`
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&envelope).
			SetError(&envelope).
			Execute(method, path)
		if err != nil {
			return nil, err
		}

		if resp.IsError() || !envelope.Success {
			apiErr := &Error{Code: resp.StatusCode(), Message: envelope.Message, Path: path}
			if apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests {
				return nil, apiErr
			}
			return nil, backoff.Permanent(apiErr)
		}
		if envelope.Data == nil {
			envelope.Data = new(T)
		}
		return envelope.Data, nil
	}

	if !retry {
		result, err := operation()
		return result, unwrapPermanent(err)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxRetries),
	)
	return result, unwrapPermanent(err)
}

func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}

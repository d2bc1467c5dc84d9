package paramserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"selfplay/config"
	"selfplay/value"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Client talks to the parameter holder with a bounded retry budget.
type Client struct {
	baseURL string
	http    *http.Client
	retry   config.Retry
}

func NewClient(address string, transport config.Transport) *Client {
	return &Client{
		baseURL: "http://" + address,
		http:    &http.Client{Timeout: transport.RequestTimeout},
		retry:   transport.Retry,
	}
}

func (c *Client) Params(ctx context.Context) (ParamsResponse, error) {
	var out ParamsResponse
	err := c.do(ctx, http.MethodGet, ParamsPath, nil, &out)
	return out, err
}

// SubmitUpdate is safe to retry: the holder deduplicates by episode id.
func (c *Client) SubmitUpdate(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return UpdateResult{}, err
	}
	var out UpdateResult
	err = c.do(ctx, http.MethodPost, UpdatePath, body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	url := c.baseURL + path
	attempt := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, fmt.Errorf("decode %s: %w", path, err)
			}
			return struct{}{}, nil
		case resp.StatusCode == http.StatusConflict:
			return struct{}{}, backoff.Permanent(ErrStopped)
		case resp.StatusCode == http.StatusBadRequest:
			var e ErrorResponse
			_ = json.NewDecoder(resp.Body).Decode(&e)
			if e.Code == codeDimensionMismatch {
				return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w: %s", ErrBadRequest, value.ErrDimensionMismatch, e.Error))
			}
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrBadRequest, e.Error))
		default:
			return struct{}{}, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.retry.MaxAttempts),
		backoff.WithMaxElapsedTime(c.retry.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("url", url).Dur("retry_in", next).Msg("Retrying parameter holder request")
		}),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStopped), errors.Is(err, ErrBadRequest):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, url, err)
	}
}

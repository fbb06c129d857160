package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/errors"
)

// maxResultBytes caps how much of a result artifact the finalizer will read.
const maxResultBytes = 512 << 20 // 512 MiB

// HTTPClient implements Client against the service's REST surface.
// Every outbound request passes the client-side rate limiter first, and
// transient failures are retried per the uniform RetryPolicy.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
	log     *zap.SugaredLogger
}

// NewHTTPClient builds a client from configuration.
func NewHTTPClient(cfg config.RemoteConfig, log *zap.SugaredLogger) *HTTPClient {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		http: &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		retry: RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Base:        cfg.RetryBase(),
			MaxWait:     cfg.RetryMaxWait(),
		},
		log: log,
	}
}

type submitBody struct {
	InstanceID  string                 `json:"instance_id"`
	EntityID    string                 `json:"entity_id"`
	Query       string                 `json:"query"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	WindowStart string                 `json:"window_start"`
	WindowEnd   string                 `json:"window_end"`
}

type submitReply struct {
	ExecutionID string `json:"execution_id"`
}

type statusReply struct {
	Status         string `json:"status"`
	ResultLocation string `json:"result_location,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Submit implements Client.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(submitBody{
		InstanceID:  req.InstanceID,
		EntityID:    req.EntityID,
		Query:       req.QueryText,
		Parameters:  req.Parameters,
		WindowStart: FormatWindow(req.WindowStart),
		WindowEnd:   FormatWindow(req.WindowEnd),
	})
	if err != nil {
		return nil, Classify(KindQuery, errors.Wrap(err, "encode submit request"))
	}

	var reply submitReply
	err = c.retry.Do(ctx, c.log, "submit", func() error {
		return c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/executions", body, &reply)
	})
	if err != nil {
		return nil, err
	}
	if reply.ExecutionID == "" {
		return nil, Errorf(KindUnknown, "service accepted submission but returned no execution id")
	}
	return &SubmitResponse{RemoteID: reply.ExecutionID}, nil
}

// GetStatus implements Client.
func (c *HTTPClient) GetStatus(ctx context.Context, remoteID, instanceID, entityID string) (*StatusResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/executions/%s?instance_id=%s&entity_id=%s",
		c.baseURL, url.PathEscape(remoteID), url.QueryEscape(instanceID), url.QueryEscape(entityID))

	var reply statusReply
	err := c.retry.Do(ctx, c.log, "get_status", func() error {
		return c.doJSON(ctx, http.MethodGet, endpoint, nil, &reply)
	})
	if err != nil {
		return nil, err
	}

	status, err := parseStatus(reply.Status)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		Status:         status,
		ResultLocation: reply.ResultLocation,
		ErrorMessage:   reply.Error,
	}, nil
}

// FetchResult implements Client. Locations may be absolute URLs or paths
// relative to the service base.
func (c *HTTPClient) FetchResult(ctx context.Context, location string) ([]byte, error) {
	endpoint := location
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		endpoint = c.baseURL + "/" + strings.TrimLeft(location, "/")
	}

	var payload []byte
	err := c.retry.Do(ctx, c.log, "fetch_result", func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return Classify(KindNetwork, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return Classify(KindUnknown, err)
		}
		c.setHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return Classify(KindNetwork, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp)
		}

		payload, err = io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
		if err != nil {
			return Classify(KindNetwork, errors.Wrap(err, "read result artifact"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// doJSON performs one rate-limited request and decodes a JSON reply.
func (c *HTTPClient) doJSON(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return Classify(KindNetwork, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return Classify(KindUnknown, err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Classify(KindUnknown, errors.Wrap(err, "decode response"))
		}
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

// statusError maps an HTTP failure status onto the error taxonomy.
func (c *HTTPClient) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Errorf(KindAuth, "service rejected credentials: %s", msg)
	case resp.StatusCode == http.StatusForbidden:
		return Errorf(KindPermission, "authorization denied: %s", msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Errorf(KindQuery, "query rejected: %s", msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Errorf(KindRemoteTransient, "rate limited: %s", msg)
	case resp.StatusCode >= 500:
		return Errorf(KindRemoteTransient, "service error %d: %s", resp.StatusCode, msg)
	default:
		return Errorf(KindUnknown, "unexpected status %d: %s", resp.StatusCode, msg)
	}
}

// parseStatus validates the service's reported status string.
func parseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(s)) {
	case StatusPending:
		return StatusPending, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusSuccess:
		return StatusSuccess, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", Errorf(KindUnknown, "service reported unrecognized status %q", s)
	}
}

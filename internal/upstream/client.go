package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/config"
	"sensoralert/internal/domain"

	"github.com/go-resty/resty/v2"
)

const (
	pathToken           = "/api/data-api/elitechAccess/getToken"
	pathDeviceGUIDs     = "/api/data-api/elitechAccess/getDeviceGuids"
	pathRealtime        = "/api/data-api/elitechAccess/getRealTimeData"
	pathHistory         = "/api/data-api/elitechAccess/getHistoryData"
	pathAddDevice       = "/api/data-api/elitechAccess/addDevice"
	pathSetParam        = "/api/data-api/elitechAccess/setParam"
	pathBatchSetWaybill = "/api/data-api/elitechAccess/batchSetWaybill"
	pathDeviceInfo      = "/api/data-api/elitechAccess/getDeviceInfo"

	maxWaybillDevices  = 200
	tokenCacheKey      = "token"
	deviceListCacheKey = "device_guids"
)

// Observer receives upstream call outcomes for metrics.
// Params: endpoint path, outcome label, and call latency.
// Returns: none.
type Observer interface {
	ObserveRequest(endpoint, outcome string, elapsed time.Duration)
	ObserveTokenRefresh(outcome string)
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(string, string, time.Duration) {}
func (noopObserver) ObserveTokenRefresh(string)                   {}

// Option customizes client construction.
type Option func(*Client)

// WithObserver attaches metrics observer.
func WithObserver(observer Observer) Option {
	return func(c *Client) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithSleeper replaces ctx-aware wait used for rate-limit and history pacing.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithHTTPClient replaces underlying transport client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = resty.NewWithClient(httpClient)
		}
	}
}

// Client talks to main telemetry API with cached bearer token.
// Params: upstream config, resty client, logger, clock, and observer.
// Returns: upstream access layer shared by worker and query paths.
type Client struct {
	cfg      config.UpstreamConfig
	http     *resty.Client
	logger   *slog.Logger
	clock    clock.Clock
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error

	tokens      *TTLCache[string, string]
	deviceLists *TTLCache[string, []string]

	refreshMu        sync.Mutex
	lastTokenAttempt time.Time
}

// NewClient builds upstream client from config.
// Params: upstream config, logger, clock, and options.
// Returns: initialized client.
func NewClient(cfg config.UpstreamConfig, logger *slog.Logger, clk clock.Clock, opts ...Option) *Client {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:         cfg,
		http:        resty.New(),
		logger:      logger,
		clock:       clk,
		observer:    noopObserver{},
		sleep:       sleepContext,
		tokens:      NewTTLCache[string, string](clk.Now),
		deviceLists: NewTTLCache[string, []string](clk.Now),
	}
	for _, opt := range opts {
		opt(c)
	}
	configureResty(c.http, cfg.BaseURL, cfg.Timeout(), cfg.RetryCount, time.Duration(cfg.RetryWaitMS)*time.Millisecond)
	return c
}

// configureResty applies base URL, timeout, JSON headers, and transport retry policy.
// Params: resty client and transport settings.
// Returns: none.
func configureResty(client *resty.Client, baseURL string, timeout time.Duration, retryCount int, retryWait time.Duration) {
	client.
		SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/")).
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(8*retryWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if isTokenRequest(resp) {
				return false
			}
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			if resp == nil {
				return false
			}
			status := resp.StatusCode()
			return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
		})
}

// isTokenRequest reports token issuance calls, which retry only through Token's rate-limit path.
func isTokenRequest(resp *resty.Response) bool {
	if resp == nil || resp.Request == nil {
		return false
	}
	target, _, _ := strings.Cut(resp.Request.URL, "?")
	return strings.HasSuffix(target, pathToken)
}

// sleepContext waits for duration or context cancellation.
// Params: context and wait duration.
// Returns: context error when cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Token returns cached bearer credential, refreshing it under lock when expired.
// Params: context for refresh request.
// Returns: "Bearer <token>" or refresh error.
func (c *Client) Token(ctx context.Context) (string, error) {
	if token, ok := c.tokens.Get(tokenCacheKey); ok {
		return token, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if token, ok := c.tokens.Get(tokenCacheKey); ok {
		return token, nil
	}

	token, err := c.requestToken(ctx)
	if err != nil && c.isTokenRateLimited(err) {
		wait := c.lastTokenAttempt.Add(time.Duration(c.cfg.TokenRateLimitWaitSec) * time.Second).Sub(c.clock.Now())
		c.logger.Warn("token issuance rate limited, waiting before retry", "wait", wait.String(), "error", err.Error())
		c.observer.ObserveTokenRefresh("rate_limited")
		if waitErr := c.sleep(ctx, wait); waitErr != nil {
			return "", fmt.Errorf("wait token rate limit: %w", waitErr)
		}
		token, err = c.requestToken(ctx)
	}
	if err != nil {
		c.observer.ObserveTokenRefresh("error")
		return "", fmt.Errorf("fetch token: %w", err)
	}

	c.tokens.Set(tokenCacheKey, token, time.Duration(c.cfg.TokenTTLSec)*time.Second)
	c.observer.ObserveTokenRefresh("ok")
	c.logger.Debug("upstream token refreshed")
	return token, nil
}

// InvalidateToken drops cached token so next call refreshes it.
func (c *Client) InvalidateToken() {
	c.tokens.Delete(tokenCacheKey)
}

// requestToken performs one token issuance call; caller holds refreshMu.
// Params: context.
// Returns: normalized bearer token or upstream error.
func (c *Client) requestToken(ctx context.Context) (string, error) {
	c.lastTokenAttempt = c.clock.Now()
	body := map[string]any{
		"keyId":     c.cfg.KeyID,
		"keySecret": c.cfg.KeySecret,
		"userName":  c.cfg.UserName,
		"password":  c.cfg.Password,
	}
	env, err := postEnvelope[string](ctx, c, pathToken, body, false)
	if err != nil {
		return "", err
	}
	if env.Code != 0 {
		return "", &APIError{Path: pathToken, Code: env.Code, Message: env.message()}
	}
	token := normalizeBearer(env.Data)
	if token == "" {
		return "", &APIError{Path: pathToken, Code: env.Code, Message: "empty token"}
	}
	return token, nil
}

// isTokenRateLimited reports distinguished rate-limit failure of token issuance.
func (c *Client) isTokenRateLimited(err error) bool {
	if IsCode(err, c.cfg.TokenRateLimitCode) {
		return true
	}
	status, ok := HTTPStatus(err)
	return ok && status == http.StatusTooManyRequests
}

// normalizeBearer converts raw token into "Bearer <token>".
// Params: raw token with optional bearer prefix in any case.
// Returns: normalized header value or empty string.
func normalizeBearer(raw string) string {
	token := strings.TrimSpace(raw)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

// postEnvelope posts JSON body and decodes response envelope.
// Params: context, client, endpoint path, body, and whether to attach bearer token.
// Returns: decoded envelope, HTTPError on non-2xx status, or transport/decode error.
func postEnvelope[T any](ctx context.Context, c *Client, path string, body any, auth bool) (envelope[T], error) {
	var env envelope[T]
	request := c.http.R().SetContext(ctx).SetBody(body)
	if auth {
		token, err := c.Token(ctx)
		if err != nil {
			return env, err
		}
		request.SetHeader("Authorization", token)
	}
	return doPost[T](request, path, c.observer, c.logger)
}

// doPost executes prepared request and decodes upstream envelope.
// Params: request, endpoint path, observer, and logger.
// Returns: decoded envelope or typed error.
func doPost[T any](request *resty.Request, path string, observer Observer, logger *slog.Logger) (envelope[T], error) {
	var env envelope[T]
	started := time.Now()
	response, err := request.Post(path)
	elapsed := time.Since(started)
	if err != nil {
		observer.ObserveRequest(path, "transport_error", elapsed)
		logger.Warn("upstream request failed", "endpoint", path, "error", err.Error())
		return env, fmt.Errorf("post %s: %w", path, err)
	}
	if !response.IsSuccess() {
		observer.ObserveRequest(path, "http_error", elapsed)
		httpErr := &HTTPError{Path: path, Status: response.StatusCode(), Body: strings.TrimSpace(string(response.Body()))}
		logger.Warn("upstream returned non-2xx", "endpoint", path, "status", httpErr.Status, "body", httpErr.Body)
		return env, httpErr
	}
	if err := json.Unmarshal(response.Body(), &env); err != nil {
		observer.ObserveRequest(path, "decode_error", elapsed)
		return env, fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Code != 0 {
		observer.ObserveRequest(path, "api_error", elapsed)
	} else {
		observer.ObserveRequest(path, "ok", elapsed)
	}
	return env, nil
}

// credentials returns key pair body fields shared by data endpoints.
func (c *Client) credentials() map[string]any {
	return map[string]any{
		"keyId":     c.cfg.KeyID,
		"keySecret": c.cfg.KeySecret,
	}
}

// DeviceIDs returns visible device ids, cached for the configured TTL.
// Params: context.
// Returns: normalized unique device ids or upstream error.
func (c *Client) DeviceIDs(ctx context.Context) ([]string, error) {
	if cached, ok := c.deviceLists.Get(deviceListCacheKey); ok {
		return append([]string(nil), cached...), nil
	}
	env, err := postEnvelope[[]string](ctx, c, pathDeviceGUIDs, c.credentials(), true)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, &APIError{Path: pathDeviceGUIDs, Code: env.Code, Message: env.message()}
	}
	ids := cleanDeviceIDs(env.Data)
	c.deviceLists.Set(deviceListCacheKey, ids, time.Duration(c.cfg.DeviceListTTLSec)*time.Second)
	return append([]string(nil), ids...), nil
}

// Realtime fetches current samples for device ids in one call.
// Params: context and device ids (trimmed, empties dropped).
// Returns: samples, ErrNoDevices for empty input, or upstream error.
func (c *Client) Realtime(ctx context.Context, deviceIDs []string) ([]domain.TelemetrySample, error) {
	ids := cleanDeviceIDs(deviceIDs)
	if len(ids) == 0 {
		return nil, ErrNoDevices
	}
	body := c.credentials()
	body["deviceGuids"] = ids
	env, err := postEnvelope[[]realtimeItem](ctx, c, pathRealtime, body, true)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, &APIError{Path: pathRealtime, Code: env.Code, Message: env.message()}
	}
	out := make([]domain.TelemetrySample, 0, len(env.Data))
	for _, item := range env.Data {
		sample := item.toSample()
		if sample.DeviceID == "" {
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

// History fetches one raw history window without chunking.
// Params: context, device id, and inclusive window bounds.
// Returns: samples or upstream error (APIError when code != 0).
func (c *Client) History(ctx context.Context, deviceID string, start, end time.Time) ([]domain.TelemetrySample, error) {
	body := c.credentials()
	body["deviceGuid"] = strings.TrimSpace(deviceID)
	body["startTime"] = start.Unix()
	body["endTime"] = end.Unix()
	env, err := postEnvelope[[]historyItem](ctx, c, pathHistory, body, true)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, &APIError{Path: pathHistory, Code: env.Code, Message: env.message()}
	}
	out := make([]domain.TelemetrySample, 0, len(env.Data))
	for _, item := range env.Data {
		out = append(out, item.toSample())
	}
	return out, nil
}

// AddDevice registers devices upstream.
// Params: context and device name/id pairs (trimmed, incomplete entries dropped).
// Returns: number of devices added or upstream error.
func (c *Client) AddDevice(ctx context.Context, devices []NewDevice) (int, error) {
	cleaned := make([]NewDevice, 0, len(devices))
	for _, device := range devices {
		name := strings.TrimSpace(device.DeviceName)
		guid := strings.TrimSpace(device.DeviceGUID)
		if name == "" || guid == "" {
			continue
		}
		cleaned = append(cleaned, NewDevice{DeviceName: name, DeviceGUID: guid})
	}
	if len(cleaned) == 0 {
		return 0, errors.New("at least one device with name and id is required")
	}
	body := c.credentials()
	body["deviceInfos"] = cleaned
	env, err := postEnvelope[int](ctx, c, pathAddDevice, body, true)
	if err != nil {
		return 0, err
	}
	if env.Code != 0 {
		return 0, &APIError{Path: pathAddDevice, Code: env.Code, Message: env.message()}
	}
	return env.Data, nil
}

// SetParam updates device parameters.
// Params: context and parameter update (device id required).
// Returns: upstream result flag or error.
func (c *Client) SetParam(ctx context.Context, update ParamUpdate) (bool, error) {
	update.DeviceGUID = strings.TrimSpace(update.DeviceGUID)
	if update.DeviceGUID == "" {
		return false, errors.New("device id is required")
	}
	payload, err := mergeCredentials(c.credentials(), update)
	if err != nil {
		return false, err
	}
	env, err := postEnvelope[bool](ctx, c, pathSetParam, payload, true)
	if err != nil {
		return false, err
	}
	if env.Code != 0 {
		return false, &APIError{Path: pathSetParam, Code: env.Code, Message: env.message()}
	}
	return env.Data, nil
}

// BatchSetWaybill sets waybill window on up to 200 devices.
// Params: context, device ids, and optional start/stop unix seconds (at least one).
// Returns: upstream result flag or error.
func (c *Client) BatchSetWaybill(ctx context.Context, deviceIDs []string, start, stop *int64) (bool, error) {
	ids := cleanDeviceIDs(deviceIDs)
	if len(ids) == 0 {
		return false, ErrNoDevices
	}
	if len(ids) > maxWaybillDevices {
		return false, fmt.Errorf("at most %d devices per waybill batch, got %d", maxWaybillDevices, len(ids))
	}
	if start == nil && stop == nil {
		return false, errors.New("waybill start or stop time is required")
	}
	body := c.credentials()
	body["deviceGuids"] = ids
	if start != nil {
		body["waybillStartTime"] = *start
	}
	if stop != nil {
		body["waybillStopTime"] = *stop
	}
	env, err := postEnvelope[bool](ctx, c, pathBatchSetWaybill, body, true)
	if err != nil {
		return false, err
	}
	if env.Code != 0 {
		return false, &APIError{Path: pathBatchSetWaybill, Code: env.Code, Message: env.message()}
	}
	return env.Data, nil
}

// DeviceInfo fetches static metadata for devices.
// Params: context and device ids.
// Returns: device info rows or upstream error.
func (c *Client) DeviceInfo(ctx context.Context, deviceIDs []string) ([]DeviceInfo, error) {
	ids := cleanDeviceIDs(deviceIDs)
	if len(ids) == 0 {
		return nil, ErrNoDevices
	}
	body := c.credentials()
	body["deviceGuids"] = ids
	env, err := postEnvelope[[]DeviceInfo](ctx, c, pathDeviceInfo, body, true)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, &APIError{Path: pathDeviceInfo, Code: env.Code, Message: env.message()}
	}
	return env.Data, nil
}

// mergeCredentials flattens typed request into credential body.
// Params: credential map and typed payload.
// Returns: merged body map or encode error.
func mergeCredentials(base map[string]any, payload any) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	for key, value := range fields {
		base[key] = value
	}
	return base, nil
}

// cleanDeviceIDs trims ids, drops empties, and removes case-insensitive duplicates.
// Params: raw device ids.
// Returns: cleaned ids preserving first occurrence order.
func cleanDeviceIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		key := domain.NormalizeDeviceID(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

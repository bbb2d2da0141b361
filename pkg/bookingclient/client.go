package bookingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
)

const codeLength = 6

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type manageParams struct {
	ManageToken string `url:"manage_token"`
}

type linkParams struct {
	Token string `url:"token"`
}

type errorBody struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Fields    map[string]string `json:"fields"`
	Retryable bool              `json:"retryable"`
}

// SaveDraft upserts the session draft. A missing phone is a gate skip: the
// result has Saved=false and the error is nil.
func (c *Client) SaveDraft(ctx context.Context, sessionID string, fields DraftFields) (SaveResult, error) {
	var out struct {
		Success bool  `json:"success"`
		DraftID int64 `json:"draft_id"`
	}
	if err := c.do(ctx, http.MethodPut, c.draftPath(sessionID), nil, fields, nil, &out); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Saved: out.Success, DraftID: out.DraftID}, nil
}

// GetDraft returns the stored draft; found is false when the session has none.
func (c *Client) GetDraft(ctx context.Context, sessionID string) (fields DraftFields, found bool, err error) {
	var out struct {
		Success bool         `json:"success"`
		Data    *DraftFields `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, c.draftPath(sessionID), nil, nil, nil, &out); err != nil {
		return DraftFields{}, false, err
	}
	if !out.Success || out.Data == nil {
		return DraftFields{}, false, nil
	}
	return *out.Data, true, nil
}

func (c *Client) DeleteDraft(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, c.draftPath(sessionID), nil, nil, nil, nil)
}

// CreateReservation submits the form. It is never retried here; pass an
// idempotency key to make an explicit user retry safe.
func (c *Client) CreateReservation(ctx context.Context, req ReservationRequest, idempotencyKey string) (*Reservation, error) {
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	var out struct {
		Reservation *Reservation `json:"reservation"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/reservations", nil, req, headers, &out); err != nil {
		return nil, err
	}
	return out.Reservation, nil
}

func (c *Client) GetReservation(ctx context.Context, id int64, manageToken string) (*Reservation, error) {
	q, err := query.Values(manageParams{ManageToken: manageToken})
	if err != nil {
		return nil, err
	}
	var out struct {
		Reservation *Reservation `json:"reservation"`
	}
	if err := c.do(ctx, http.MethodGet, reservationPath(id, ""), q, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Reservation, nil
}

func (c *Client) CancelReservation(ctx context.Context, id int64, manageToken string) (*Reservation, error) {
	q, err := query.Values(manageParams{ManageToken: manageToken})
	if err != nil {
		return nil, err
	}
	var out struct {
		Reservation *Reservation `json:"reservation"`
	}
	if err := c.do(ctx, http.MethodDelete, reservationPath(id, ""), q, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Reservation, nil
}

// SendVerification asks for a fresh code and link; the previous ones stop working.
func (c *Client) SendVerification(ctx context.Context, reservationID int64) error {
	return c.do(ctx, http.MethodPost, reservationPath(reservationID, "/verification"), nil, nil, nil, nil)
}

// VerifyByCode rejects a malformed code locally, without a network call.
func (c *Client) VerifyByCode(ctx context.Context, reservationID int64, code string) (*Confirmation, error) {
	code = strings.TrimSpace(code)
	if !wellFormedCode(code) {
		return nil, &ValidationError{Fields: map[string]string{"code": "must be exactly 6 digits"}}
	}
	var out Confirmation
	body := map[string]string{"code": code}
	if err := c.do(ctx, http.MethodPost, reservationPath(reservationID, "/verify"), nil, body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyByLink(ctx context.Context, token string) (*Confirmation, error) {
	if strings.TrimSpace(token) == "" {
		return nil, &ValidationError{Fields: map[string]string{"token": "is required"}}
	}
	q, err := query.Values(linkParams{Token: token})
	if err != nil {
		return nil, err
	}
	var out Confirmation
	if err := c.do(ctx, http.MethodPost, "/v1/verify", q, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RequestManualConfirmation(ctx context.Context, reservationID int64) (*Confirmation, error) {
	var out Confirmation
	if err := c.do(ctx, http.MethodPost, reservationPath(reservationID, "/manual-confirmation"), nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListServices(ctx context.Context) ([]Service, error) {
	var out struct {
		Services []Service `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/services", nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

func (c *Client) draftPath(sessionID string) string {
	return "/v1/drafts/" + url.PathEscape(sessionID)
}

func reservationPath(id int64, suffix string) string {
	return "/v1/reservations/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body interface{}, headers http.Header, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	if status == http.StatusBadRequest && len(body.Fields) > 0 {
		return &ValidationError{Fields: body.Fields}
	}

	apiErr := &APIError{Status: status, Code: body.Code, Message: body.Error, Retryable: body.Retryable}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusNotFound:
		apiErr.sentinel = ErrNotFound
	case status == http.StatusConflict:
		apiErr.sentinel = ErrStateConflict
	case status == http.StatusTooManyRequests:
		apiErr.sentinel = ErrRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		apiErr.sentinel = ErrUnauthorized
	case body.Code == "CHALLENGE_EXPIRED":
		apiErr.sentinel = ErrChallengeExpired
	case body.Code == "CHALLENGE_LOCKED":
		apiErr.sentinel = ErrChallengeLocked
	case body.Code == "CHALLENGE_MISMATCH":
		apiErr.sentinel = ErrChallengeMismatch
	case status >= 500:
		apiErr.sentinel = ErrTransient
	}
	return apiErr
}

func wellFormedCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

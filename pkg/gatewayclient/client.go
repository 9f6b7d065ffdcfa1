/**
 * @description
 * This package provides a client for the external payment gateway API. It
 * encapsulates authenticated HTTP requests for initiating charges, initiating
 * payouts, and polling payment status, along with response parsing and error
 * classification.
 *
 * Transport failures and gateway 5xx responses are reported as (wrapped)
 * ErrUnavailable so callers can distinguish "the gateway is down, retry or
 * compensate" from a definitive rejection of the request.
 *
 * @dependencies
 * - bytes, context, encoding/json, errors, fmt, io, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrUnavailable indicates the gateway could not be reached or answered with a
// server-side error. The underlying payment may or may not exist; callers must
// treat the outcome as unknown.
var ErrUnavailable = errors.New("payment gateway unavailable")

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest is the payload for initiating a customer charge.
type ChargeRequest struct {
	PayerHandle string `json:"payer_handle"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	ExternalID  string `json:"external_id"`
	CallbackURL string `json:"callback_url,omitempty"`
	Narration   string `json:"narration,omitempty"`
}

// PayoutRequest is the payload for initiating an outbound payout.
type PayoutRequest struct {
	PayeeHandle string `json:"payee_handle"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	ExternalID  string `json:"external_id"`
	Narration   string `json:"narration,omitempty"`
}

// PaymentResponse is the gateway's representation of a payment or payout.
type PaymentResponse struct {
	Reference  string `json:"reference"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Message    string `json:"message,omitempty"`
}

// ErrorResponse represents a definitive rejection from the gateway API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway error: %s - %s", e.Code, e.Message)
	}
	return "unknown gateway error"
}

// InitiateCharge asks the gateway to collect funds from the payer. The
// returned reference is the gateway's id for the payment; status confirmation
// arrives later via webhook or polling.
func (c *Client) InitiateCharge(ctx context.Context, req ChargeRequest) (*PaymentResponse, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/charges", req)
}

// InitiatePayout asks the gateway to push funds out to the payee.
func (c *Client) InitiatePayout(ctx context.Context, req PayoutRequest) (*PaymentResponse, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payouts", req)
}

// GetPayment fetches the current gateway-side status of a payment by its
// gateway reference.
func (c *Client) GetPayment(ctx context.Context, reference string) (*PaymentResponse, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payments/"+reference, nil)
}

// doRequest executes an authenticated request and classifies the outcome.
func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}) (*PaymentResponse, error) {
	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
		}
		reqBody = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute gateway request: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", ErrUnavailable)
	}

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=gateway_client method=%s path=%s status=%d msg=\"gateway server error\"", method, path, resp.StatusCode)
		return nil, fmt.Errorf("gateway returned status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client method=%s path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", method, path, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode gateway error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=gateway_client method=%s path=%s status=%d code=%q msg=%q", method, path, resp.StatusCode, errResp.Code, errResp.Message)
		return nil, &errResp
	}

	var payment PaymentResponse
	if err := json.Unmarshal(bodyBytes, &payment); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return &payment, nil
}

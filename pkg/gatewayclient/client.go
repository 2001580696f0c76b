/**
 * @description
 * This package provides a client for the mobile-money payment gateway. It
 * encapsulates authenticated HTTP requests to the gateway's collection
 * endpoints, request body construction, and response parsing. Callers decide
 * what a result means; this package only distinguishes explicit gateway
 * rejections from ambiguous transport failures.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new gateway API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CollectionRequest is the payload for initiating a collection (a charge
// pushed to the customer's mobile-money instrument).
type CollectionRequest struct {
	Reference     string `json:"reference"`
	InstrumentRef string `json:"instrument_ref"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Narration     string `json:"narration,omitempty"`
}

// CollectionResponse is the gateway's acknowledgement of a collection request.
type CollectionResponse struct {
	Data struct {
		TransactionID string `json:"transaction_id"`
		Reference     string `json:"reference"`
		Status        string `json:"status"`
	} `json:"data"`
}

// StatusResponse is the gateway's answer to a status query by reference.
type StatusResponse struct {
	Data struct {
		TransactionID string `json:"transaction_id"`
		Reference     string `json:"reference"`
		Status        string `json:"status"` // successful, failed, pending
		Reason        string `json:"reason,omitempty"`
		CompletedAt   string `json:"completed_at,omitempty"`
	} `json:"data"`
}

// ErrorResponse represents an error returned by the gateway API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("gateway api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown gateway api error"
}

// IsExplicitRejection reports whether the gateway definitively refused the
// request, as opposed to an ambiguous failure where the charge may still have
// gone through. Timeouts and throttling are never explicit rejections.
func (e *ErrorResponse) IsExplicitRejection() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// RequestCollection asks the gateway to collect the given amount from the
// customer's stored instrument.
func (c *Client) RequestCollection(ctx context.Context, req CollectionRequest) (*CollectionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal collection request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/collections", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create collection request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-gateway-key", c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute collection request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("collection", resp.StatusCode, bodyBytes)
	}

	var collectionResp CollectionResponse
	if err := json.Unmarshal(bodyBytes, &collectionResp); err != nil {
		return nil, fmt.Errorf("failed to decode collection response: %w", err)
	}
	return &collectionResp, nil
}

// GetTransactionStatus queries the gateway for the state of a collection by
// the order or invoice reference it was initiated with.
func (c *Client) GetTransactionStatus(ctx context.Context, reference string) (*StatusResponse, error) {
	url := c.BaseURL + "/v1/collections/status/" + reference

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute status request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("status", resp.StatusCode, bodyBytes)
	}

	var statusResp StatusResponse
	if err := json.Unmarshal(bodyBytes, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &statusResp, nil
}

func (c *Client) decodeError(op string, statusCode int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, statusCode)
		return fmt.Errorf("failed to decode error response (status %d)", statusCode)
	}
	errResp.StatusCode = statusCode
	log.Printf("level=warn component=gateway_client op=%s status=%d title=%q detail=%q", op, statusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
	return &errResp
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}

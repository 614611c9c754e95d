// Package wa is the WhatsApp Business Cloud API client. One Client serves
// every team: credentials are passed per call so a single HTTP client and
// connection pool is shared across tenants.
package wa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://graph.facebook.com"

const (
	sendTimeout     = 30 * time.Second
	uploadTimeout   = 60 * time.Second
	downloadTimeout = 60 * time.Second
)

// ErrRequestFailed is a non-2xx or transport-level provider failure. It is
// retryable: the delivery worker feeds it into the backoff path.
type ErrRequestFailed struct {
	StatusCode int
	Body       string
}

func (e *ErrRequestFailed) Error() string {
	return fmt.Sprintf("wa: provider request failed: status=%d body=%q", e.StatusCode, e.Body)
}

// Credentials identify one team against the provider.
type Credentials struct {
	PhoneNumberID string
	AccessToken   string
	APIVersion    string
}

type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a Cloud API client. An empty baseURL selects the real
// Graph endpoint; tests point it at an httptest server.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func apiVersion(creds Credentials) string {
	v := creds.APIVersion
	if v == "" {
		v = "v18.0"
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func (c *Client) messagesURL(creds Credentials) string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, apiVersion(creds), creds.PhoneNumberID)
}

// SendMessage posts one outbound message and returns the provider-assigned
// message id, the dedup key for the stored message.
func (c *Client) SendMessage(ctx context.Context, creds Credentials, msg OutboundMessage) (string, error) {
	msg.MessagingProduct = "whatsapp"

	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(creds), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wa: send message: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ErrRequestFailed{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var sr SendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", fmt.Errorf("wa: decode send response: %w body=%q", err, string(respBody))
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", fmt.Errorf("wa: missing message id in response body=%q", string(respBody))
	}
	return sr.Messages[0].ID, nil
}

// UploadMedia uploads raw bytes as multipart form data and returns the
// provider media id to reference in a subsequent send.
func (c *Client) UploadMedia(ctx context.Context, creds Credentials, filename, mimeType string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := w.WriteField("type", mimeType); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/%s/media", c.baseURL, apiVersion(creds), creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wa: upload media: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ErrRequestFailed{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var ur UploadResponse
	if err := json.Unmarshal(respBody, &ur); err != nil {
		return "", fmt.Errorf("wa: decode upload response: %w body=%q", err, string(respBody))
	}
	if ur.ID == "" {
		return "", fmt.Errorf("wa: missing media id in response body=%q", string(respBody))
	}
	return ur.ID, nil
}

// MediaInfo resolves a provider media id into its ephemeral download URL.
func (c *Client) MediaInfo(ctx context.Context, creds Credentials, mediaID string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, apiVersion(creds), mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wa: media info: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ErrRequestFailed{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var info MediaInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("wa: decode media info: %w body=%q", err, string(respBody))
	}
	if info.URL == "" {
		return nil, fmt.Errorf("wa: missing media url in response body=%q", string(respBody))
	}
	return &info, nil
}

// DownloadMedia fetches bytes from the ephemeral URL returned by MediaInfo.
// The URL expires quickly and requires the same bearer token.
func (c *Client) DownloadMedia(ctx context.Context, creds Credentials, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("wa: download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &ErrRequestFailed{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("wa: read media body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Package whatsapp talks to the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"log/slog"

	"github.com/wolfman30/coaching-engine/internal/provider"
)

const (
	defaultBaseURL   = "https://graph.facebook.com/v22.0"
	defaultUserAgent = "coaching-engine/0.1"
)

// Config controls how the WhatsApp client behaves.
type Config struct {
	BaseURL       string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	UserAgent     string
}

// Client sends text and template messages from one business phone number.
type Client struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	logger        *slog.Logger
	userAgent     string
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("whatsapp: access token is required")
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, errors.New("whatsapp: phone number id is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       baseURL,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		backoff:       backoff,
		logger:        logger,
		userAgent:     userAgent,
	}, nil
}

// Send implements provider.Sender.
func (c *Client) Send(ctx context.Context, req provider.Request) (provider.Result, error) {
	to := digitsOnly(req.ContactID)
	if to == "" {
		return provider.Result{}, &provider.Error{Message: "recipient has no digits"}
	}
	payload := sendPayload{MessagingProduct: "whatsapp", RecipientType: "individual", To: to}
	switch req.Mode {
	case provider.ModeTemplate:
		if req.Template == nil || req.Template.Name == "" {
			return provider.Result{}, &provider.Error{Message: "template name required"}
		}
		lang := req.Template.Language
		if lang == "" {
			lang = "en"
		}
		payload.Type = "template"
		payload.Template = &templatePayload{Name: req.Template.Name, Language: languagePayload{Code: lang}}
	case provider.ModeFreeForm:
		if strings.TrimSpace(req.Content) == "" {
			return provider.Result{}, &provider.Error{Message: "text body required"}
		}
		payload.Type = "text"
		payload.Text = &textPayload{Body: req.Content}
	default:
		return provider.Result{}, &provider.Error{Message: "unsupported send mode " + string(req.Mode)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return provider.Result{}, fmt.Errorf("whatsapp: marshal send body: %w", err)
	}
	data, err := c.invoke(ctx, "/"+c.phoneNumberID+"/messages", body)
	if err != nil {
		return provider.Result{}, err
	}
	var resp sendResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return provider.Result{}, fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return provider.Result{}, &provider.Error{Retryable: true, Message: "response carried no message id"}
	}
	return provider.Result{ProviderMessageID: resp.Messages[0].ID}, nil
}

func (c *Client) invoke(ctx context.Context, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("whatsapp: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &provider.Error{Retryable: true, Message: ctx.Err().Error()}
			}
			lastErr = &provider.Error{Retryable: isTimeout(err), Message: "http error: " + err.Error()}
			if !isTimeout(err) || attempt == c.maxRetries {
				return nil, lastErr
			}
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, lastErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, &provider.Error{Retryable: true, Message: "read response: " + readErr.Error()}
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && apiErr.Retryable {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, apiErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("whatsapp: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("whatsapp retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Graph API error codes that clear up on their own.
var retryableCodes = map[int]bool{
	4:      true, // application request limit
	80007:  true, // rate limit
	130429: true, // throughput limit
	131000: true, // generic internal error
	131016: true, // service unavailable
	131056: true, // pair rate limit
	133004: true, // server temporarily unavailable
}

func decodeAPIError(status int, body []byte) *provider.Error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	pErr := &provider.Error{StatusCode: status}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error.Message == "" {
		pErr.Message = strings.TrimSpace(string(body))
		if pErr.Message == "" {
			pErr.Message = http.StatusText(status)
		}
	} else {
		pErr.Message = parsed.Error.Message
		pErr.Code = strconv.Itoa(parsed.Error.Code)
	}
	pErr.Retryable = status == http.StatusTooManyRequests || status >= 500 || retryableCodes[parsed.Error.Code]
	return pErr
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the app secret.
func VerifySignature(appSecret, header string, payload []byte) error {
	if appSecret == "" {
		return errors.New("whatsapp: app secret not configured")
	}
	sig := strings.TrimSpace(header)
	if sig == "" {
		return errors.New("whatsapp: missing signature header")
	}
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.New("whatsapp: signature mismatch")
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for payload.
func Sign(appSecret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package qstash

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSignature = errors.New("qstash signature is missing")
	ErrInvalidSignature = errors.New("qstash signature is invalid")
)

type Config struct {
	URL               string        `split_words:"true" default:"https://qstash.upstash.io"`
	Token             string        `split_words:"true"`
	CurrentSigningKey string        `split_words:"true"`
	NextSigningKey    string        `split_words:"true"`
	CallbackURL       string        `split_words:"true"`
	Timeout           time.Duration `split_words:"true" default:"10s"`
}

// Enabled reports whether delayed callbacks can be published.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Token) != "" && strings.TrimSpace(c.CallbackURL) != ""
}

type Client struct {
	baseURL           string
	token             string
	currentSigningKey string
	nextSigningKey    string
	callbackURL       string
	httpClient        *http.Client
	now               func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("qstash url is required")
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		token:             strings.TrimSpace(cfg.Token),
		currentSigningKey: strings.TrimSpace(cfg.CurrentSigningKey),
		nextSigningKey:    strings.TrimSpace(cfg.NextSigningKey),
		callbackURL:       strings.TrimSpace(cfg.CallbackURL),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}

	return client, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

type publishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish enqueues body for delivery to destination, not before notBefore.
func (c *Client) Publish(ctx context.Context, destination string, body []byte, notBefore time.Time) (string, error) {
	if c.token == "" {
		return "", errors.New("qstash token is required")
	}
	if _, err := url.ParseRequestURI(destination); err != nil {
		return "", fmt.Errorf("qstash destination: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/publish/"+destination, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if !notBefore.IsZero() {
		req.Header.Set("Upstash-Not-Before", strconv.FormatInt(notBefore.Unix(), 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("qstash publish: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out publishResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("qstash publish: decode response: %w", err)
	}
	return out.MessageID, nil
}

// ExpiryPayload is the body delivered to the approval expiry callback.
type ExpiryPayload struct {
	ApprovalID string `json:"approval_id"`
}

// ScheduleExpiry asks QStash to call the expiry callback for approvalID at.
func (c *Client) ScheduleExpiry(ctx context.Context, approvalID string, at time.Time) error {
	if c.callbackURL == "" {
		return errors.New("qstash callback url is required")
	}
	body, err := json.Marshal(ExpiryPayload{ApprovalID: approvalID})
	if err != nil {
		return err
	}
	_, err = c.Publish(ctx, c.callbackURL, body, at)
	return err
}

type signatureClaims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// Verify checks the Upstash-Signature of a delivered message against the
// current signing key, then the next one.
func (c *Client) Verify(signature string, body []byte, destination string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	keys := make([]string, 0, 2)
	for _, k := range []string{c.currentSigningKey, c.nextSigningKey} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no signing keys configured", ErrInvalidSignature)
	}

	var lastErr error
	for _, key := range keys {
		if lastErr = c.verifyWithKey(signature, body, destination, key); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *Client) verifyWithKey(signature string, body []byte, destination, key string) error {
	var claims signatureClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("Upstash"),
		jwt.WithTimeFunc(c.now),
		jwt.WithLeeway(5 * time.Second),
	}
	if destination != "" {
		opts = append(opts, jwt.WithSubject(destination))
	}
	_, err := jwt.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sum := sha256.Sum256(body)
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if strings.TrimRight(claims.Body, "=") != want {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}

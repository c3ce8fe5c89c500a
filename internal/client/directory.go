// Package client talks to the outside world on an agent's behalf: the
// directory server for registration and discovery, and peer endpoints for
// message delivery.
package client

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

	"github.com/squadklaw/squadklaw/internal/api/middleware"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/validate"
)

const maxResponseSize = 1 << 20

var (
	// ErrNotFound is matched by APIErrors for 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrNoCredentials means a signed call was attempted without an identity.
	ErrNoCredentials = errors.New("agent ID, private key and token are required")
)

// APIError is a non-2xx answer from the directory.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("directory error %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Directory is a directory API client. The credential fields are only
// needed for Update and Delete.
type Directory struct {
	BaseURL    string
	HTTPClient *http.Client

	AgentID    string
	PrivateKey string
	Token      string

	now func() time.Time
}

// NewDirectory creates a client for the directory at baseURL.
func NewDirectory(baseURL string) *Directory {
	return &Directory{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// WithCredentials returns a copy of d that signs as agentID.
func (d *Directory) WithCredentials(agentID, privateKey, token string) *Directory {
	out := *d
	out.AgentID, out.PrivateKey, out.Token = agentID, privateKey, token
	return &out
}

// Register publishes card, signing the request with privateKey. An empty
// token asks the directory to mint one.
func (d *Directory) Register(ctx context.Context, card *models.AgentCard, privateKey, token string) (*models.RegisterResponse, error) {
	req := models.RegisterRequest{
		Card:      card,
		Token:     token,
		Timestamp: models.FormatTimestamp(d.now()),
	}
	sig, err := crypto.Sign(&req, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign registration: %w", err)
	}
	req.Signature = sig

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var resp models.RegisterResponse
	if err := d.do(ctx, http.MethodPost, "/v1/agents", body, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get fetches a card by agent ID.
func (d *Directory) Get(ctx context.Context, agentID string) (*models.AgentCard, error) {
	var card models.AgentCard
	if err := d.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID), nil, false, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// Discover runs a directory query.
func (d *Directory) Discover(ctx context.Context, q models.DirectoryQuery) (*models.DirectoryPage, error) {
	path := "/v1/agents"
	if v := validate.Values(q); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var page models.DirectoryPage
	if err := d.do(ctx, http.MethodGet, path, nil, false, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Update replaces the listed card. Agent ID and public key cannot change.
func (d *Directory) Update(ctx context.Context, card *models.AgentCard) (*models.AgentCard, error) {
	body, err := json.Marshal(card)
	if err != nil {
		return nil, err
	}
	var out models.AgentCard
	if err := d.do(ctx, http.MethodPut, "/v1/agents/"+url.PathEscape(d.AgentID), body, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes the signed-in agent from the directory.
func (d *Directory) Delete(ctx context.Context) error {
	return d.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(d.AgentID), nil, true, nil)
}

// signRequest sets the signed-request headers over body.
func (d *Directory) signRequest(req *http.Request, body []byte) error {
	if d.AgentID == "" || d.PrivateKey == "" || d.Token == "" {
		return ErrNoCredentials
	}
	nonce := crypto.NewNonce()
	ts := d.now().UnixMilli()

	sig, err := crypto.SignPayload(d.PrivateKey, crypto.SignaturePayload(crypto.BodyHash(body), nonce, ts))
	if err != nil {
		return err
	}
	req.Header.Set(middleware.HeaderAgent, d.AgentID)
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderSignature, sig)
	req.Header.Set("Authorization", "Bearer "+d.Token)
	return nil
}

func (d *Directory) do(ctx context.Context, method, path string, body []byte, signed bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if signed {
		if err := d.signRequest(req, body); err != nil {
			return err
		}
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode directory response: %w", err)
	}
	return nil
}

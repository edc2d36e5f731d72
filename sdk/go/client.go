package escrowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	Role          string `json:"role"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

type Project struct {
	ID           string  `json:"id"`
	OwnerID      string  `json:"owner_id"`
	FreelancerID *string `json:"freelancer_id,omitempty"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	BudgetWei    string  `json:"budget_wei"`
	BudgetEther  string  `json:"budget_ether"`
	Status       string  `json:"status"`
	LedgerID     *uint64 `json:"ledger_id,omitempty"`
	Version      int64   `json:"version"`
}

type Application struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	FreelancerID string `json:"freelancer_id"`
	CoverLetter  string `json:"cover_letter,omitempty"`
	Status       string `json:"status"`
}

type LedgerRecord struct {
	ID        uint64 `json:"id"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	AmountWei string `json:"amount_wei"`
	Memo      string `json:"memo"`
	Completed bool   `json:"completed"`
	Released  bool   `json:"released"`
}

type Drift struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Operation  string  `json:"operation"`
	LedgerID   *uint64 `json:"ledger_id,omitempty"`
	TxHash     string  `json:"tx_hash,omitempty"`
	Cause      string  `json:"cause"`
	DetectedAt string  `json:"detected_at"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

// Lifecycle is a project next to its live ledger record.
type Lifecycle struct {
	Project      Project       `json:"project"`
	Applications []Application `json:"applications"`
	Ledger       *LedgerRecord `json:"ledger,omitempty"`
	LedgerError  string        `json:"ledger_error,omitempty"`
	Drift        []Drift       `json:"drift,omitempty"`
}

type ReconcileReport struct {
	ProjectID     string   `json:"project_id"`
	Recorded      string   `json:"recorded"`
	Expected      string   `json:"expected"`
	InSync        bool     `json:"in_sync"`
	Applied       bool     `json:"applied"`
	ResolvedDrift int64    `json:"resolved_drift"`
	Notes         []string `json:"notes,omitempty"`
}

type IdentityResult struct {
	Match    bool   `json:"match"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an *APIError with the given code, e.g.
// "confirmation_timeout" or "state_drift".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// SetWallet updates the caller's wallet address.
func (c *Client) SetWallet(ctx context.Context, address string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPatch, "me/wallet", map[string]any{"wallet_address": address}, &resp)
	return resp, err
}

// CreateProject posts an open project with a decimal ether budget.
func (c *Client) CreateProject(ctx context.Context, title, description, budget string) (Project, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"budget":      budget,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// ListProjects lists projects, optionally filtered by status.
func (c *Client) ListProjects(ctx context.Context, status string, limit int) ([]Project, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, withQuery("projects", q), nil, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

// Apply submits an application as the caller.
func (c *Client) Apply(ctx context.Context, projectID, coverLetter string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "applications"), map[string]any{"cover_letter": coverLetter}, &resp)
	return resp, err
}

// Applications lists a project's applications; only the owner may call it.
func (c *Client) Applications(ctx context.Context, projectID string) ([]Application, error) {
	var resp []Application
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "applications"), nil, &resp)
	return resp, err
}

// Hire locks the budget for the given application.
func (c *Client) Hire(ctx context.Context, projectID, applicationID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "hire"), map[string]any{"application_id": applicationID}, &resp)
	return resp, err
}

func (c *Client) Complete(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "complete"), nil, &resp)
	return resp, err
}

func (c *Client) Finalize(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "finalize"), nil, &resp)
	return resp, err
}

func (c *Client) Lifecycle(ctx context.Context, projectID string) (Lifecycle, error) {
	var resp Lifecycle
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "lifecycle"), nil, &resp)
	return resp, err
}

// Reconcile compares the project with the ledger. With apply set, the
// ledger's state is written back.
func (c *Client) Reconcile(ctx context.Context, projectID string, apply bool) (ReconcileReport, error) {
	var resp ReconcileReport
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "reconcile"), map[string]any{"apply": apply}, &resp)
	return resp, err
}

// VerifyIdentity checks the caller's signing key. An empty expected address
// means the caller's stored wallet.
func (c *Client) VerifyIdentity(ctx context.Context, expected string) (IdentityResult, error) {
	body := map[string]any{}
	if expected != "" {
		body["expected_address"] = expected
	}
	var resp IdentityResult
	err := c.do(ctx, http.MethodPost, "identity/verify", body, &resp)
	return resp, err
}

// Events returns recent events for a project, newest first.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// Drift lists unresolved drift for a project.
func (c *Client) Drift(ctx context.Context, projectID string) ([]Drift, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	var resp []Drift
	err := c.do(ctx, http.MethodGet, withQuery("drift", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func projectPath(id, sub string) string {
	p := "projects/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}

package server

import (
	"encoding/json"
	"math/big"

	"escrowline/internal/domain"
	"escrowline/internal/ledger"
)

// Request payloads

type CreateUserRequest struct {
	ID            string `json:"id,omitempty"`
	Email         string `json:"email"`
	Username      string `json:"username,omitempty"`
	Role          string `json:"role,omitempty" enum:"client,freelancer,admin"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

type SetWalletRequest struct {
	WalletAddress string `json:"wallet_address" doc:"0x-prefixed address; empty clears it"`
}

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Budget      string `json:"budget,omitempty" doc:"Decimal ether amount" example:"1.5"`
	BudgetWei   string `json:"budget_wei,omitempty" doc:"Integer wei amount; wins over budget"`
}

type ApplyRequest struct {
	CoverLetter string `json:"cover_letter,omitempty"`
}

type HireRequest struct {
	ApplicationID string `json:"application_id"`
}

type ReconcileRequest struct {
	Apply bool `json:"apply,omitempty"`
}

type VerifyIdentityRequest struct {
	ExpectedAddress string `json:"expected_address,omitempty" doc:"Defaults to the caller's stored wallet address"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	FreelancerID *string      `json:"freelancer_id,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	BudgetWei    string       `json:"budget_wei"`
	BudgetEther  string       `json:"budget_ether"`
	Status       domain.State `json:"status" enum:"open,in_progress,completed,paid"`
	LedgerID     *uint64      `json:"ledger_id,omitempty"`
	Version      int64        `json:"version"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
	UpdatedAt    string       `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ExpiresIn int64  `json:"expires_in" doc:"Seconds"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	ether := ""
	if v, ok := new(big.Int).SetString(p.BudgetWei, 10); ok {
		ether = ledger.FormatEther(v)
	}
	return ProjectResponse{
		ID:           p.ID,
		OwnerID:      p.OwnerID,
		FreelancerID: p.FreelancerID,
		Title:        p.Title,
		Description:  p.Description,
		BudgetWei:    p.BudgetWei,
		BudgetEther:  ether,
		Status:       p.Status,
		LedgerID:     p.LedgerID,
		Version:      p.Version,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

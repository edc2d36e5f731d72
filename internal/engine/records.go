package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
	"escrowline/internal/repo"
)

type UserCreateOptions struct {
	ID            string
	Email         string
	Username      string
	Role          string
	WalletAddress string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if strings.TrimSpace(opts.Email) == "" {
		return domain.User{}, errors.New("email is required")
	}
	if opts.Username == "" {
		opts.Username = strings.SplitN(opts.Email, "@", 2)[0]
	}
	if opts.Role == "" {
		opts.Role = domain.RoleClient
	}
	if opts.WalletAddress != "" && !identity.IsHexAddress(opts.WalletAddress) {
		return domain.User{}, fmt.Errorf("invalid wallet address %q", opts.WalletAddress)
	}
	u := domain.User{
		ID:            opts.ID,
		Email:         strings.ToLower(strings.TrimSpace(opts.Email)),
		Username:      opts.Username,
		Role:          opts.Role,
		WalletAddress: opts.WalletAddress,
		CreatedAt:     e.stamp(),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// SetWallet replaces the stored wallet address of a user. An empty address
// clears it.
func (e Engine) SetWallet(ctx context.Context, userID, address string) (domain.User, error) {
	address = strings.TrimSpace(address)
	if address != "" && !identity.IsHexAddress(address) {
		return domain.User{}, fmt.Errorf("invalid wallet address %q", address)
	}
	if err := e.Repo.UpdateWallet(ctx, userID, address); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

type ProjectCreateOptions struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	// Budget is a decimal ether amount; BudgetWei wins when both are set.
	Budget    string
	BudgetWei string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Project{}, errors.New("title is required")
	}
	owner, err := e.Repo.GetUser(ctx, opts.OwnerID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("owner %s: %w", opts.OwnerID, err)
	}
	if owner.Role == domain.RoleFreelancer {
		return domain.Project{}, fmt.Errorf("user %s is a freelancer and cannot post projects", owner.ID)
	}
	budget, err := parseBudget(opts.Budget, opts.BudgetWei)
	if err != nil {
		return domain.Project{}, err
	}
	now := e.stamp()
	p := domain.Project{
		ID:          opts.ID,
		OwnerID:     owner.ID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		BudgetWei:   budget,
		Status:      domain.StateOpen,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, owner.ID, events.EventPayload{
		"budget_wei": p.BudgetWei,
		"title":      p.Title,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func parseBudget(ether, wei string) (string, error) {
	var (
		v   *big.Int
		err error
	)
	switch {
	case strings.TrimSpace(wei) != "":
		v, err = ledger.ParseWei(wei)
	case strings.TrimSpace(ether) != "":
		v, err = ledger.ParseEther(ether)
	default:
		return "", errors.New("budget is required")
	}
	if err != nil {
		return "", err
	}
	if v.Sign() <= 0 {
		return "", errors.New("budget must be greater than 0")
	}
	return v.String(), nil
}

// Apply records a pending application. Freelancers apply once per project
// and only while it is open.
func (e Engine) Apply(ctx context.Context, projectID, freelancerID, coverLetter string) (domain.Application, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Application{}, err
	}
	if p.Status != domain.StateOpen {
		return domain.Application{}, &GuardError{Op: "apply", Precondition: fmt.Sprintf("project %s is %s, not open", p.ID, p.Status)}
	}
	u, err := e.Repo.GetUser(ctx, freelancerID)
	if err != nil {
		return domain.Application{}, err
	}
	if u.Role != domain.RoleFreelancer {
		return domain.Application{}, &GuardError{Op: "apply", Precondition: fmt.Sprintf("user %s is not a freelancer", u.ID)}
	}
	if p.OwnerID == u.ID {
		return domain.Application{}, &GuardError{Op: "apply", Precondition: "owners cannot apply to their own project"}
	}
	a := domain.Application{
		ID:           uuid.NewString(),
		ProjectID:    p.ID,
		FreelancerID: u.ID,
		CoverLetter:  coverLetter,
		Status:       domain.ApplicationPending,
		CreatedAt:    e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApplication(ctx, tx, a); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Application{}, &GuardError{Op: "apply", Precondition: "already applied"}
		}
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ApplicationSubmitted, p.ID, "application", a.ID, u.ID, nil); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	return a, nil
}

// Applications lists a project's applications. Only the owner sees them.
func (e Engine) Applications(ctx context.Context, projectID, viewerID string) ([]domain.Application, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != viewerID {
		return nil, &GuardError{Op: "applications", Precondition: "only the project owner can list applications"}
	}
	return e.Repo.ListApplications(ctx, p.ID)
}

// CreateAPIKey issues a new API key for a user. The raw key is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.APIKey{}, "", fmt.Errorf("user %s: %w", userID, err)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "el_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	return key, raw, nil
}

package domain

type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	Role          string `json:"role" enum:"client,freelancer,admin"`
	WalletAddress string `json:"wallet_address,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
	RoleAdmin      = "admin"
)

type Project struct {
	ID           string  `json:"id"`
	OwnerID      string  `json:"owner_id"`
	FreelancerID *string `json:"freelancer_id,omitempty"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	BudgetWei    string  `json:"budget_wei"`
	Status       State   `json:"status" enum:"open,in_progress,completed,paid"`
	LedgerID     *uint64 `json:"ledger_id,omitempty"`
	Version      int64   `json:"version"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Application struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	FreelancerID string `json:"freelancer_id"`
	CoverLetter  string `json:"cover_letter,omitempty"`
	Status       string `json:"status" enum:"pending,accepted,rejected"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

const (
	ApplicationPending  = "pending"
	ApplicationAccepted = "accepted"
	ApplicationRejected = "rejected"
)

// LedgerRecord is the contract-side escrow entry. It is never written by this
// module; it is read back from the ledger.
type LedgerRecord struct {
	ID        uint64 `json:"id"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	AmountWei string `json:"amount_wei"`
	Memo      string `json:"memo"`
	Completed bool   `json:"completed"`
	Released  bool   `json:"released"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Drift is a journaled post-confirmation write failure.
type Drift struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Operation  string  `json:"operation"`
	LedgerID   *uint64 `json:"ledger_id,omitempty"`
	TxHash     string  `json:"tx_hash,omitempty"`
	Cause      string  `json:"cause"`
	DetectedAt string  `json:"detected_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Memo is the ledger memo attached to the lock for a project.
func Memo(projectID string) string {
	return "Project DB_ID: " + projectID
}

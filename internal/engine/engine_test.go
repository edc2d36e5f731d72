package engine_test

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/events"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
	"escrowline/internal/ledger/memledger"
	"escrowline/internal/migrate"
	"escrowline/internal/signer"
)

type testEnv struct {
	Engine engine.Engine
	Ledger *memledger.Ledger
	Ctx    context.Context

	ClientKey     *signer.Key
	FreelancerKey *signer.Key
	OtherKey      *signer.Key
}

func mustKey(t *testing.T) *signer.Key {
	t.Helper()
	k, err := signer.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func addrOf(t *testing.T, k *signer.Key) string {
	t.Helper()
	a, err := k.Address(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

// newTestEnv seeds client C1, freelancers F1 and F2, project P1 with a
// budget of 1.0 and applications A1 (F1) and A2 (F2).
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := memledger.New()
	eng := engine.New(conn, led)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	env := testEnv{
		Engine:        eng,
		Ledger:        led,
		Ctx:           context.Background(),
		ClientKey:     mustKey(t),
		FreelancerKey: mustKey(t),
		OtherKey:      mustKey(t),
	}
	led.Fund(addrOf(t, env.ClientKey), ether(10))

	users := []engine.UserCreateOptions{
		{ID: "C1", Email: "c1@example.com", Role: domain.RoleClient, WalletAddress: addrOf(t, env.ClientKey)},
		{ID: "F1", Email: "f1@example.com", Role: domain.RoleFreelancer, WalletAddress: addrOf(t, env.FreelancerKey)},
		{ID: "F2", Email: "f2@example.com", Role: domain.RoleFreelancer, WalletAddress: addrOf(t, env.OtherKey)},
	}
	for _, u := range users {
		if _, err := eng.CreateUser(env.Ctx, u); err != nil {
			t.Fatalf("create user %s: %v", u.ID, err)
		}
	}
	if _, err := eng.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "P1", OwnerID: "C1", Title: "Build it", Budget: "1.0"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	env.apply(t, "F1")
	env.apply(t, "F2")
	return env
}

func (env testEnv) apply(t *testing.T, freelancerID string) domain.Application {
	t.Helper()
	a, err := env.Engine.Apply(env.Ctx, "P1", freelancerID, "pick me")
	if err != nil {
		t.Fatalf("apply %s: %v", freelancerID, err)
	}
	return a
}

func (env testEnv) applicationOf(t *testing.T, freelancerID string) domain.Application {
	t.Helper()
	apps, err := env.Engine.Repo.ListApplications(env.Ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range apps {
		if a.FreelancerID == freelancerID {
			return a
		}
	}
	t.Fatalf("no application from %s", freelancerID)
	return domain.Application{}
}

func (env testEnv) client() engine.Actor {
	return engine.Actor{UserID: "C1", Signer: env.ClientKey}
}

func (env testEnv) freelancer() engine.Actor {
	return engine.Actor{UserID: "F1", Signer: env.FreelancerKey}
}

func (env testEnv) hire(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.Hire(env.Ctx, "P1", env.applicationOf(t, "F1").ID, env.client())
	if err != nil {
		t.Fatalf("hire: %v", err)
	}
	return p
}

func (env testEnv) project(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.Repo.GetProject(env.Ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHireLocksBudgetAndSettlesApplications(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.applicationOf(t, "F1")

	p := env.hire(t)
	if p.Status != domain.StateInProgress || p.LedgerID == nil || p.FreelancerID == nil || *p.FreelancerID != "F1" {
		t.Fatalf("unexpected project after hire: %+v", p)
	}
	stored := env.project(t)
	if !reflect.DeepEqual(stored, p) {
		t.Fatalf("returned project differs from stored:\n%+v\n%+v", p, stored)
	}

	rec, err := env.Ledger.Record(env.Ctx, *p.LedgerID)
	if err != nil {
		t.Fatal(err)
	}
	if !identity.Equal(rec.Payee, addrOf(t, env.FreelancerKey)) {
		t.Fatalf("payee = %s", rec.Payee)
	}
	if rec.AmountWei != ether(1).String() {
		t.Fatalf("amount = %s", rec.AmountWei)
	}
	if rec.Memo != "Project DB_ID: P1" {
		t.Fatalf("memo = %q", rec.Memo)
	}

	apps, _ := env.Engine.Repo.ListApplications(env.Ctx, "P1")
	accepted := 0
	for _, a := range apps {
		switch {
		case a.ID == a1.ID && a.Status != domain.ApplicationAccepted:
			t.Fatalf("A1 is %s", a.Status)
		case a.ID != a1.ID && a.Status != domain.ApplicationRejected:
			t.Fatalf("sibling %s is %s", a.ID, a.Status)
		}
		if a.Status == domain.ApplicationAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted = %d", accepted)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "P1", events.ProjectHired)
	if err != nil || len(evts) != 1 {
		t.Fatalf("hired events = %d, err %v", len(evts), err)
	}
}

func TestFullLifecycleReachesPaid(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t)

	p, err := env.Engine.MarkComplete(env.Ctx, "P1", env.freelancer())
	if err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if p.Status != domain.StateCompleted {
		t.Fatalf("status = %s", p.Status)
	}
	p, err = env.Engine.Finalize(env.Ctx, "P1", env.client())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if p.Status != domain.StatePaid {
		t.Fatalf("status = %s", p.Status)
	}
	if err := domain.CheckInvariants(env.project(t)); err != nil {
		t.Fatal(err)
	}
	if got := env.Ledger.Balance(addrOf(t, env.FreelancerKey)); got.Cmp(ether(1)) != 0 {
		t.Fatalf("freelancer balance = %s", got)
	}
	rec, _ := env.Ledger.Record(env.Ctx, *p.LedgerID)
	if !rec.Completed || !rec.Released {
		t.Fatalf("ledger record = %+v", rec)
	}
}

func TestMarkCompleteIdentityMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t)
	before := env.project(t)

	_, err := env.Engine.MarkComplete(env.Ctx, "P1", engine.Actor{UserID: "F1", Signer: env.OtherKey})
	var mm *identity.MismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("expected identity mismatch, got %v", err)
	}
	if !identity.Equal(mm.Expected, addrOf(t, env.FreelancerKey)) || !identity.Equal(mm.Actual, addrOf(t, env.OtherKey)) {
		t.Fatalf("mismatch addresses = %s / %s", mm.Expected, mm.Actual)
	}
	if env.Ledger.Calls(ledger.OpComplete) != 0 {
		t.Fatalf("ledger was called")
	}
	if !reflect.DeepEqual(before, env.project(t)) {
		t.Fatalf("project changed")
	}
}

func TestMarkCompleteByNonFreelancerIsGuarded(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t)
	_, err := env.Engine.MarkComplete(env.Ctx, "P1", engine.Actor{UserID: "F2", Signer: env.OtherKey})
	var ge *engine.GuardError
	if !errors.As(err, &ge) {
		t.Fatalf("expected guard error, got %v", err)
	}
}

func TestFinalizeBeforeCompletionIsRejectedByLedger(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t)
	before := env.project(t)

	_, err := env.Engine.Finalize(env.Ctx, "P1", env.client())
	var rej *ledger.RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected ledger rejection, got %v", err)
	}
	if rej.Kind != ledger.KindNotCompleted || !strings.Contains(err.Error(), ledger.ReasonNotCompleted) {
		t.Fatalf("rejection = %+v", rej)
	}
	after := env.project(t)
	if !reflect.DeepEqual(before, after) || after.Status != domain.StateInProgress {
		t.Fatalf("project changed: %+v", after)
	}
}

func TestHireGuards(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.applicationOf(t, "F1")

	cases := []struct {
		name  string
		app   string
		actor engine.Actor
	}{
		{"not owner", a1.ID, engine.Actor{UserID: "F1", Signer: env.FreelancerKey}},
		{"unknown actor", a1.ID, engine.Actor{UserID: "", Signer: env.ClientKey}},
	}
	for _, tc := range cases {
		_, err := env.Engine.Hire(env.Ctx, "P1", tc.app, tc.actor)
		var ge *engine.GuardError
		if !errors.As(err, &ge) {
			t.Fatalf("%s: expected guard error, got %v", tc.name, err)
		}
	}

	if _, err := env.Engine.SetWallet(env.Ctx, "F1", ""); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Hire(env.Ctx, "P1", a1.ID, env.client())
	var ge *engine.GuardError
	if !errors.As(err, &ge) || !strings.Contains(ge.Precondition, "wallet") {
		t.Fatalf("expected missing-wallet guard, got %v", err)
	}
	if env.Ledger.Calls(ledger.OpLock) != 0 {
		t.Fatalf("ledger was called")
	}
}

func TestHireWithoutSigner(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Hire(env.Ctx, "P1", env.applicationOf(t, "F1").ID, engine.Actor{UserID: "C1", Signer: signer.Disconnected{}})
	if !errors.Is(err, identity.ErrNoSigner) {
		t.Fatalf("expected no signer, got %v", err)
	}
}

func TestHireRejectsSettledApplication(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t)
	_, err := env.Engine.Hire(env.Ctx, "P1", env.applicationOf(t, "F2").ID, env.client())
	var ge *engine.GuardError
	if !errors.As(err, &ge) {
		t.Fatalf("expected guard error, got %v", err)
	}
}

func TestLedgerFailureLeavesRecordsUnchanged(t *testing.T) {
	env := newTestEnv(t)
	before := env.project(t)
	appsBefore, _ := env.Engine.Repo.ListApplications(env.Ctx, "P1")

	boom := errors.New("node unreachable")
	env.Ledger.FailNext(ledger.OpLock, boom)
	_, err := env.Engine.Hire(env.Ctx, "P1", env.applicationOf(t, "F1").ID, env.client())
	if !errors.Is(err, boom) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	appsAfter, _ := env.Engine.Repo.ListApplications(env.Ctx, "P1")
	if !reflect.DeepEqual(before, env.project(t)) || !reflect.DeepEqual(appsBefore, appsAfter) {
		t.Fatalf("records changed after failed lock")
	}

	// insufficient funds surfaces the ledger reason
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "P2", OwnerID: "C1", Title: "Big", Budget: "100"}); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.Apply(env.Ctx, "P2", "F1", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Hire(env.Ctx, "P2", a.ID, env.client())
	var rej *ledger.RejectedError
	if !errors.As(err, &rej) || rej.Kind != ledger.KindInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

// racingLedger runs hook after the inner lock confirms, before the engine
// writes its record.
type racingLedger struct {
	ledger.Gateway
	hook func()
}

func (r *racingLedger) LockFunds(ctx context.Context, sc identity.SigningContext, payee string, amount *big.Int, memo string) (ledger.Receipt, error) {
	rcpt, err := r.Gateway.LockFunds(ctx, sc, payee, amount, memo)
	if hook := r.hook; hook != nil {
		r.hook = nil
		hook()
	}
	return rcpt, err
}

func TestConcurrentHireSurfacesDrift(t *testing.T) {
	env := newTestEnv(t)
	inner := env.Engine
	racing := &racingLedger{Gateway: env.Ledger}
	outer := env.Engine
	outer.Ledger = racing
	racing.hook = func() {
		if _, err := inner.Hire(env.Ctx, "P1", env.applicationOf(t, "F2").ID, env.client()); err != nil {
			t.Errorf("competing hire: %v", err)
		}
	}

	_, err := outer.Hire(env.Ctx, "P1", env.applicationOf(t, "F1").ID, env.client())
	var de *engine.DriftError
	if !errors.As(err, &de) {
		t.Fatalf("expected drift, got %v", err)
	}
	if de.LedgerID == 0 || de.TxHash == "" {
		t.Fatalf("drift lacks ledger reference: %+v", de)
	}
	p := env.project(t)
	if *p.FreelancerID != "F2" {
		t.Fatalf("competing hire lost: %+v", p)
	}
	if *p.LedgerID == de.LedgerID {
		t.Fatalf("drift should reference the second lock")
	}

	drift, err := env.Engine.Repo.ListDrift(env.Ctx, "P1", true)
	if err != nil || len(drift) != 1 || *drift[0].LedgerID != de.LedgerID {
		t.Fatalf("drift journal = %+v, err %v", drift, err)
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, 10, "P1", events.StateDrift)
	if len(evts) != 1 {
		t.Fatalf("drift events = %d", len(evts))
	}

	rep, err := env.Engine.Reconcile(env.Ctx, "P1", engine.ReconcileOptions{Apply: true})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rep.InSync || rep.Applied {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Notes) == 0 {
		t.Fatalf("stranded lock not reported")
	}
	open, _ := env.Engine.Repo.ListDrift(env.Ctx, "P1", true)
	if len(open) != 1 {
		t.Fatalf("stranded drift was resolved")
	}
}

func TestTimeoutThenReconcileRecoversHire(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.TimeoutNext(ledger.OpLock)

	_, err := env.Engine.Hire(env.Ctx, "P1", env.applicationOf(t, "F1").ID, env.client())
	var te *ledger.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if env.project(t).Status != domain.StateOpen {
		t.Fatalf("project moved on timeout")
	}

	rep, err := env.Engine.Reconcile(env.Ctx, "P1", engine.ReconcileOptions{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.InSync || rep.Applied || rep.Expected != domain.StateInProgress || rep.LedgerID == nil {
		t.Fatalf("dry run = %+v", rep)
	}
	if env.project(t).Status != domain.StateOpen {
		t.Fatalf("dry run wrote")
	}

	rep, err = env.Engine.Reconcile(env.Ctx, "P1", engine.ReconcileOptions{Apply: true, ActorID: "C1"})
	if err != nil {
		t.Fatalf("reconcile apply: %v", err)
	}
	if !rep.Applied {
		t.Fatalf("not applied: %+v", rep)
	}
	p := env.project(t)
	if p.Status != domain.StateInProgress || *p.FreelancerID != "F1" || *p.LedgerID != *rep.LedgerID {
		t.Fatalf("project = %+v", p)
	}
	if env.applicationOf(t, "F1").Status != domain.ApplicationAccepted || env.applicationOf(t, "F2").Status != domain.ApplicationRejected {
		t.Fatalf("applications not settled")
	}
}

func TestReconcileMirrorsLedgerCompletion(t *testing.T) {
	env := newTestEnv(t)
	p := env.hire(t)
	if _, err := env.Ledger.MarkWorkComplete(env.Ctx, env.FreelancerKey, *p.LedgerID); err != nil {
		t.Fatal(err)
	}

	view, err := env.Engine.Lifecycle(env.Ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Ledger == nil || !view.Ledger.Completed || view.Project.Status != domain.StateInProgress {
		t.Fatalf("view = %+v", view)
	}

	rep, err := env.Engine.Reconcile(env.Ctx, "P1", engine.ReconcileOptions{Apply: true})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Applied || rep.Expected != domain.StateCompleted {
		t.Fatalf("report = %+v", rep)
	}
	if env.project(t).Status != domain.StateCompleted {
		t.Fatalf("status = %s", env.project(t).Status)
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, 10, "P1", events.Reconciled)
	if len(evts) != 1 {
		t.Fatalf("reconciled events = %d", len(evts))
	}
}

func TestApplyGuards(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Apply(env.Ctx, "P1", "F1", "again")
	var ge *engine.GuardError
	if !errors.As(err, &ge) || ge.Precondition != "already applied" {
		t.Fatalf("expected already applied, got %v", err)
	}
	_, err = env.Engine.Apply(env.Ctx, "P1", "C1", "")
	if !errors.As(err, &ge) {
		t.Fatalf("expected guard for client applying, got %v", err)
	}
	env.hire(t)
	if _, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{ID: "F3", Email: "f3@example.com", Role: domain.RoleFreelancer}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Apply(env.Ctx, "P1", "F3", "")
	if !errors.As(err, &ge) {
		t.Fatalf("expected guard for closed project, got %v", err)
	}
}

func TestCreateProjectValidatesBudget(t *testing.T) {
	env := newTestEnv(t)
	for _, budget := range []string{"", "0", "-1", "abc"} {
		if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{OwnerID: "C1", Title: "x", Budget: budget}); err == nil {
			t.Fatalf("budget %q accepted", budget)
		}
	}
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{OwnerID: "F1", Title: "x", Budget: "1"}); err == nil {
		t.Fatalf("freelancer posted a project")
	}
}

// bumpingLedger bumps the project version after a complete or release
// confirms, so the engine's conditional write loses.
type bumpingLedger struct {
	ledger.Gateway
	bump func()
}

func (b *bumpingLedger) MarkWorkComplete(ctx context.Context, sc identity.SigningContext, id uint64) (ledger.Receipt, error) {
	rcpt, err := b.Gateway.MarkWorkComplete(ctx, sc, id)
	if err == nil {
		b.bump()
	}
	return rcpt, err
}

func (b *bumpingLedger) ReleaseFunds(ctx context.Context, sc identity.SigningContext, id uint64) (ledger.Receipt, error) {
	rcpt, err := b.Gateway.ReleaseFunds(ctx, sc, id)
	if err == nil {
		b.bump()
	}
	return rcpt, err
}

func (env testEnv) requireDriftJournaled(t *testing.T, op domain.Op, ledgerID uint64) {
	t.Helper()
	open, err := env.Engine.Repo.ListDrift(env.Ctx, "P1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Operation != string(op) || open[0].LedgerID == nil || *open[0].LedgerID != ledgerID || open[0].TxHash == "" {
		t.Fatalf("drift journal = %+v", open)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "P1", events.StateDrift)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range evts {
		if strings.Contains(e.Payload, string(op)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no %s drift event in %+v", op, evts)
	}
}

func TestLedgerTransitionDriftIsJournaledAndReconciled(t *testing.T) {
	env := newTestEnv(t)
	hired := env.hire(t)
	ledgerID := *hired.LedgerID

	bumping := &bumpingLedger{Gateway: env.Ledger, bump: func() {
		if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE projects SET version=version+1 WHERE id='P1'`); err != nil {
			t.Errorf("bump version: %v", err)
		}
	}}
	eng := env.Engine
	eng.Ledger = bumping

	start := time.Now()
	_, err := eng.MarkComplete(env.Ctx, "P1", env.freelancer())
	var de *engine.DriftError
	if !errors.As(err, &de) || de.Op != domain.OpMarkComplete || de.LedgerID != ledgerID {
		t.Fatalf("expected complete drift, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("drift journaling stalled for %s", elapsed)
	}
	if env.project(t).Status != domain.StateInProgress {
		t.Fatalf("record moved despite conflict")
	}
	env.requireDriftJournaled(t, domain.OpMarkComplete, ledgerID)

	rep, err := env.Engine.Reconcile(env.Ctx, "P1", engine.ReconcileOptions{Apply: true, ActorID: "F1"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rep.Applied || rep.Expected != domain.StateCompleted || rep.ResolvedDrift != 1 {
		t.Fatalf("report = %+v", rep)
	}

	_, err = eng.Finalize(env.Ctx, "P1", env.client())
	if !errors.As(err, &de) || de.Op != domain.OpFinalize {
		t.Fatalf("expected finalize drift, got %v", err)
	}
	if env.project(t).Status != domain.StateCompleted {
		t.Fatalf("record moved despite conflict")
	}
	env.requireDriftJournaled(t, domain.OpFinalize, ledgerID)

	rep, err = env.Engine.Reconcile(env.Ctx, "P1", engine.ReconcileOptions{Apply: true, ActorID: "C1"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rep.Applied || env.project(t).Status != domain.StatePaid {
		t.Fatalf("report = %+v", rep)
	}
	if open, _ := env.Engine.Repo.ListDrift(env.Ctx, "P1", true); len(open) != 0 {
		t.Fatalf("drift left open: %+v", open)
	}
}

// barrierLedger holds every lock until all expected callers have reached the
// ledger, so both hires pass their guards before either writes.
type barrierLedger struct {
	ledger.Gateway
	arrived *sync.WaitGroup
}

func (b *barrierLedger) LockFunds(ctx context.Context, sc identity.SigningContext, payee string, amount *big.Int, memo string) (ledger.Receipt, error) {
	b.arrived.Done()
	all := make(chan struct{})
	go func() {
		b.arrived.Wait()
		close(all)
	}()
	select {
	case <-all:
	case <-time.After(5 * time.Second):
		return ledger.Receipt{}, errors.New("other hire never reached the ledger")
	}
	return b.Gateway.LockFunds(ctx, sc, payee, amount, memo)
}

func TestParallelHiresLockTwiceAndJournalOneDrift(t *testing.T) {
	env := newTestEnv(t)
	var arrived sync.WaitGroup
	arrived.Add(2)
	eng := env.Engine
	eng.Ledger = &barrierLedger{Gateway: env.Ledger, arrived: &arrived}

	apps := []string{env.applicationOf(t, "F1").ID, env.applicationOf(t, "F2").ID}
	errs := make([]error, len(apps))
	var wg sync.WaitGroup
	for i, appID := range apps {
		wg.Add(1)
		go func(i int, appID string) {
			defer wg.Done()
			_, errs[i] = eng.Hire(env.Ctx, "P1", appID, env.client())
		}(i, appID)
	}
	wg.Wait()

	var ok, drifted int
	var de *engine.DriftError
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.As(err, &de):
			drifted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || drifted != 1 {
		t.Fatalf("ok=%d drift=%d errs=%v", ok, drifted, errs)
	}
	if env.Ledger.Calls(ledger.OpLock) != 2 {
		t.Fatalf("locks = %d", env.Ledger.Calls(ledger.OpLock))
	}

	p := env.project(t)
	if p.LedgerID == nil || *p.LedgerID == de.LedgerID {
		t.Fatalf("project should keep the winning lock: %+v", p)
	}
	accepted := 0
	apps2, _ := env.Engine.Repo.ListApplications(env.Ctx, "P1")
	for _, a := range apps2 {
		if a.Status == domain.ApplicationAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted applications = %d", accepted)
	}
	env.requireDriftJournaled(t, domain.OpHire, de.LedgerID)
}

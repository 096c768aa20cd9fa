package payment

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/addressbook"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/budget"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/gateway"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger/memory"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/rules"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store/storetest"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/voucher"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

const (
	providerID      = "prov-1"
	participantAddr = "addr-participant"
	providerAddr    = "addr-provider"
)

var testNow = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type stubValidator struct {
	mu   sync.Mutex
	errs []string
}

func (s *stubValidator) reject(errs ...string) {
	s.mu.Lock()
	s.errs = errs
	s.mu.Unlock()
}

func (s *stubValidator) Validate(context.Context, rules.Input) domain.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Verdict{Valid: len(s.errs) == 0, Errors: slices.Clone(s.errs)}
}

// testLedger wraps the memory backend with switchable transfer outages and
// confirmation delays. afterTransfer runs once a transfer has been accepted.
type testLedger struct {
	*memory.Ledger
	mu            sync.Mutex
	breakTx       bool
	unsettle      bool
	afterTransfer func()
}

func (l *testLedger) set(breakTx, unsettle bool) {
	l.mu.Lock()
	l.breakTx, l.unsettle = breakTx, unsettle
	l.mu.Unlock()
}

func (l *testLedger) TransferToken(ctx context.Context, contract, from, to string, amount decimal.Decimal) (string, error) {
	l.mu.Lock()
	broken, hook := l.breakTx, l.afterTransfer
	l.mu.Unlock()
	if broken {
		return "", ledger.Unavailable("transferToken", errors.New("connection reset"))
	}
	ref, err := l.Ledger.TransferToken(ctx, contract, from, to, amount)
	if err == nil && hook != nil {
		hook()
	}
	return ref, err
}

func (l *testLedger) ValidateTransaction(ctx context.Context, ref string) (ledger.Receipt, error) {
	l.mu.Lock()
	pending := l.unsettle
	l.mu.Unlock()
	if pending {
		return ledger.Receipt{Pending: true}, nil
	}
	return l.Ledger.ValidateTransaction(ctx, ref)
}

type fakeGateway struct {
	mu      sync.Mutex
	charge  string
	status  string
	err     error
	charges int
}

func (g *fakeGateway) Charge(_ context.Context, _ domain.PaymentMethod, req gateway.ChargeRequest) (*gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges++
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.Charge{ID: "ch-" + req.Reference, Status: g.charge}, nil
}

func (g *fakeGateway) Status(_ context.Context, _ domain.PaymentMethod, id string) (*gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &gateway.Charge{ID: id, Status: g.status, Reason: "declined"}, nil
}

// ── fixture ───────────────────────────────────────────────────────────────────

type fixture struct {
	o        *Orchestrator
	st       *store.Store
	led      *testLedger
	gw       *fakeGateway
	rules    *stubValidator
	vouchers *voucher.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, _ := storetest.New(t)
	storetest.SeedPlan(t, st, 1000, 1000)

	led := &testLedger{Ledger: memory.New()}
	contract, err := led.DeployContract(ctx, ledger.ContractSpec{Name: "NDIS", Symbol: "NDV", Issuer: "agency"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	book := addressbook.New(st.Redis())
	_ = book.Set(ctx, addressbook.Participant, storetest.ParticipantID, participantAddr)
	_ = book.Set(ctx, addressbook.Provider, providerID, providerAddr)

	led.set(false, false)
	bl := budget.New(st, zap.NewNop())
	vm := voucher.NewManager(st, led, bl, book, voucher.Config{
		Contract:       contract,
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, nil, zap.NewNop()).WithClock(func() time.Time { return testNow })

	gw := &fakeGateway{charge: gateway.StatusSucceeded, status: gateway.StatusSucceeded}
	rv := &stubValidator{}
	o := New(st, rv, vm, bl, led, gw, book, nil, zap.NewNop())
	o.now = func() time.Time { return testNow }
	return &fixture{o: o, st: st, led: led, gw: gw, rules: rv, vouchers: vm}
}

func (f *fixture) tokenize(t *testing.T, amount int64) *domain.Voucher {
	t.Helper()
	v, err := f.vouchers.Tokenize(context.Background(), storetest.CategoryID, storetest.ParticipantID, decimal.NewFromInt(amount))
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	return v
}

func request(amount int64, method domain.PaymentMethod) Request {
	return Request{
		ParticipantID: storetest.ParticipantID,
		ProviderID:    providerID,
		ServiceCode:   storetest.ServiceCode,
		Amount:        decimal.NewFromInt(amount),
		CategoryID:    storetest.CategoryID,
		Method:        method,
		ServiceDate:   testNow,
	}
}

func (f *fixture) initiate(t *testing.T, req Request) *domain.Transaction {
	t.Helper()
	txn, err := f.o.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return txn
}

func assertBalances(t *testing.T, st *store.Store, plan, spent, remaining int64) {
	t.Helper()
	p, s, r := storetest.Balances(t, st)
	if !p.Equal(decimal.NewFromInt(plan)) || !s.Equal(decimal.NewFromInt(spent)) || !r.Equal(decimal.NewFromInt(remaining)) {
		t.Fatalf("balances: got plan=%s spent=%s remaining=%s want %d/%d/%d", p, s, r, plan, spent, remaining)
	}
}

func assertStatus(t *testing.T, st *store.Store, id string, want domain.TxnStatus) *domain.Transaction {
	t.Helper()
	txn, err := st.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("get txn: %v", err)
	}
	if txn.Status != want {
		t.Fatalf("txn status: got %s want %s (error %q)", txn.Status, want, txn.Error)
	}
	return txn
}

// ── Initiate ──────────────────────────────────────────────────────────────────

func TestInitiate_SelectsVoucher(t *testing.T) {
	f := newFixture(t)
	v := f.tokenize(t, 400)

	txn := f.initiate(t, request(100, domain.MethodVoucher))
	if txn.Status != domain.TxnPending || txn.VoucherID != v.ID {
		t.Errorf("txn: got status %s voucher %q want PENDING %q", txn.Status, txn.VoucherID, v.ID)
	}
	if txn.Validation == nil || !txn.Validation.Valid {
		t.Errorf("verdict not attached: %+v", txn.Validation)
	}
}

func TestInitiate_ValidationFailureKeepsPendingRecord(t *testing.T) {
	f := newFixture(t)
	f.tokenize(t, 400)
	f.rules.reject("plan is SUSPENDED", "worker screening lapsed")

	txn, err := f.o.Initiate(context.Background(), request(100, domain.MethodVoucher))
	var vf *domain.ValidationFailedError
	if !errors.As(err, &vf) || len(vf.Errors) != 2 {
		t.Fatalf("want ValidationFailedError with 2 errors, got %v", err)
	}
	stored := assertStatus(t, f.st, txn.ID, domain.TxnPending)
	if stored.Validation == nil || stored.Validation.Valid || stored.VoucherID != "" {
		t.Errorf("stored txn: got %+v", stored)
	}
	assertBalances(t, f.st, 1000, 400, 600)
}

func TestInitiate_NoCoveringVoucher(t *testing.T) {
	f := newFixture(t)
	f.tokenize(t, 50)

	_, err := f.o.Initiate(context.Background(), request(100, domain.MethodVoucher))
	if !errors.Is(err, domain.ErrVoucherNotFound) {
		t.Fatalf("want ErrVoucherNotFound, got %v", err)
	}
}

func TestInitiate_WrongParticipant(t *testing.T) {
	f := newFixture(t)
	req := request(100, domain.MethodCard)
	req.ParticipantID = "someone-else"

	if _, err := f.o.Initiate(context.Background(), req); !errors.Is(err, ErrParticipantMismatch) {
		t.Fatalf("want ErrParticipantMismatch, got %v", err)
	}
}

// ── Execute: voucher rail ─────────────────────────────────────────────────────

func TestExecute_SpendsWholeVoucher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.tokenize(t, 400)
	assertBalances(t, f.st, 1000, 400, 600)

	req := request(400, domain.MethodVoucher)
	req.VoucherID = v.ID
	txn := f.initiate(t, req)

	done, err := f.o.Execute(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if done.Status != domain.TxnCompleted || done.LedgerRef == "" || done.CompletedAt == nil {
		t.Errorf("txn: got %+v", done)
	}
	assertBalances(t, f.st, 600, 400, 600)

	spent, _ := f.vouchers.Get(ctx, v.ID)
	if spent.Status != domain.VoucherSpent || !spent.Balance.IsZero() {
		t.Errorf("voucher: got %s balance %s", spent.Status, spent.Balance)
	}
	bal, _ := f.led.GetBalance(ctx, v.Contract, providerAddr)
	if !bal.Equal(decimal.NewFromInt(400)) {
		t.Errorf("provider ledger balance: got %s want 400", bal)
	}

	again := request(1, domain.MethodVoucher)
	again.VoucherID = v.ID
	_, err = f.o.Initiate(ctx, again)
	var ie *domain.VoucherIneligibleError
	if !errors.As(err, &ie) {
		t.Fatalf("spent voucher: want VoucherIneligibleError, got %v", err)
	}
}

func TestExecute_TransferFailureLeavesBalancesUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.tokenize(t, 400)
	txn := f.initiate(t, request(150, domain.MethodVoucher))

	f.led.set(true, false)
	_, err := f.o.Execute(ctx, txn.ID)
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}

	failed := assertStatus(t, f.st, txn.ID, domain.TxnFailed)
	if failed.Error == "" || failed.CompletedAt != nil {
		t.Errorf("failed txn: got %+v", failed)
	}
	assertBalances(t, f.st, 1000, 400, 600)
	cur, _ := f.vouchers.Get(ctx, v.ID)
	if !cur.Balance.Equal(decimal.NewFromInt(400)) || !cur.Pending.IsZero() {
		t.Errorf("voucher: got balance %s pending %s", cur.Balance, cur.Pending)
	}
}

func TestExecute_TerminalStateIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tokenize(t, 400)
	txn := f.initiate(t, request(100, domain.MethodVoucher))

	if _, err := f.o.Execute(ctx, txn.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_, err := f.o.Execute(ctx, txn.ID)
	var se *domain.TransactionStateError
	if !errors.As(err, &se) || se.Actual != string(domain.TxnCompleted) || se.Expected != string(domain.TxnPending) {
		t.Fatalf("want TransactionStateError(COMPLETED), got %v", err)
	}
	assertBalances(t, f.st, 900, 400, 600)
}

func TestExecute_StaleRulesFailTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tokenize(t, 400)
	txn := f.initiate(t, request(100, domain.MethodVoucher))

	f.rules.reject("plan p-1 is EXPIRED, not ACTIVE")
	_, err := f.o.Execute(ctx, txn.ID)
	var vf *domain.ValidationFailedError
	if !errors.As(err, &vf) {
		t.Fatalf("want ValidationFailedError, got %v", err)
	}
	failed := assertStatus(t, f.st, txn.ID, domain.TxnFailed)
	if failed.Validation == nil || failed.Validation.Valid {
		t.Errorf("stale verdict not recorded: %+v", failed.Validation)
	}
	assertBalances(t, f.st, 1000, 400, 600)
}

func TestExecute_ConcurrentSpendsOnOneVoucher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tokenize(t, 100)
	a := f.initiate(t, request(60, domain.MethodVoucher))
	b := f.initiate(t, request(60, domain.MethodVoucher))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.o.Execute(ctx, id)
		}(i, id)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var ib *domain.InsufficientBudgetError
		if !errors.As(err, &ib) {
			t.Errorf("loser: want InsufficientBudgetError, got %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successes: got %d want 1", ok)
	}
	assertBalances(t, f.st, 940, 100, 900)
}

// ── Execute: confirmation timeout and Reconcile ───────────────────────────────

func TestExecute_TimeoutStaysProcessingUntilReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.tokenize(t, 400)
	txn := f.initiate(t, request(400, domain.MethodVoucher))

	f.led.set(false, true)
	_, err := f.o.Execute(ctx, txn.ID)
	if !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("want ErrPaymentPending, got %v", err)
	}
	pending := assertStatus(t, f.st, txn.ID, domain.TxnProcessing)
	if pending.LedgerRef == "" {
		t.Fatal("ledger ref not recorded")
	}
	ids, _ := f.st.ProcessingTransactions(ctx)
	if !slices.Contains(ids, txn.ID) {
		t.Errorf("processing index: got %v", ids)
	}
	held, _ := f.vouchers.Get(ctx, v.ID)
	if !held.Pending.Equal(decimal.NewFromInt(400)) {
		t.Errorf("voucher hold: got %s want 400", held.Pending)
	}
	assertBalances(t, f.st, 1000, 400, 600)

	if _, err := f.o.Reconcile(ctx, txn.ID); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("still unconfirmed: want ErrPaymentPending, got %v", err)
	}

	f.led.set(false, false)
	done, err := f.o.Reconcile(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if done.Status != domain.TxnCompleted {
		t.Errorf("status: got %s want COMPLETED", done.Status)
	}
	assertBalances(t, f.st, 600, 400, 600)
	settled, _ := f.vouchers.Get(ctx, v.ID)
	if settled.Status != domain.VoucherSpent || !settled.Pending.IsZero() {
		t.Errorf("voucher: got %s pending %s", settled.Status, settled.Pending)
	}
	ids, _ = f.st.ProcessingTransactions(ctx)
	if len(ids) != 0 {
		t.Errorf("processing index not cleared: %v", ids)
	}

	var se *domain.TransactionStateError
	if _, err := f.o.Reconcile(ctx, txn.ID); !errors.As(err, &se) {
		t.Errorf("second reconcile: want TransactionStateError, got %v", err)
	}
}

func TestExecute_DeadlineWhileUnconfirmedKeepsLedgerRef(t *testing.T) {
	f := newFixture(t)
	v := f.tokenize(t, 400)
	txn := f.initiate(t, request(100, domain.MethodVoucher))

	f.led.set(false, true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := f.o.Execute(ctx, txn.ID); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("want ErrPaymentPending, got %v", err)
	}
	pending := assertStatus(t, f.st, txn.ID, domain.TxnProcessing)
	if pending.LedgerRef == "" {
		t.Fatal("ledger ref not recorded after dispatch")
	}

	f.led.set(false, false)
	if _, err := f.o.Reconcile(context.Background(), txn.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	assertStatus(t, f.st, txn.ID, domain.TxnCompleted)
	assertBalances(t, f.st, 900, 400, 600)
	cur, _ := f.vouchers.Get(context.Background(), v.ID)
	if !cur.Balance.Equal(decimal.NewFromInt(300)) || !cur.Pending.IsZero() {
		t.Errorf("voucher: got balance %s pending %s want 300/0", cur.Balance, cur.Pending)
	}
	bal, _ := f.led.GetBalance(context.Background(), v.Contract, providerAddr)
	if !bal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("provider ledger balance: got %s want 100", bal)
	}
}

func TestExecute_CallerCancelAfterDispatchStillCompletes(t *testing.T) {
	f := newFixture(t)
	v := f.tokenize(t, 400)
	txn := f.initiate(t, request(100, domain.MethodVoucher))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.led.afterTransfer = cancel

	if _, err := f.o.Execute(ctx, txn.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	done := assertStatus(t, f.st, txn.ID, domain.TxnCompleted)
	if done.LedgerRef == "" {
		t.Error("ledger ref missing on completed txn")
	}
	assertBalances(t, f.st, 900, 400, 600)
	cur, _ := f.vouchers.Get(context.Background(), v.ID)
	if !cur.Balance.Equal(decimal.NewFromInt(300)) {
		t.Errorf("voucher balance: got %s want 300", cur.Balance)
	}
}

func TestExecute_LocalDebitFailureAfterDispatchReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.tokenize(t, 400)
	txn := f.initiate(t, request(100, domain.MethodVoucher))

	// Corrupt the voucher record once the transfer is out so the local debit
	// cannot be written.
	key := store.VoucherKey(v.ID)
	var saved string
	f.led.afterTransfer = func() {
		saved, _ = f.st.Redis().Get(ctx, key).Result()
		f.st.Redis().Set(ctx, key, "{", 0)
	}
	if _, err := f.o.Execute(ctx, txn.ID); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("want ErrPaymentPending, got %v", err)
	}
	pending := assertStatus(t, f.st, txn.ID, domain.TxnProcessing)
	if pending.LedgerRef == "" {
		t.Fatal("ledger ref not recorded after dispatch")
	}
	assertBalances(t, f.st, 1000, 400, 600)

	f.led.afterTransfer = nil
	f.st.Redis().Set(ctx, key, saved, 0)
	if _, err := f.o.Reconcile(ctx, txn.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	assertStatus(t, f.st, txn.ID, domain.TxnCompleted)
	assertBalances(t, f.st, 900, 400, 600)
	cur, _ := f.vouchers.Get(ctx, v.ID)
	if !cur.Balance.Equal(decimal.NewFromInt(300)) || !cur.Pending.IsZero() {
		t.Errorf("voucher: got balance %s pending %s want 300/0", cur.Balance, cur.Pending)
	}
}

func TestReconcileAll_SettlesProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tokenize(t, 400)
	txn := f.initiate(t, request(100, domain.MethodVoucher))

	f.led.set(false, true)
	_, _ = f.o.Execute(ctx, txn.ID)
	f.led.set(false, false)

	f.o.reconcileAll(ctx)
	assertStatus(t, f.st, txn.ID, domain.TxnCompleted)
	assertBalances(t, f.st, 900, 400, 600)
}

// ── Execute: gateway rails ────────────────────────────────────────────────────

func TestExecute_GatewayCommitsDirect(t *testing.T) {
	f := newFixture(t)
	txn := f.initiate(t, request(100, domain.MethodCard))
	if txn.VoucherID != "" {
		t.Errorf("gateway txn should not carry a voucher: %q", txn.VoucherID)
	}

	done, err := f.o.Execute(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if done.Status != domain.TxnCompleted || done.GatewayRef != "ch-"+txn.ID {
		t.Errorf("txn: got %+v", done)
	}
	assertBalances(t, f.st, 900, 100, 900)
}

func TestExecute_GatewayErrorFails(t *testing.T) {
	f := newFixture(t)
	f.gw.err = errors.New("gateway 502")
	txn := f.initiate(t, request(100, domain.MethodPayPal))

	if _, err := f.o.Execute(context.Background(), txn.ID); err == nil {
		t.Fatal("expected error")
	}
	assertStatus(t, f.st, txn.ID, domain.TxnFailed)
	assertBalances(t, f.st, 1000, 0, 1000)
}

func TestExecute_GatewayInsufficientSkipsCharge(t *testing.T) {
	f := newFixture(t)
	f.tokenize(t, 950)
	txn := f.initiate(t, request(100, domain.MethodCrypto))

	_, err := f.o.Execute(context.Background(), txn.ID)
	var ib *domain.InsufficientBudgetError
	if !errors.As(err, &ib) {
		t.Fatalf("want InsufficientBudgetError, got %v", err)
	}
	if f.gw.charges != 0 {
		t.Errorf("gateway charged %d times", f.gw.charges)
	}
	assertStatus(t, f.st, txn.ID, domain.TxnFailed)
}

func TestExecute_GatewayPendingThenSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.charge = gateway.StatusPending
	f.gw.status = gateway.StatusPending
	txn := f.initiate(t, request(100, domain.MethodCard))

	if _, err := f.o.Execute(ctx, txn.ID); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("want ErrPaymentPending, got %v", err)
	}
	held := assertStatus(t, f.st, txn.ID, domain.TxnProcessing)
	if !held.Reserved {
		t.Error("pending charge should hold category funds")
	}
	assertBalances(t, f.st, 1000, 100, 900)

	if _, err := f.o.Reconcile(ctx, txn.ID); !errors.Is(err, ErrPaymentPending) {
		t.Fatalf("want ErrPaymentPending, got %v", err)
	}

	f.gw.status = gateway.StatusSucceeded
	if _, err := f.o.Reconcile(ctx, txn.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	assertStatus(t, f.st, txn.ID, domain.TxnCompleted)
	assertBalances(t, f.st, 900, 100, 900)
}

func TestExecute_GatewayPendingThenDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.charge = gateway.StatusPending
	f.gw.status = gateway.StatusFailed
	txn := f.initiate(t, request(100, domain.MethodCard))

	_, _ = f.o.Execute(ctx, txn.ID)
	if _, err := f.o.Reconcile(ctx, txn.ID); err == nil {
		t.Fatal("expected declined error")
	}
	failed := assertStatus(t, f.st, txn.ID, domain.TxnFailed)
	if failed.Error == "" {
		t.Error("decline reason not recorded")
	}
	assertBalances(t, f.st, 1000, 0, 1000)
}

// ── queries ───────────────────────────────────────────────────────────────────

func TestListByProvider_OldestFirst(t *testing.T) {
	f := newFixture(t)
	first := f.initiate(t, request(10, domain.MethodCard))
	f.o.now = func() time.Time { return testNow.Add(time.Minute) }
	second := f.initiate(t, request(20, domain.MethodCard))

	got, err := f.o.ListByProvider(context.Background(), providerID)
	if err != nil {
		t.Fatalf("ListByProvider: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("order: got %d txns", len(got))
	}
}

package ledger

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
	"atelier/internal/notify"
)

// fakeCreditRepo mimics the conditional semantics of the Postgres
// repository: deducts apply only while the counter still covers the amount.
type fakeCreditRepo struct {
	mu       sync.Mutex
	balances map[string]*domain.CreditBalance
}

func newFakeCreditRepo() *fakeCreditRepo {
	return &fakeCreditRepo{balances: make(map[string]*domain.CreditBalance)}
}

func (f *fakeCreditRepo) Get(_ context.Context, principalID string) (*domain.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[principalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeCreditRepo) CreateIfAbsent(_ context.Context, principalID string, general, aux int) (*domain.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[principalID]; ok {
		copied := *b
		return &copied, nil
	}
	b := &domain.CreditBalance{
		PrincipalID:    principalID,
		GeneralCredits: general,
		AuxCredits:     aux,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.balances[principalID] = b
	copied := *b
	return &copied, nil
}

func (f *fakeCreditRepo) DeductGeneral(_ context.Context, principalID string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[principalID]
	if !ok || b.GeneralCredits < amount {
		return 0, domain.ErrInsufficientCredits
	}
	b.GeneralCredits -= amount
	return b.GeneralCredits, nil
}

func (f *fakeCreditRepo) DeductAux(_ context.Context, principalID string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[principalID]
	if !ok || b.AuxCredits < amount {
		return 0, domain.ErrInsufficientCredits
	}
	b.AuxCredits -= amount
	return b.AuxCredits, nil
}

func (f *fakeCreditRepo) Grant(_ context.Context, principalID string, general, aux int) (*domain.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[principalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	b.GeneralCredits += general
	b.AuxCredits += aux
	copied := *b
	return &copied, nil
}

var _ domain.CreditRepository = (*fakeCreditRepo)(nil)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestBalanceMaterializesWelcomeGrant(t *testing.T) {
	repo := newFakeCreditRepo()
	svc := NewService(repo, notify.NewMemory(), testLogger())

	balance, err := svc.Balance(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.GeneralCredits != domain.WelcomeGeneralCredits || balance.AuxCredits != domain.WelcomeAuxCredits {
		t.Fatalf("welcome grant = %d/%d, want %d/%d",
			balance.GeneralCredits, balance.AuxCredits,
			domain.WelcomeGeneralCredits, domain.WelcomeAuxCredits)
	}

	// A second inquiry must not grant again.
	again, err := svc.Balance(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if again.GeneralCredits != domain.WelcomeGeneralCredits {
		t.Fatalf("second inquiry changed balance to %d", again.GeneralCredits)
	}
}

func TestCheckStrictUnknownPrincipal(t *testing.T) {
	svc := NewService(newFakeCreditRepo(), nil, testLogger())

	if err := svc.CheckStrict(context.Background(), "ghost", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCheckInsufficient(t *testing.T) {
	repo := newFakeCreditRepo()
	svc := NewService(repo, nil, testLogger())

	if err := svc.Check(context.Background(), "p1", domain.WelcomeGeneralCredits+1); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if err := svc.Check(context.Background(), "p1", domain.WelcomeGeneralCredits); err != nil {
		t.Fatalf("affordable check failed: %v", err)
	}
}

func TestDeductConcurrentExactBalance(t *testing.T) {
	repo := newFakeCreditRepo()
	svc := NewService(repo, notify.NewMemory(), testLogger())

	const amount = 5
	if _, err := repo.CreateIfAbsent(context.Background(), "p1", amount, 0); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Deduct(context.Background(), "p1", amount)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientCredits):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded %d times, want exactly 1", succeeded)
	}

	balance, _ := repo.Get(context.Background(), "p1")
	if balance.GeneralCredits != 0 {
		t.Fatalf("balance = %d, want 0", balance.GeneralCredits)
	}
}

func TestCountersNeverNegative(t *testing.T) {
	repo := newFakeCreditRepo()
	svc := NewService(repo, notify.NewMemory(), testLogger())
	ctx := context.Background()

	if _, err := svc.Balance(ctx, "p1"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_, _ = svc.Deduct(ctx, "p1", 3)
			case 1:
				_, _ = svc.DeductAux(ctx, "p1", 4)
			default:
				_, _ = svc.Grant(ctx, "p1", 1, 1)
			}
		}(i)
	}
	wg.Wait()

	balance, err := repo.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if balance.GeneralCredits < 0 || balance.AuxCredits < 0 {
		t.Fatalf("counters went negative: %d/%d", balance.GeneralCredits, balance.AuxCredits)
	}
}

func TestGrantPublishesEvent(t *testing.T) {
	repo := newFakeCreditRepo()
	hub := notify.NewMemory()
	var got []notify.BalanceChanged
	hub.Subscribe(func(ev notify.BalanceChanged) { got = append(got, ev) })

	svc := NewService(repo, hub, testLogger())
	ctx := context.Background()
	if _, err := svc.Balance(ctx, "p1"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	if _, err := svc.Grant(ctx, "p1", 100, 50); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("published %d events, want 1", len(got))
	}
	if got[0].Cause != "grant" || got[0].General != domain.WelcomeGeneralCredits+100 {
		t.Fatalf("unexpected event %+v", got[0])
	}
}

func TestGrantMaterializesUnknownPrincipal(t *testing.T) {
	repo := newFakeCreditRepo()
	svc := NewService(repo, nil, testLogger())

	balance, err := svc.Grant(context.Background(), "new", 20, 0)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if balance.GeneralCredits != domain.WelcomeGeneralCredits+20 {
		t.Fatalf("balance = %d, want welcome+20", balance.GeneralCredits)
	}
}

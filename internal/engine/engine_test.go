package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
	"atelier/internal/jobstate"
	"atelier/internal/providers/prompt"
	"atelier/internal/providers/replicate"
)

type fakeLedger struct {
	mu      sync.Mutex
	general int
	aux     int
}

func (f *fakeLedger) Check(ctx context.Context, principalID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.general < amount {
		return domain.ErrInsufficientCredits
	}
	return nil
}

func (f *fakeLedger) CheckAux(ctx context.Context, principalID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aux < amount {
		return domain.ErrInsufficientCredits
	}
	return nil
}

func (f *fakeLedger) Deduct(ctx context.Context, principalID string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.general < amount {
		return 0, domain.ErrInsufficientCredits
	}
	f.general -= amount
	return f.general, nil
}

func (f *fakeLedger) DeductAux(ctx context.Context, principalID string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aux < amount {
		return 0, domain.ErrInsufficientCredits
	}
	f.aux -= amount
	return f.aux, nil
}

func (f *fakeLedger) Refund(ctx context.Context, principalID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.general += amount
	return nil
}

type fakeProvider struct {
	runOutput   any
	runErr      error
	createErr   error
	runCalls    int
	createCalls int
	lastModel   string
	lastInput   map[string]any
}

func (f *fakeProvider) Run(ctx context.Context, model string, input map[string]any) (any, error) {
	f.runCalls++
	f.lastModel = model
	f.lastInput = input
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.runOutput, nil
}

func (f *fakeProvider) CreatePrediction(ctx context.Context, model string, input map[string]any, webhookURL string) (*replicate.Prediction, error) {
	f.createCalls++
	f.lastModel = model
	f.lastInput = input
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &replicate.Prediction{ID: "pred-1", Status: replicate.StatusStarting}, nil
}

func (f *fakeProvider) CreateTraining(ctx context.Context, model, destination string, input map[string]any, webhookURL string) (*replicate.Prediction, error) {
	f.createCalls++
	f.lastModel = model
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &replicate.Prediction{ID: "train-1", Status: replicate.StatusStarting}, nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*domain.Job)}
}

func (f *fakeJobs) Create(_ context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.Kind == domain.JobKindUpscale && job.ParentJobID != nil {
		for _, j := range f.jobs {
			if j.Kind == domain.JobKindUpscale && j.ParentJobID != nil && *j.ParentJobID == *job.ParentJobID {
				return domain.ErrDuplicateOperation
			}
		}
	}
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeJobs) GetByID(_ context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (f *fakeJobs) GetByProviderJobID(_ context.Context, providerJobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ProviderJobID == providerJobID {
			copied := *j
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobs) GetUpscaleByParent(_ context.Context, parentJobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Kind == domain.JobKindUpscale && j.ParentJobID != nil && *j.ParentJobID == parentJobID {
			copied := *j
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobs) CASState(_ context.Context, id string, from, to domain.JobState, errMsg *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.State != from {
		return false, nil
	}
	j.State = to
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	return true, nil
}

func (f *fakeJobs) ReopenUpscale(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Kind != domain.JobKindUpscale || j.State != domain.JobStateFailed {
		return false, nil
	}
	j.State = domain.UpscaleStatePending
	j.ProviderJobID = ""
	j.ErrorMessage = ""
	return true, nil
}

func (f *fakeJobs) SetProviderJobID(_ context.Context, id, providerJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.ProviderJobID != "" && j.ProviderJobID != providerJobID {
		return domain.ErrProviderJobImmutable
	}
	j.ProviderJobID = providerJobID
	return nil
}

func (f *fakeJobs) SetArtifact(_ context.Context, id, artifactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.ArtifactID = &artifactID
	return nil
}

func (f *fakeJobs) ListUnfinished(_ context.Context, limit int) ([]domain.Job, error) {
	return nil, nil
}

func (f *fakeJobs) DeleteByPrincipal(_ context.Context, principalID string) error {
	return nil
}

type fakeWorkspaces struct {
	mu   sync.Mutex
	byID map[string]*domain.Workspace
}

func (f *fakeWorkspaces) Create(_ context.Context, ws *domain.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[ws.ID] = ws
	return nil
}

func (f *fakeWorkspaces) GetByID(_ context.Context, id string) (*domain.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *ws
	return &copied, nil
}

func (f *fakeWorkspaces) CASStatus(_ context.Context, id string, from, to domain.WorkspaceStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.byID[id]
	if !ok || ws.Status != from {
		return false, nil
	}
	ws.Status = to
	return true, nil
}

func (f *fakeWorkspaces) SetTrainingJob(_ context.Context, id, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	ws.TrainingJobID = &jobID
	return nil
}

func (f *fakeWorkspaces) DeleteByPrincipal(_ context.Context, principalID string) error {
	return nil
}

type fakePayments struct {
	unlocked map[string]bool
}

func (f *fakePayments) Record(_ context.Context, rec *domain.PaymentRecord) error { return nil }

func (f *fakePayments) HasWorkspaceUnlock(_ context.Context, workspaceID string) (bool, error) {
	return f.unlocked[workspaceID], nil
}

type fakePersister struct {
	persisted []string
	err       error
}

func (f *fakePersister) Persist(_ context.Context, principalID, url, sourceTag, promptText string) (*domain.Artifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.persisted = append(f.persisted, url)
	return &domain.Artifact{ID: "art-" + url, PrincipalID: principalID, URL: url, OriginalURL: url, SourceTag: sourceTag}, nil
}

type fakeArtifactRepo struct {
	domain.ArtifactRepository
	byID map[string]*domain.Artifact
}

func (f *fakeArtifactRepo) GetByID(_ context.Context, id string) (*domain.Artifact, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

type fixture struct {
	engine     *Engine
	ledger     *fakeLedger
	provider   *fakeProvider
	jobs       *fakeJobs
	workspaces *fakeWorkspaces
	payments   *fakePayments
	persister  *fakePersister
	artifacts  *fakeArtifactRepo
}

func newFixture(general, aux int) *fixture {
	f := &fixture{
		ledger:     &fakeLedger{general: general, aux: aux},
		provider:   &fakeProvider{runOutput: map[string]any{"url": "https://provider/x.png"}},
		jobs:       newFakeJobs(),
		workspaces: &fakeWorkspaces{byID: make(map[string]*domain.Workspace)},
		payments:   &fakePayments{unlocked: make(map[string]bool)},
		persister:  &fakePersister{},
		artifacts:  &fakeArtifactRepo{byID: make(map[string]*domain.Artifact)},
	}
	f.engine = New(Options{
		Ledger:     f.ledger,
		Provider:   f.provider,
		Machine:    jobstate.NewMachine(f.jobs),
		Jobs:       f.jobs,
		Workspaces: f.workspaces,
		Payments:   f.payments,
		Artifacts:  f.persister,
		ArtRepo:    f.artifacts,
		Assistant:  prompt.NewStaticAssistant(),
		WebhookURL: "https://api.test/v1/webhooks/provider",
		Logger:     zerolog.New(io.Discard),
	})
	return f
}

func TestInvokeToolDeductsAfterSuccess(t *testing.T) {
	f := newFixture(1, 0)

	res, err := f.engine.InvokeTool(context.Background(), "p1", "image", map[string]any{"prompt": "a barn"})
	if err != nil {
		t.Fatalf("InvokeTool returned error: %v", err)
	}
	if res.URL != "https://provider/x.png" {
		t.Errorf("URL = %q", res.URL)
	}
	if f.ledger.general != 0 {
		t.Errorf("general = %d, want 0", f.ledger.general)
	}
	if res.Artifact == nil || res.Artifact.OriginalURL != "https://provider/x.png" {
		t.Errorf("artifact = %+v", res.Artifact)
	}
	if res.BillingAnomaly {
		t.Error("no billing anomaly expected")
	}
}

func TestInvokeToolInsufficientCreditsSkipsProvider(t *testing.T) {
	f := newFixture(0, 0)

	_, err := f.engine.InvokeTool(context.Background(), "p1", "image", nil)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if f.provider.runCalls != 0 {
		t.Error("provider must not be called without admission")
	}
}

func TestInvokeToolProviderRejectionNotCharged(t *testing.T) {
	f := newFixture(3, 0)
	f.provider.runErr = domain.ErrProviderRejected

	_, err := f.engine.InvokeTool(context.Background(), "p1", "image", nil)
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("err = %v, want ErrProviderRejected", err)
	}
	if f.ledger.general != 3 {
		t.Errorf("general = %d, want untouched 3", f.ledger.general)
	}
}

func TestInvokeToolUnrecognizedOutputNotCharged(t *testing.T) {
	f := newFixture(3, 0)
	f.provider.runOutput = 42

	_, err := f.engine.InvokeTool(context.Background(), "p1", "image", nil)
	if !errors.Is(err, domain.ErrUnrecognizedOutput) {
		t.Fatalf("err = %v, want ErrUnrecognizedOutput", err)
	}
	if f.ledger.general != 3 {
		t.Errorf("general = %d, want untouched 3", f.ledger.general)
	}
}

func TestInvokeToolBillingAnomalyStillReturnsResult(t *testing.T) {
	f := newFixture(1, 0)
	// A concurrent spender drains the balance between check and deduct.
	f.engine.ledger = &racingLedger{inner: f.ledger}

	res, err := f.engine.InvokeTool(context.Background(), "p1", "image", nil)
	if err != nil {
		t.Fatalf("InvokeTool returned error: %v", err)
	}
	if !res.BillingAnomaly {
		t.Error("expected billing anomaly flag")
	}
	if res.URL == "" {
		t.Error("result must still carry the url")
	}
}

// racingLedger passes Check but fails Deduct, simulating a concurrent
// spender winning between the two phases.
type racingLedger struct {
	inner *fakeLedger
}

func (r *racingLedger) Check(ctx context.Context, p string, n int) error { return nil }
func (r *racingLedger) CheckAux(ctx context.Context, p string, n int) error {
	return r.inner.CheckAux(ctx, p, n)
}
func (r *racingLedger) Deduct(ctx context.Context, p string, n int) (int, error) {
	return 0, domain.ErrInsufficientCredits
}
func (r *racingLedger) DeductAux(ctx context.Context, p string, n int) (int, error) {
	return r.inner.DeductAux(ctx, p, n)
}
func (r *racingLedger) Refund(ctx context.Context, p string, n int) error {
	return r.inner.Refund(ctx, p, n)
}

func TestInvokeToolPersistFailureStillReturnsResult(t *testing.T) {
	f := newFixture(1, 0)
	f.persister.err = errors.New("store down")

	res, err := f.engine.InvokeTool(context.Background(), "p1", "image", nil)
	if err != nil {
		t.Fatalf("InvokeTool returned error: %v", err)
	}
	if res.Artifact != nil {
		t.Error("no artifact expected when persistence failed")
	}
	if res.URL != "https://provider/x.png" {
		t.Errorf("URL = %q", res.URL)
	}
}

func TestInvokeToolRejectsAsyncTool(t *testing.T) {
	f := newFixture(10, 0)
	if _, err := f.engine.InvokeTool(context.Background(), "p1", "video", nil); !errors.Is(err, ErrToolNotSynchronous) {
		t.Fatalf("err = %v, want ErrToolNotSynchronous", err)
	}
}

func TestSubmitGenerationDeductsUpfront(t *testing.T) {
	f := newFixture(10, 0)

	job, err := f.engine.SubmitGeneration(context.Background(), "p1", "video", map[string]any{"prompt": "waves"})
	if err != nil {
		t.Fatalf("SubmitGeneration returned error: %v", err)
	}
	if f.ledger.general != 5 {
		t.Errorf("general = %d, want 5 after video submission", f.ledger.general)
	}
	if job.State != domain.JobStateStarting || job.ProviderJobID != "pred-1" {
		t.Errorf("job = %+v", job)
	}
	stored, err := f.jobs.GetByProviderJobID(context.Background(), "pred-1")
	if err != nil {
		t.Fatalf("job not findable by provider id: %v", err)
	}
	if stored.Kind != domain.JobKindGeneration {
		t.Errorf("kind = %s", stored.Kind)
	}
}

func TestSubmitGenerationRefundsOnProviderFailure(t *testing.T) {
	f := newFixture(10, 0)
	f.provider.createErr = domain.ErrProviderUnavailable

	_, err := f.engine.SubmitGeneration(context.Background(), "p1", "video", nil)
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
	if f.ledger.general != 10 {
		t.Errorf("general = %d, want refunded 10", f.ledger.general)
	}
	// The orphaned job row is marked failed, not left pending.
	for _, j := range f.jobs.jobs {
		if j.State != domain.JobStateFailed {
			t.Errorf("job %s state = %s, want failed", j.ID, j.State)
		}
	}
}

func TestSubmitTrainingRequiresUnlockPayment(t *testing.T) {
	f := newFixture(100, 0)
	f.workspaces.byID["ws1"] = &domain.Workspace{ID: "ws1", PrincipalID: "p1", Status: domain.WorkspaceStatusNotCreated, ModelRef: "p1/custom"}

	_, err := f.engine.SubmitTraining(context.Background(), "p1", "ws1", nil)
	if !errors.Is(err, domain.ErrPaymentRequired) {
		t.Fatalf("err = %v, want ErrPaymentRequired", err)
	}
	if f.provider.createCalls != 0 {
		t.Error("provider must not be called without a confirmed payment")
	}
}

func TestSubmitTrainingHappyPath(t *testing.T) {
	f := newFixture(100, 0)
	f.workspaces.byID["ws1"] = &domain.Workspace{ID: "ws1", PrincipalID: "p1", Status: domain.WorkspaceStatusNotCreated, ModelRef: "p1/custom"}
	f.payments.unlocked["ws1"] = true

	job, err := f.engine.SubmitTraining(context.Background(), "p1", "ws1", map[string]any{"steps": 500})
	if err != nil {
		t.Fatalf("SubmitTraining returned error: %v", err)
	}
	if job.Kind != domain.JobKindTraining || job.ProviderJobID != "train-1" {
		t.Errorf("job = %+v", job)
	}
	ws, _ := f.workspaces.GetByID(context.Background(), "ws1")
	if ws.Status != domain.WorkspaceStatusProcessing {
		t.Errorf("workspace status = %s, want processing", ws.Status)
	}
	if ws.TrainingJobID == nil || *ws.TrainingJobID != job.ID {
		t.Errorf("workspace training job = %v", ws.TrainingJobID)
	}

	// A second submission while training runs is rejected.
	if _, err := f.engine.SubmitTraining(context.Background(), "p1", "ws1", nil); !errors.Is(err, domain.ErrAlreadyInProgress) {
		t.Fatalf("second submit err = %v, want ErrAlreadyInProgress", err)
	}
}

func TestSubmitTrainingForeignWorkspace(t *testing.T) {
	f := newFixture(100, 0)
	f.workspaces.byID["ws1"] = &domain.Workspace{ID: "ws1", PrincipalID: "other", Status: domain.WorkspaceStatusNotCreated}

	_, err := f.engine.SubmitTraining(context.Background(), "p1", "ws1", nil)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func upscaleParent(f *fixture) *domain.Job {
	artID := "art-1"
	f.artifacts.byID[artID] = &domain.Artifact{ID: artID, PrincipalID: "p1", URL: "https://cdn.test/a.png", OriginalURL: "https://provider/a.png"}
	parent := &domain.Job{ID: "gen-1", PrincipalID: "p1", Kind: domain.JobKindGeneration, State: domain.JobStateSucceeded, ArtifactID: &artID}
	f.jobs.jobs[parent.ID] = parent
	return parent
}

func TestSubmitUpscaleHappyPath(t *testing.T) {
	f := newFixture(10, 0)
	parent := upscaleParent(f)

	job, err := f.engine.SubmitUpscale(context.Background(), "p1", parent.ID)
	if err != nil {
		t.Fatalf("SubmitUpscale returned error: %v", err)
	}
	if job.Kind != domain.JobKindUpscale || job.State != domain.UpscaleStatePending {
		t.Errorf("job = %+v", job)
	}
	if f.provider.lastInput["image"] != "https://cdn.test/a.png" {
		t.Errorf("provider input image = %v", f.provider.lastInput["image"])
	}
	if f.ledger.general != 9 {
		t.Errorf("general = %d, want 9", f.ledger.general)
	}
}

func TestSubmitUpscaleWhilePendingRejected(t *testing.T) {
	f := newFixture(10, 0)
	parent := upscaleParent(f)

	if _, err := f.engine.SubmitUpscale(context.Background(), "p1", parent.ID); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := f.engine.SubmitUpscale(context.Background(), "p1", parent.ID)
	if !errors.Is(err, domain.ErrAlreadyInProgress) {
		t.Fatalf("err = %v, want ErrAlreadyInProgress", err)
	}
	if f.ledger.general != 9 {
		t.Errorf("general = %d, want no second charge", f.ledger.general)
	}
}

func TestSubmitUpscaleAfterProcessedRejected(t *testing.T) {
	f := newFixture(10, 0)
	parent := upscaleParent(f)
	parentID := parent.ID
	f.jobs.jobs["up-1"] = &domain.Job{ID: "up-1", PrincipalID: "p1", Kind: domain.JobKindUpscale, State: domain.UpscaleStateProcessed, ParentJobID: &parentID}

	_, err := f.engine.SubmitUpscale(context.Background(), "p1", parent.ID)
	if !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestSubmitUpscaleRetryAfterFailure(t *testing.T) {
	f := newFixture(10, 0)
	parent := upscaleParent(f)
	parentID := parent.ID
	f.jobs.jobs["up-1"] = &domain.Job{
		ID:            "up-1",
		PrincipalID:   "p1",
		Kind:          domain.JobKindUpscale,
		State:         domain.JobStateFailed,
		ParentJobID:   &parentID,
		ProviderJobID: "pred-old",
		ErrorMessage:  "upstream timeout",
	}

	job, err := f.engine.SubmitUpscale(context.Background(), "p1", parent.ID)
	if err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
	if job.ID != "up-1" {
		t.Errorf("job id = %s, want the existing row adopted", job.ID)
	}
	if job.State != domain.UpscaleStatePending {
		t.Errorf("state = %s, want PENDING", job.State)
	}
	stored := f.jobs.jobs["up-1"]
	if stored.ProviderJobID != "pred-1" {
		t.Errorf("provider job id = %q, want the fresh prediction bound", stored.ProviderJobID)
	}
	if stored.ErrorMessage != "" {
		t.Errorf("error message = %q, want cleared", stored.ErrorMessage)
	}
	if f.ledger.general != 9 {
		t.Errorf("general = %d, want the retry charged", f.ledger.general)
	}
	if f.provider.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", f.provider.createCalls)
	}
}

func TestSubmitUpscaleRequiresSucceededParent(t *testing.T) {
	f := newFixture(10, 0)
	f.jobs.jobs["gen-1"] = &domain.Job{ID: "gen-1", PrincipalID: "p1", Kind: domain.JobKindGeneration, State: domain.JobStateProcessing}

	_, err := f.engine.SubmitUpscale(context.Background(), "p1", "gen-1")
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("err = %v, want ErrStateConflict", err)
	}
}

func TestAssistPromptMetersAuxCredits(t *testing.T) {
	f := newFixture(0, 2)

	res, err := f.engine.AssistPrompt(context.Background(), "p1", prompt.AssistRequest{Prompt: "barn"})
	if err != nil {
		t.Fatalf("AssistPrompt returned error: %v", err)
	}
	if res.Prompt == "" {
		t.Error("expected a rewritten prompt")
	}
	if f.ledger.aux != 1 {
		t.Errorf("aux = %d, want 1", f.ledger.aux)
	}
	if res.RemainingAux != 1 {
		t.Errorf("RemainingAux = %d, want 1", res.RemainingAux)
	}
}

func TestAssistPromptInsufficientAux(t *testing.T) {
	f := newFixture(10, 0)

	_, err := f.engine.AssistPrompt(context.Background(), "p1", prompt.AssistRequest{Prompt: "barn"})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
}

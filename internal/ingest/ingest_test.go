package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
	"atelier/internal/jobstate"
	"atelier/internal/providers/replicate"
)

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
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.ProviderJobID != "" && !j.State.Terminal() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobs) DeleteByPrincipal(_ context.Context, principalID string) error { return nil }

type fakeWorkspaces struct {
	mu   sync.Mutex
	byID map[string]*domain.Workspace
}

func (f *fakeWorkspaces) Create(_ context.Context, ws *domain.Workspace) error {
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

func (f *fakeWorkspaces) SetTrainingJob(_ context.Context, id, jobID string) error { return nil }

func (f *fakeWorkspaces) DeleteByPrincipal(_ context.Context, principalID string) error { return nil }

type fakeProvider struct {
	predictions map[string]*replicate.Prediction
	verifyErr   error
	getCalls    int
}

func (f *fakeProvider) GetPrediction(_ context.Context, id string) (*replicate.Prediction, error) {
	f.getCalls++
	p, ok := f.predictions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeProvider) GetTraining(ctx context.Context, id string) (*replicate.Prediction, error) {
	return f.GetPrediction(ctx, id)
}

func (f *fakeProvider) DecodeOutput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func (f *fakeProvider) VerifyWebhook(headers replicate.WebhookHeaders, body []byte) error {
	return f.verifyErr
}

type fakeSink struct {
	mu        sync.Mutex
	persisted []string
	augments  map[string]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{augments: make(map[string]string)}
}

func (f *fakeSink) Persist(_ context.Context, principalID, url, sourceTag, promptText string) (*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, url)
	return &domain.Artifact{ID: "art-1", PrincipalID: principalID, URL: url, OriginalURL: url, SourceTag: sourceTag}, nil
}

func (f *fakeSink) AugmentUpscale(_ context.Context, artifactID, upscaleURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.augments[artifactID]; !ok {
		f.augments[artifactID] = upscaleURL
	}
	return nil
}

type fixture struct {
	ingestor   *Ingestor
	jobs       *fakeJobs
	workspaces *fakeWorkspaces
	provider   *fakeProvider
	sink       *fakeSink
}

func newFixture() *fixture {
	f := &fixture{
		jobs:       newFakeJobs(),
		workspaces: &fakeWorkspaces{byID: make(map[string]*domain.Workspace)},
		provider:   &fakeProvider{predictions: make(map[string]*replicate.Prediction)},
		sink:       newFakeSink(),
	}
	f.ingestor = New(f.jobs, f.workspaces, jobstate.NewMachine(f.jobs), f.provider, f.sink, zerolog.New(io.Discard))
	return f
}

func generationJob(f *fixture, state domain.JobState) *domain.Job {
	job := &domain.Job{
		ID:            "job-1",
		PrincipalID:   "p1",
		Kind:          domain.JobKindGeneration,
		ProviderJobID: "pred-1",
		State:         state,
		Input:         json.RawMessage(`{"prompt":"a barn"}`),
	}
	f.jobs.jobs[job.ID] = job
	return job
}

func TestPollAdvancesToProcessing(t *testing.T) {
	f := newFixture()
	generationJob(f, domain.JobStateStarting)
	f.provider.predictions["pred-1"] = &replicate.Prediction{ID: "pred-1", Status: replicate.StatusProcessing}

	job, err := f.ingestor.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if job.State != domain.JobStateProcessing {
		t.Errorf("state = %s, want processing", job.State)
	}
}

func TestPollCompletesGeneration(t *testing.T) {
	f := newFixture()
	generationJob(f, domain.JobStateProcessing)
	f.provider.predictions["pred-1"] = &replicate.Prediction{
		ID:     "pred-1",
		Status: replicate.StatusSucceeded,
		Output: json.RawMessage(`["https://provider/out.png"]`),
	}

	job, err := f.ingestor.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if job.State != domain.JobStateSucceeded {
		t.Errorf("state = %s, want succeeded", job.State)
	}
	if job.ArtifactID == nil || *job.ArtifactID != "art-1" {
		t.Errorf("artifact link = %v", job.ArtifactID)
	}
	if len(f.sink.persisted) != 1 || f.sink.persisted[0] != "https://provider/out.png" {
		t.Errorf("persisted = %v", f.sink.persisted)
	}
}

func TestPollTerminalJobSkipsProvider(t *testing.T) {
	f := newFixture()
	generationJob(f, domain.JobStateSucceeded)

	if _, err := f.ingestor.Poll(context.Background(), "job-1"); err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if f.provider.getCalls != 0 {
		t.Error("terminal jobs must not hit the provider")
	}
}

func TestDuplicateCompletionIsNoOp(t *testing.T) {
	f := newFixture()
	generationJob(f, domain.JobStateProcessing)
	f.provider.predictions["pred-1"] = &replicate.Prediction{
		ID:     "pred-1",
		Status: replicate.StatusSucceeded,
		Output: json.RawMessage(`"https://provider/out.png"`),
	}

	if _, err := f.ingestor.Poll(context.Background(), "job-1"); err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	if _, err := f.ingestor.Poll(context.Background(), "job-1"); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	// Persist is idempotent by contract, but the second poll must not even
	// reach the provider since the job is already terminal.
	if f.provider.getCalls != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.getCalls)
	}
}

func TestPollFailureRecordsError(t *testing.T) {
	f := newFixture()
	generationJob(f, domain.JobStateProcessing)
	f.provider.predictions["pred-1"] = &replicate.Prediction{
		ID:     "pred-1",
		Status: replicate.StatusFailed,
		Error:  "NSFW content detected",
	}

	job, err := f.ingestor.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if job.State != domain.JobStateFailed {
		t.Errorf("state = %s, want failed", job.State)
	}
	if job.ErrorMessage != "NSFW content detected" {
		t.Errorf("error message = %q", job.ErrorMessage)
	}
}

func TestSuccessWithUnusableOutputFails(t *testing.T) {
	f := newFixture()
	generationJob(f, domain.JobStateProcessing)
	f.provider.predictions["pred-1"] = &replicate.Prediction{
		ID:     "pred-1",
		Status: replicate.StatusSucceeded,
		Output: json.RawMessage(`42`),
	}

	job, err := f.ingestor.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if job.State != domain.JobStateFailed {
		t.Errorf("state = %s, want failed", job.State)
	}
	if len(f.sink.persisted) != 0 {
		t.Error("nothing should be persisted for unusable output")
	}
}

func TestTrainingCompletionFlipsWorkspace(t *testing.T) {
	f := newFixture()
	wsID := "ws1"
	f.workspaces.byID[wsID] = &domain.Workspace{ID: wsID, PrincipalID: "p1", Status: domain.WorkspaceStatusProcessing}
	f.jobs.jobs["job-t"] = &domain.Job{
		ID:            "job-t",
		PrincipalID:   "p1",
		Kind:          domain.JobKindTraining,
		ProviderJobID: "train-1",
		State:         domain.JobStateProcessing,
		WorkspaceID:   &wsID,
	}
	f.provider.predictions["train-1"] = &replicate.Prediction{ID: "train-1", Status: replicate.StatusSucceeded}

	job, err := f.ingestor.Poll(context.Background(), "job-t")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if job.State != domain.JobStateSucceeded {
		t.Errorf("state = %s", job.State)
	}
	ws, _ := f.workspaces.GetByID(context.Background(), wsID)
	if !ws.Ready() {
		t.Errorf("workspace status = %s, want succeeded", ws.Status)
	}
}

func TestTrainingFailureFlipsWorkspace(t *testing.T) {
	f := newFixture()
	wsID := "ws1"
	f.workspaces.byID[wsID] = &domain.Workspace{ID: wsID, PrincipalID: "p1", Status: domain.WorkspaceStatusProcessing}
	f.jobs.jobs["job-t"] = &domain.Job{
		ID:            "job-t",
		PrincipalID:   "p1",
		Kind:          domain.JobKindTraining,
		ProviderJobID: "train-1",
		State:         domain.JobStateProcessing,
		WorkspaceID:   &wsID,
	}
	f.provider.predictions["train-1"] = &replicate.Prediction{ID: "train-1", Status: replicate.StatusFailed, Error: "diverged"}

	if _, err := f.ingestor.Poll(context.Background(), "job-t"); err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	ws, _ := f.workspaces.GetByID(context.Background(), wsID)
	if ws.Status != domain.WorkspaceStatusFailed {
		t.Errorf("workspace status = %s, want failed", ws.Status)
	}
}

func TestUpscaleCompletionAugmentsParentArtifact(t *testing.T) {
	f := newFixture()
	artID := "art-parent"
	parent := &domain.Job{ID: "gen-1", PrincipalID: "p1", Kind: domain.JobKindGeneration, State: domain.JobStateSucceeded, ArtifactID: &artID}
	parentID := parent.ID
	f.jobs.jobs[parent.ID] = parent
	f.jobs.jobs["up-1"] = &domain.Job{
		ID:            "up-1",
		PrincipalID:   "p1",
		Kind:          domain.JobKindUpscale,
		ProviderJobID: "pred-up",
		State:         domain.UpscaleStatePending,
		ParentJobID:   &parentID,
	}
	f.provider.predictions["pred-up"] = &replicate.Prediction{
		ID:     "pred-up",
		Status: replicate.StatusSucceeded,
		Output: json.RawMessage(`"https://provider/big.png"`),
	}

	job, err := f.ingestor.Poll(context.Background(), "up-1")
	if err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if job.State != domain.UpscaleStateProcessed {
		t.Errorf("state = %s, want PROCESSED", job.State)
	}
	if f.sink.augments[artID] != "https://provider/big.png" {
		t.Errorf("augments = %v", f.sink.augments)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture()
	generationJob(f, domain.JobStateProcessing)
	f.provider.verifyErr = domain.ErrInvalidSignature

	err := f.ingestor.Webhook(context.Background(), replicate.WebhookHeaders{}, []byte(`{"id":"pred-1","status":"succeeded"}`))
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	job, _ := f.jobs.GetByID(context.Background(), "job-1")
	if job.State != domain.JobStateProcessing {
		t.Error("state must not change on a rejected delivery")
	}
}

func TestWebhookAppliesCompletion(t *testing.T) {
	f := newFixture()
	generationJob(f, domain.JobStateProcessing)

	body := []byte(`{"id":"pred-1","status":"succeeded","output":"https://provider/out.png"}`)
	if err := f.ingestor.Webhook(context.Background(), replicate.WebhookHeaders{ID: "msg", Timestamp: "0", Signature: "sig"}, body); err != nil {
		t.Fatalf("Webhook returned error: %v", err)
	}
	job, _ := f.jobs.GetByID(context.Background(), "job-1")
	if job.State != domain.JobStateSucceeded {
		t.Errorf("state = %s, want succeeded", job.State)
	}
}

func TestWebhookUnknownProviderJob(t *testing.T) {
	f := newFixture()
	err := f.ingestor.Webhook(context.Background(), replicate.WebhookHeaders{}, []byte(`{"id":"ghost","status":"succeeded"}`))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

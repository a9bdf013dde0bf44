// internal/analysis/analysis_test.go
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-pr-dashboard/internal/model"
	"github-pr-dashboard/internal/store"
)

// fakeStore implements store.Store with recorded session calls; the
// repository and PR methods return canned data.
type fakeStore struct {
	mu              sync.Mutex
	active          bool
	activeErr       error
	created         []string
	markedRunning   []string
	finished        []store.FinishAnalysisSessionParams
	finishedSignal  chan struct{}
	pullRequests    []model.PullRequest
	contributorRows []store.ContributorStats
}

func (f *fakeStore) CreateRepository(ctx context.Context, arg store.CreateRepositoryParams) (model.Repository, error) {
	panic("not used")
}
func (f *fakeStore) UpdateRepositoryMetadata(ctx context.Context, arg store.UpdateRepositoryMetadataParams) (model.Repository, error) {
	panic("not used")
}
func (f *fakeStore) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	panic("not used")
}
func (f *fakeStore) GetRepositoryByOwnerAndName(ctx context.Context, owner, name string) (model.Repository, error) {
	panic("not used")
}
func (f *fakeStore) ListOpenPullNumbers(ctx context.Context, repositoryID int64) ([]int, error) {
	panic("not used")
}
func (f *fakeStore) ListPullRequestsByRepo(ctx context.Context, repositoryID int64) ([]model.PullRequest, error) {
	return f.pullRequests, nil
}
func (f *fakeStore) ReconcilePullRequest(ctx context.Context, arg store.ReconcilePullRequestParams) (store.ReconcileResult, error) {
	panic("not used")
}
func (f *fakeStore) PrunePullRequests(ctx context.Context, repositoryID int64, openNumbers []int) (int64, error) {
	panic("not used")
}
func (f *fakeStore) ListContributorStats(ctx context.Context, repositoryID int64) ([]store.ContributorStats, error) {
	return f.contributorRows, nil
}
func (f *fakeStore) CreateAnalysisSession(ctx context.Context, id string, repositoryID int64) (model.AnalysisSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	return model.AnalysisSession{ID: id, RepositoryID: repositoryID, Status: model.SessionQueued}, nil
}
func (f *fakeStore) HasActiveAnalysisSession(ctx context.Context, repositoryID int64) (bool, error) {
	return f.active, f.activeErr
}
func (f *fakeStore) MarkAnalysisSessionRunning(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRunning = append(f.markedRunning, id)
	return nil
}
func (f *fakeStore) FinishAnalysisSession(ctx context.Context, arg store.FinishAnalysisSessionParams) error {
	f.mu.Lock()
	f.finished = append(f.finished, arg)
	f.mu.Unlock()
	if f.finishedSignal != nil {
		f.finishedSignal <- struct{}{}
	}
	return nil
}
func (f *fakeStore) ListAnalysisSessions(ctx context.Context, repositoryID int64) ([]model.AnalysisSession, error) {
	panic("not used")
}

func (f *fakeStore) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeLLM returns a canned completion and records the prompt.
type fakeLLM struct {
	response string
	err      error
	prompt   string
}

func (l *fakeLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	l.prompt = prompt
	return l.response, l.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunner_TriggerAnalysis(t *testing.T) {
	t.Run("disabled runner ignores triggers", func(t *testing.T) {
		st := &fakeStore{}
		r := NewRunner(st, nil, testLogger())

		r.TriggerAnalysis(1)

		assert.Equal(t, 0, st.createdCount())
	})

	t.Run("coalesces when a session is already in flight", func(t *testing.T) {
		st := &fakeStore{active: true}
		r := NewRunner(st, &fakeLLM{response: "{}"}, testLogger())

		r.TriggerAnalysis(1)

		assert.Equal(t, 0, st.createdCount())
	})

	t.Run("guard check failure is swallowed, not propagated", func(t *testing.T) {
		st := &fakeStore{activeErr: errors.New("db down")}
		r := NewRunner(st, &fakeLLM{response: "{}"}, testLogger())

		r.TriggerAnalysis(1)

		assert.Equal(t, 0, st.createdCount())
	})

	t.Run("runs a session through to completed", func(t *testing.T) {
		st := &fakeStore{
			finishedSignal: make(chan struct{}, 1),
			pullRequests:   []model.PullRequest{{Number: 7, Title: "add cache", Additions: 5, Deletions: 1}},
			contributorRows: []store.ContributorStats{
				{Contributor: model.Contributor{Login: "alice"}, PRCount: 1, LinesChanged: 6},
			},
		}
		llm := &fakeLLM{response: `{"summary": "one open PR"}`}
		r := NewRunner(st, llm, testLogger())

		r.TriggerAnalysis(1)

		select {
		case <-st.finishedSignal:
		case <-time.After(2 * time.Second):
			t.Fatal("session did not finish")
		}

		require.Equal(t, 1, st.createdCount())
		require.Len(t, st.markedRunning, 1)
		require.Len(t, st.finished, 1)
		assert.Equal(t, model.SessionCompleted, st.finished[0].Status)
		assert.JSONEq(t, `{"summary": "one open PR"}`, string(st.finished[0].Result))
		assert.Contains(t, llm.prompt, "#7")
		assert.Contains(t, llm.prompt, "alice")
	})
}

func TestRunner_run_Failure(t *testing.T) {
	st := &fakeStore{}
	llm := &fakeLLM{err: errors.New("model overloaded")}
	r := NewRunner(st, llm, testLogger())

	r.run(model.AnalysisSession{ID: "s1", RepositoryID: 1, Status: model.SessionQueued})

	require.Len(t, st.finished, 1)
	assert.Equal(t, model.SessionFailed, st.finished[0].Status)
	require.NotNil(t, st.finished[0].Error)
	assert.Contains(t, *st.finished[0].Error, "model overloaded")
}

func TestNormalizeResult(t *testing.T) {
	t.Run("valid JSON passes through", func(t *testing.T) {
		out := normalizeResult(`  {"summary": "fine"}  `)
		assert.JSONEq(t, `{"summary": "fine"}`, string(out))
	})

	t.Run("non-JSON output is wrapped, not discarded", func(t *testing.T) {
		out := normalizeResult("the model rambled instead")
		assert.JSONEq(t, `{"summary": "the model rambled instead"}`, string(out))
	})
}

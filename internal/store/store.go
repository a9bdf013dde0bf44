// internal/store/store.go
package store

import (
	"context"
	"time"

	"github-pr-dashboard/internal/model"
)

// CreateRepositoryParams links a repository for tracking. Linking is
// the only code path that creates a repository row.
type CreateRepositoryParams struct {
	GithubRepoID  int64
	Owner         string
	Name          string
	DefaultBranch string
	Description   *string
	URL           string
	AccessToken   string
}

// UpdateRepositoryMetadataParams refreshes stored metadata from a
// fetched snapshot and stamps the sync time.
type UpdateRepositoryMetadataParams struct {
	ID            int64
	DefaultBranch string
	Description   *string
	URL           string
	SyncedAt      time.Time
}

// ReconcilePullRequestParams carries one fetched pull request keyed by
// the external repository id. If no repository row matches the id the
// reconcile is a silent no-op.
type ReconcilePullRequestParams struct {
	GithubRepoID int64
	PullRequest  model.FetchedPullRequest
	SyncedAt     time.Time
}

// ReconcileResult reports the surrogate ids touched by a reconcile.
// Found is false when the repository was unknown and nothing was
// written.
type ReconcileResult struct {
	Found         bool
	RepositoryID  int64
	ContributorID int64
	PullRequestID int64
}

// ContributorStats is a repository-contributor link joined with the
// contributor identity, for dashboard reads.
type ContributorStats struct {
	Contributor  model.Contributor `json:"contributor"`
	PRCount      int               `json:"pr_count"`
	LinesChanged int               `json:"lines_changed"`
}

// FinishAnalysisSessionParams closes out an analysis session as
// completed (with a JSON result) or failed (with an error message).
type FinishAnalysisSessionParams struct {
	ID     string
	Status model.SessionStatus
	Result []byte
	Error  *string
}

// Store is the persistence boundary for the sync pipeline, the HTTP
// layer, and the analysis workflow. All single-row writes are assumed
// atomic; ReconcilePullRequest additionally runs its three upserts in
// one transaction, and PrunePullRequests deletes and recomputes the
// affected contributors' aggregates in one transaction.
type Store interface {
	CreateRepository(ctx context.Context, arg CreateRepositoryParams) (model.Repository, error)
	UpdateRepositoryMetadata(ctx context.Context, arg UpdateRepositoryMetadataParams) (model.Repository, error)
	ListRepositories(ctx context.Context) ([]model.Repository, error)
	GetRepositoryByOwnerAndName(ctx context.Context, owner, name string) (model.Repository, error)

	ListOpenPullNumbers(ctx context.Context, repositoryID int64) ([]int, error)
	ListPullRequestsByRepo(ctx context.Context, repositoryID int64) ([]model.PullRequest, error)
	ReconcilePullRequest(ctx context.Context, arg ReconcilePullRequestParams) (ReconcileResult, error)
	PrunePullRequests(ctx context.Context, repositoryID int64, openNumbers []int) (int64, error)

	ListContributorStats(ctx context.Context, repositoryID int64) ([]ContributorStats, error)

	CreateAnalysisSession(ctx context.Context, id string, repositoryID int64) (model.AnalysisSession, error)
	HasActiveAnalysisSession(ctx context.Context, repositoryID int64) (bool, error)
	MarkAnalysisSessionRunning(ctx context.Context, id string) error
	FinishAnalysisSession(ctx context.Context, arg FinishAnalysisSessionParams) error
	ListAnalysisSessions(ctx context.Context, repositoryID int64) ([]model.AnalysisSession, error)
}

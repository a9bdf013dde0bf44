// internal/model/models.go
package model

import (
	"time"
)

// PRStatus is the locally stored lifecycle status of a pull request.
type PRStatus string

const (
	PRStatusOpen   PRStatus = "open"
	PRStatusClosed PRStatus = "closed"
	PRStatusMerged PRStatus = "merged"
)

// DeriveStatus maps the upstream state plus merge timestamp to a local
// status. A non-nil merge timestamp wins over the raw state, so a
// merged PR is never reported as plain "closed".
func DeriveStatus(state string, mergedAt *time.Time) PRStatus {
	if mergedAt != nil {
		return PRStatusMerged
	}
	if state == "closed" {
		return PRStatusClosed
	}
	return PRStatusOpen
}

// Repository is a tracked GitHub repository. Rows are only ever
// created by an explicit link request, never as a sync side effect.
type Repository struct {
	ID            int64      `json:"id"`
	GithubRepoID  int64      `json:"github_repo_id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	DefaultBranch string     `json:"default_branch"`
	Description   *string    `json:"description"`
	URL           string     `json:"url"`
	AccessToken   string     `json:"-"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	DBCreatedAt   time.Time  `json:"created_at"`
	DBUpdatedAt   time.Time  `json:"updated_at"`
}

// Contributor is a GitHub user seen as a pull-request author. Shared
// across repositories, unique per GitHub user id.
type Contributor struct {
	ID           int64     `json:"id"`
	GithubUserID int64     `json:"github_user_id"`
	Login        string    `json:"login"`
	Name         string    `json:"name"`
	AvatarURL    string    `json:"avatar_url"`
	DBCreatedAt  time.Time `json:"created_at"`
	DBUpdatedAt  time.Time `json:"updated_at"`
}

// RepositoryContributor links a contributor to a repository and
// carries the derived aggregates. Both aggregates are recomputed from
// the stored pull requests on every touch, never patched incrementally.
type RepositoryContributor struct {
	ID            int64     `json:"id"`
	RepositoryID  int64     `json:"repository_id"`
	ContributorID int64     `json:"contributor_id"`
	PRCount       int       `json:"pr_count"`
	LinesChanged  int       `json:"lines_changed"`
	DBCreatedAt   time.Time `json:"created_at"`
	DBUpdatedAt   time.Time `json:"updated_at"`
}

// PullRequest mirrors one upstream pull request. Only PRs currently
// open upstream are kept; the pruner removes the rest each cycle.
type PullRequest struct {
	ID            int64      `json:"id"`
	GithubPRID    int64      `json:"github_pr_id"`
	RepositoryID  int64      `json:"repository_id"`
	ContributorID int64      `json:"contributor_id"`
	Number        int        `json:"number"`
	Title         string     `json:"title"`
	Body          *string    `json:"body"`
	Status        PRStatus   `json:"status"`
	Additions     int        `json:"additions"`
	Deletions     int        `json:"deletions"`
	ChangedFiles  int        `json:"changed_files"`
	PRCreatedAt   time.Time  `json:"pr_created_at"`
	MergedAt      *time.Time `json:"merged_at"`
	ClosedAt      *time.Time `json:"closed_at"`
	LastSyncedAt  time.Time  `json:"last_synced_at"`
}

// SessionStatus is the lifecycle status of an analysis session.
type SessionStatus string

const (
	SessionQueued    SessionStatus = "queued"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// AnalysisSession records one LLM-driven analysis pass over a
// repository's synced state.
type AnalysisSession struct {
	ID           string        `json:"id"`
	RepositoryID int64         `json:"repository_id"`
	Status       SessionStatus `json:"status"`
	Result       []byte        `json:"result,omitempty"`
	Error        *string       `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at"`
}

// FetchedAuthor is the author identity attached to a fetched pull
// request, before it is reconciled into a Contributor row.
type FetchedAuthor struct {
	GithubUserID int64
	Login        string
	Name         string
	AvatarURL    string
}

// FetchedPullRequest is one pull request as returned by the snapshot
// fetcher, already enriched with detail fields.
type FetchedPullRequest struct {
	GithubPRID   int64
	Number       int
	Title        string
	Body         *string
	State        string
	Additions    int
	Deletions    int
	ChangedFiles int
	CreatedAt    time.Time
	MergedAt     *time.Time
	ClosedAt     *time.Time
	Author       FetchedAuthor
}

// Snapshot is the full fetched state for one repository: current
// metadata plus every currently open pull request with detail.
type Snapshot struct {
	Repository   Repository
	PullRequests []FetchedPullRequest
}

// internal/store/pg.go
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-pr-dashboard/internal/model"
)

// PG is the Postgres implementation of Store, backed by a pgx pool.
type PG struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed store.
func New(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

const repositoryColumns = `id, github_repo_id, owner, name, default_branch, description, url, access_token, last_synced_at, created_at, updated_at`

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	err := row.Scan(&r.ID, &r.GithubRepoID, &r.Owner, &r.Name, &r.DefaultBranch, &r.Description,
		&r.URL, &r.AccessToken, &r.LastSyncedAt, &r.DBCreatedAt, &r.DBUpdatedAt)
	return r, err
}

// CreateRepository inserts a tracked repository. Re-linking an already
// tracked repository refreshes its access token and fetched identity
// (the repository may have been renamed or transferred upstream)
// instead of failing.
func (s *PG) CreateRepository(ctx context.Context, arg CreateRepositoryParams) (model.Repository, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO repositories (github_repo_id, owner, name, default_branch, description, url, access_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (github_repo_id) DO UPDATE SET
			owner          = EXCLUDED.owner,
			name           = EXCLUDED.name,
			default_branch = EXCLUDED.default_branch,
			description    = EXCLUDED.description,
			url            = EXCLUDED.url,
			access_token   = EXCLUDED.access_token,
			updated_at     = now()
		RETURNING `+repositoryColumns,
		arg.GithubRepoID, arg.Owner, arg.Name, arg.DefaultBranch, arg.Description, arg.URL, arg.AccessToken)
	return scanRepository(row)
}

// UpdateRepositoryMetadata refreshes fetched metadata and the
// last-synced timestamp.
func (s *PG) UpdateRepositoryMetadata(ctx context.Context, arg UpdateRepositoryMetadataParams) (model.Repository, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE repositories SET
			default_branch = $2,
			description    = $3,
			url            = $4,
			last_synced_at = $5,
			updated_at     = now()
		WHERE id = $1
		RETURNING `+repositoryColumns,
		arg.ID, arg.DefaultBranch, arg.Description, arg.URL, arg.SyncedAt)
	return scanRepository(row)
}

func (s *PG) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY owner, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *PG) GetRepositoryByOwnerAndName(ctx context.Context, owner, name string) (model.Repository, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE owner = $1 AND name = $2`, owner, name)
	return scanRepository(row)
}

// ListOpenPullNumbers returns the numbers of locally stored PRs marked
// open, i.e. the pre-cycle snapshot the change detector compares
// against.
func (s *PG) ListOpenPullNumbers(ctx context.Context, repositoryID int64) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT number FROM pull_requests WHERE repository_id = $1 AND status = 'open' ORDER BY number`,
		repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

const pullRequestColumns = `id, github_pr_id, repository_id, contributor_id, number, title, body, status,
	additions, deletions, changed_files, pr_created_at, merged_at, closed_at, last_synced_at`

func (s *PG) ListPullRequestsByRepo(ctx context.Context, repositoryID int64) ([]model.PullRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests WHERE repository_id = $1 ORDER BY number`,
		repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pulls []model.PullRequest
	for rows.Next() {
		var p model.PullRequest
		if err := rows.Scan(&p.ID, &p.GithubPRID, &p.RepositoryID, &p.ContributorID, &p.Number,
			&p.Title, &p.Body, &p.Status, &p.Additions, &p.Deletions, &p.ChangedFiles,
			&p.PRCreatedAt, &p.MergedAt, &p.ClosedAt, &p.LastSyncedAt); err != nil {
			return nil, err
		}
		pulls = append(pulls, p)
	}
	return pulls, rows.Err()
}

// ReconcilePullRequest upserts the contributor, the pull request, and
// the repository-contributor link in one transaction, so a PR row can
// never exist without its author link. The repository lookup is by
// external id; an unknown repository is a no-op, not an error — a sync
// must never create a repository row as a side effect.
func (s *PG) ReconcilePullRequest(ctx context.Context, arg ReconcilePullRequestParams) (ReconcileResult, error) {
	var res ReconcileResult
	pr := arg.PullRequest

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id FROM repositories WHERE github_repo_id = $1`, arg.GithubRepoID).
			Scan(&res.RepositoryID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		} else if err != nil {
			return err
		}

		// Empty fetched values must never erase a previously known
		// login, name, or avatar.
		err = tx.QueryRow(ctx, `
			INSERT INTO contributors (github_user_id, login, name, avatar_url)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (github_user_id) DO UPDATE SET
				login      = COALESCE(NULLIF(EXCLUDED.login, ''), contributors.login),
				name       = COALESCE(NULLIF(EXCLUDED.name, ''), contributors.name),
				avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), contributors.avatar_url),
				updated_at = now()
			RETURNING id`,
			pr.Author.GithubUserID, pr.Author.Login, pr.Author.Name, pr.Author.AvatarURL).
			Scan(&res.ContributorID)
		if err != nil {
			return err
		}

		status := model.DeriveStatus(pr.State, pr.MergedAt)
		err = tx.QueryRow(ctx, `
			INSERT INTO pull_requests (github_pr_id, repository_id, contributor_id, number, title, body,
				status, additions, deletions, changed_files, pr_created_at, merged_at, closed_at, last_synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (repository_id, number) DO UPDATE SET
				github_pr_id   = EXCLUDED.github_pr_id,
				contributor_id = EXCLUDED.contributor_id,
				title          = EXCLUDED.title,
				body           = EXCLUDED.body,
				status         = EXCLUDED.status,
				additions      = EXCLUDED.additions,
				deletions      = EXCLUDED.deletions,
				changed_files  = EXCLUDED.changed_files,
				pr_created_at  = EXCLUDED.pr_created_at,
				merged_at      = EXCLUDED.merged_at,
				closed_at      = EXCLUDED.closed_at,
				last_synced_at = EXCLUDED.last_synced_at
			RETURNING id`,
			pr.GithubPRID, res.RepositoryID, res.ContributorID, pr.Number, pr.Title, pr.Body,
			status, pr.Additions, pr.Deletions, pr.ChangedFiles, pr.CreatedAt, pr.MergedAt, pr.ClosedAt, arg.SyncedAt).
			Scan(&res.PullRequestID)
		if err != nil {
			return err
		}

		// Both aggregates are recomputed from the stored PRs in one
		// query, so pr_count and lines_changed cannot drift apart.
		if _, err := tx.Exec(ctx, recomputeAggregatesSQL, res.RepositoryID, res.ContributorID); err != nil {
			return err
		}

		res.Found = true
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return res, nil
}

// recomputeAggregatesSQL rewrites one repository-contributor link from
// the pull requests currently stored for that pair.
const recomputeAggregatesSQL = `
	INSERT INTO repository_contributors (repository_id, contributor_id, pr_count, lines_changed)
	SELECT $1, $2, COUNT(*), COALESCE(SUM(additions + deletions), 0)
	FROM pull_requests
	WHERE repository_id = $1 AND contributor_id = $2
	ON CONFLICT (repository_id, contributor_id) DO UPDATE SET
		pr_count      = EXCLUDED.pr_count,
		lines_changed = EXCLUDED.lines_changed,
		updated_at    = now()`

// PrunePullRequests deletes every stored PR for the repository whose
// number is not in the authoritative open set, then recomputes the
// aggregates of every contributor who lost a row — deletion touches
// those contributors, so their pr_count/lines_changed must reflect the
// surviving rows. Idempotent: deleting an already-absent number is a
// no-op.
func (s *PG) PrunePullRequests(ctx context.Context, repositoryID int64, openNumbers []int) (int64, error) {
	keep := make([]int32, len(openNumbers))
	for i, n := range openNumbers {
		keep[i] = int32(n)
	}

	var deleted int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`DELETE FROM pull_requests WHERE repository_id = $1 AND NOT (number = ANY($2)) RETURNING contributor_id`,
			repositoryID, keep)
		if err != nil {
			return err
		}

		touched := make(map[int64]struct{})
		for rows.Next() {
			var contributorID int64
			if err := rows.Scan(&contributorID); err != nil {
				rows.Close()
				return err
			}
			touched[contributorID] = struct{}{}
			deleted++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for contributorID := range touched {
			if _, err := tx.Exec(ctx, recomputeAggregatesSQL, repositoryID, contributorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *PG) ListContributorStats(ctx context.Context, repositoryID int64) ([]ContributorStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.github_user_id, c.login, c.name, c.avatar_url, c.created_at, c.updated_at,
			rc.pr_count, rc.lines_changed
		FROM repository_contributors rc
		JOIN contributors c ON c.id = rc.contributor_id
		WHERE rc.repository_id = $1
		ORDER BY rc.pr_count DESC, c.login`,
		repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ContributorStats
	for rows.Next() {
		var cs ContributorStats
		if err := rows.Scan(&cs.Contributor.ID, &cs.Contributor.GithubUserID, &cs.Contributor.Login,
			&cs.Contributor.Name, &cs.Contributor.AvatarURL, &cs.Contributor.DBCreatedAt,
			&cs.Contributor.DBUpdatedAt, &cs.PRCount, &cs.LinesChanged); err != nil {
			return nil, err
		}
		stats = append(stats, cs)
	}
	return stats, rows.Err()
}

const sessionColumns = `id, repository_id, status, result, error, started_at, finished_at`

func scanSession(row pgx.Row) (model.AnalysisSession, error) {
	var a model.AnalysisSession
	err := row.Scan(&a.ID, &a.RepositoryID, &a.Status, &a.Result, &a.Error, &a.StartedAt, &a.FinishedAt)
	return a, err
}

func (s *PG) CreateAnalysisSession(ctx context.Context, id string, repositoryID int64) (model.AnalysisSession, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO analysis_sessions (id, repository_id, status)
		VALUES ($1, $2, 'queued')
		RETURNING `+sessionColumns, id, repositoryID)
	return scanSession(row)
}

// HasActiveAnalysisSession reports whether a session for the
// repository is queued or running; the trigger path uses it as its
// single-flight guard.
func (s *PG) HasActiveAnalysisSession(ctx context.Context, repositoryID int64) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM analysis_sessions
			WHERE repository_id = $1 AND status IN ('queued', 'running')
		)`, repositoryID).Scan(&active)
	return active, err
}

func (s *PG) MarkAnalysisSessionRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE analysis_sessions SET status = 'running' WHERE id = $1`, id)
	return err
}

func (s *PG) FinishAnalysisSession(ctx context.Context, arg FinishAnalysisSessionParams) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_sessions SET
			status      = $2,
			result      = $3,
			error       = $4,
			finished_at = now()
		WHERE id = $1`,
		arg.ID, arg.Status, arg.Result, arg.Error)
	return err
}

func (s *PG) ListAnalysisSessions(ctx context.Context, repositoryID int64) ([]model.AnalysisSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions WHERE repository_id = $1 ORDER BY started_at DESC`,
		repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.AnalysisSession
	for rows.Next() {
		a, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, a)
	}
	return sessions, rows.Err()
}

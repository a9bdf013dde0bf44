// internal/analysis/analysis.go
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github-pr-dashboard/internal/model"
	"github-pr-dashboard/internal/store"
)

const runTimeout = 120 * time.Second

const systemPrompt = `You are an engineering-activity analyst. You receive a digest of a
repository's currently open pull requests and per-contributor statistics.

Respond with a single JSON object and nothing else, following this schema:
{
  "summary": "two or three sentences describing the current PR activity",
  "hotspots": ["areas of the codebase with concentrated changes, if inferable from PR titles"],
  "contributors": [
    {"login": "string", "observation": "one sentence about this contributor's current focus"}
  ]
}`

// LLM is the reasoning backend. Satisfied by the Anthropic client
// wrapper below and by fakes in tests.
type LLM interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Runner schedules and executes analysis sessions. It implements the
// syncer's Trigger interface: triggering is fire-and-forget and
// single-flight per repository.
type Runner struct {
	store  store.Store
	llm    LLM
	logger *slog.Logger
}

// NewRunner creates a Runner. A nil llm disables analysis: triggers
// become logged no-ops, mirroring the fetcher's missing-credential
// semantics.
func NewRunner(st store.Store, llm LLM, logger *slog.Logger) *Runner {
	return &Runner{store: st, llm: llm, logger: logger}
}

// TriggerAnalysis schedules one analysis pass for the repository. A
// scheduling failure is logged, never propagated: the caller's sync
// cycle must not fail because analysis could not start. If a session
// is already queued or running the request coalesces into it.
func (r *Runner) TriggerAnalysis(repositoryID int64) {
	if r.llm == nil {
		r.logger.Debug("Analysis disabled, ignoring trigger", "repo_id", repositoryID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active, err := r.store.HasActiveAnalysisSession(ctx, repositoryID)
	if err != nil {
		r.logger.Error("Failed to check active analysis sessions", "repo_id", repositoryID, "error", err)
		return
	}
	if active {
		r.logger.Debug("Analysis already in flight, coalescing trigger", "repo_id", repositoryID)
		return
	}

	session, err := r.store.CreateAnalysisSession(ctx, uuid.NewString(), repositoryID)
	if err != nil {
		r.logger.Error("Failed to create analysis session", "repo_id", repositoryID, "error", err)
		return
	}

	go r.run(session)
}

// run executes one session to completion, moving it through
// queued -> running -> completed|failed.
func (r *Runner) run(session model.AnalysisSession) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	logger := r.logger.With("session_id", session.ID, "repo_id", session.RepositoryID)

	if err := r.store.MarkAnalysisSessionRunning(ctx, session.ID); err != nil {
		logger.Error("Failed to mark analysis session running", "error", err)
		r.fail(session.ID, err)
		return
	}

	prompt, err := r.buildPrompt(ctx, session.RepositoryID)
	if err != nil {
		logger.Error("Failed to build analysis prompt", "error", err)
		r.fail(session.ID, err)
		return
	}

	raw, err := r.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		logger.Error("Analysis completion failed", "error", err)
		r.fail(session.ID, err)
		return
	}

	result := normalizeResult(raw)
	if err := r.store.FinishAnalysisSession(ctx, store.FinishAnalysisSessionParams{
		ID:     session.ID,
		Status: model.SessionCompleted,
		Result: result,
	}); err != nil {
		logger.Error("Failed to store analysis result", "error", err)
		return
	}
	logger.Info("Analysis session completed")
}

func (r *Runner) fail(sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := cause.Error()
	if err := r.store.FinishAnalysisSession(ctx, store.FinishAnalysisSessionParams{
		ID:     sessionID,
		Status: model.SessionFailed,
		Error:  &msg,
	}); err != nil {
		r.logger.Error("Failed to mark analysis session failed", "session_id", sessionID, "error", err)
	}
}

// buildPrompt digests the repository's stored open PRs and contributor
// aggregates into the analysis input.
func (r *Runner) buildPrompt(ctx context.Context, repositoryID int64) (string, error) {
	pulls, err := r.store.ListPullRequestsByRepo(ctx, repositoryID)
	if err != nil {
		return "", err
	}
	stats, err := r.store.ListContributorStats(ctx, repositoryID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Open pull requests (%d):\n", len(pulls))
	for _, pr := range pulls {
		fmt.Fprintf(&b, "- #%d %q (+%d/-%d across %d files)\n",
			pr.Number, pr.Title, pr.Additions, pr.Deletions, pr.ChangedFiles)
	}
	fmt.Fprintf(&b, "\nContributors (%d):\n", len(stats))
	for _, cs := range stats {
		fmt.Fprintf(&b, "- %s: %d open PRs, %d lines changed\n",
			cs.Contributor.Login, cs.PRCount, cs.LinesChanged)
	}
	return b.String(), nil
}

// normalizeResult keeps whatever valid JSON the model produced; if the
// output is not valid JSON it is wrapped as a plain summary rather
// than discarded.
func normalizeResult(raw string) []byte {
	trimmed := strings.TrimSpace(raw)
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"summary": trimmed})
	return wrapped
}

// AnthropicLLM calls the Anthropic Messages API.
type AnthropicLLM struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicLLM creates the production LLM backend.
func NewAnthropicLLM(apiKey, modelName string) *AnthropicLLM {
	return &AnthropicLLM{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(modelName),
	}
}

func (a *AnthropicLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// Package report carries a post from a user's report through a moderator's
// resolution.
package report

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/modules/forum"
	"anoa.com/communityforum/internal/modules/moderation"
	"anoa.com/communityforum/internal/modules/session"
	"anoa.com/communityforum/pkg/apperror"
	"anoa.com/communityforum/pkg/ratelimiter"
	"anoa.com/communityforum/pkg/validator"
	"github.com/google/uuid"
)

const maxReasonLength = 1000

type Outcome string

const (
	// OutcomeApprove keeps the post, clears its report count and dismisses
	// the pending reports.
	OutcomeApprove Outcome = "approve"
	// OutcomeRemove resolves the pending reports and deletes the post.
	OutcomeRemove Outcome = "remove"
)

func (o Outcome) Valid() bool {
	return o == OutcomeApprove || o == OutcomeRemove
}

func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("unknown outcome %q: %w", s, apperror.ErrValidation)
	}
	return o, nil
}

// Resolution is what ResolveReport did. Post is nil when the post was removed.
type Resolution struct {
	Outcome  Outcome      `json:"outcome"`
	Resolved int          `json:"resolved"`
	Post     *entity.Post `json:"post,omitempty"`
}

// PendingReport pairs a queued report with the post it points at, when the
// post still exists.
type PendingReport struct {
	entity.Report
	Post *entity.Post `json:"post,omitempty"`
}

type Workflow interface {
	SubmitReport(ctx context.Context, actor moderation.Actor, postID uuid.UUID, reason string) (*entity.Report, error)
	ResolveReport(ctx context.Context, actor moderation.Actor, postID uuid.UUID, outcome Outcome) (*Resolution, error)
	PendingReports(ctx context.Context, actor moderation.Actor) ([]PendingReport, error)
}

type workflow struct {
	moderation.Authority
	backend  backend.Store
	store    *forum.Store
	limiter  *ratelimiter.Limiter
	cooldown time.Duration
	now      func() time.Time
}

// NewWorkflow wires the report workflow. limiter may be nil to disable the
// per-user report cooldown.
func NewWorkflow(b backend.Store, store *forum.Store, limiter *ratelimiter.Limiter, cooldown time.Duration) Workflow {
	return &workflow{
		backend:  b,
		store:    store,
		limiter:  limiter,
		cooldown: cooldown,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *workflow) reconcile(ctx context.Context, c forum.Change) {
	if err := w.store.Apply(ctx, c); err != nil {
		log.Printf("report: dropping %s %s row %s: %v", c.Table, c.Kind, c.ID, err)
	}
}

func (w *workflow) post(ctx context.Context, id uuid.UUID) (*entity.Post, error) {
	if p, ok := w.store.Post(id); ok {
		return p, nil
	}
	p, err := w.backend.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	p.ResolveAuthorName()
	return p, nil
}

func (w *workflow) SubmitReport(ctx context.Context, actor moderation.Actor, postID uuid.UUID, reason string) (*entity.Report, error) {
	if _, err := actor.Require(session.Authenticated()); err != nil {
		return nil, err
	}
	post, err := w.post(ctx, postID)
	if err != nil {
		return nil, err
	}
	reporter, err := w.CanReportPost(actor, post)
	if err != nil {
		return nil, err
	}
	if post.Status == entity.PostDeleted {
		return nil, fmt.Errorf("post %s was deleted: %w", postID, apperror.ErrNotFound)
	}
	reason = validator.StripTags(reason)
	if reason == "" || len(reason) > maxReasonLength {
		return nil, fmt.Errorf("reason must be between 1 and %d characters: %w", maxReasonLength, apperror.ErrValidation)
	}

	release := func() {}
	if w.limiter != nil {
		release, err = w.limiter.Acquire(ctx, reporter.ID, ratelimiter.Rule{Action: "report", Cooldown: w.cooldown})
		if err != nil {
			return nil, err
		}
	}
	creationFailed := true
	defer func() {
		if creationFailed {
			release()
		}
	}()

	optimistic := post.Clone()
	optimistic.SetReportCount(post.ReportCount + 1)
	optimistic.UpdatedAt = w.now()
	snap := w.store.Capture(backend.TablePosts, postID)
	applied := forum.UpdatePost(optimistic)
	if err := w.store.Apply(ctx, applied); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		w.store.Revert(snap, applied)
		return nil, fmt.Errorf("generate report id: %w", err)
	}
	report := &entity.Report{
		ID:         id,
		PostID:     postID,
		ReporterID: reporter.ID,
		Reason:     reason,
		Status:     entity.ReportPending,
	}
	row, err := w.backend.FileReport(ctx, report)
	if err != nil {
		w.store.Revert(snap, applied)
		return nil, err
	}
	creationFailed = false
	w.reconcile(ctx, forum.UpdatePost(row))
	return report, nil
}

func (w *workflow) ResolveReport(ctx context.Context, actor moderation.Actor, postID uuid.UUID, outcome Outcome) (*Resolution, error) {
	reviewer, err := w.CanResolveReport(actor)
	if err != nil {
		return nil, err
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("unknown outcome %q: %w", outcome, apperror.ErrValidation)
	}
	pendingStatus := entity.ReportPending
	pending, err := w.backend.ListReports(ctx, backend.ReportQuery{Status: &pendingStatus, PostID: &postID})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("no pending reports for post %s: %w", postID, apperror.ErrConflict)
	}
	post, err := w.post(ctx, postID)
	if err != nil {
		return nil, err
	}

	input := backend.ResolveReportsInput{
		PostID:     postID,
		ResolvedBy: reviewer.ID,
		ResolvedAt: w.now(),
	}
	snap := w.store.Capture(backend.TablePosts, postID)

	if outcome == OutcomeApprove {
		optimistic := post.Clone()
		optimistic.SetReportCount(0)
		optimistic.UpdatedAt = w.now()
		applied := forum.UpdatePost(optimistic)
		if err := w.store.Apply(ctx, applied); err != nil {
			return nil, err
		}
		input.Status, input.ResetPost = entity.ReportDismissed, true
		res, err := w.backend.ResolveReports(ctx, input)
		if err != nil {
			w.store.Revert(snap, applied)
			return nil, err
		}
		kept := optimistic
		if res.Post != nil {
			w.reconcile(ctx, forum.UpdatePost(res.Post))
			kept = res.Post
		}
		if held, ok := w.store.Post(postID); ok {
			kept = held
		}
		return &Resolution{Outcome: outcome, Resolved: res.Resolved, Post: kept}, nil
	}

	applied := forum.DeletePost(postID)
	if err := w.store.Apply(ctx, applied); err != nil {
		return nil, err
	}
	input.Status, input.DeletePost = entity.ReportResolved, true
	res, err := w.backend.ResolveReports(ctx, input)
	if err != nil {
		w.store.Revert(snap, applied)
		return nil, err
	}
	return &Resolution{Outcome: outcome, Resolved: res.Resolved}, nil
}

func (w *workflow) PendingReports(ctx context.Context, actor moderation.Actor) ([]PendingReport, error) {
	if _, err := w.CanResolveReport(actor); err != nil {
		return nil, err
	}
	pendingStatus := entity.ReportPending
	reports, err := w.backend.ListReports(ctx, backend.ReportQuery{Status: &pendingStatus})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].CreatedAt.Before(reports[j].CreatedAt) })

	out := make([]PendingReport, 0, len(reports))
	for _, r := range reports {
		item := PendingReport{Report: r}
		if p, ok := w.store.Post(r.PostID); ok {
			item.Post = p
		}
		out = append(out, item)
	}
	return out, nil
}

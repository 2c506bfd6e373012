package postgres

import (
	"context"
	"fmt"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// event is a change to publish once the transaction that made it commits.
type event struct {
	kind          backend.EventKind
	table         backend.Table
	id            uuid.UUID
	before, after any
}

func (b *Backend) publishAll(ctx context.Context, events []event) {
	for _, ev := range events {
		b.publish(ctx, ev.kind, ev.table, ev.id, ev.before, ev.after)
	}
}

func withThreadRelations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Author").
		Preload("Posts", func(db *gorm.DB) *gorm.DB {
			return db.Order("posts.created_at ASC")
		}).
		Preload("Posts.Author")
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// bare returns a copy without relations, the shape rows take on the feed.
func bareThread(t *entity.Thread) *entity.Thread {
	cp := t.Clone()
	cp.Author, cp.Posts = nil, nil
	return cp
}

func barePost(p *entity.Post) *entity.Post {
	cp := p.Clone()
	cp.Author = nil
	return cp
}

// Reads

func (b *Backend) ListCategories(ctx context.Context) ([]entity.Category, error) {
	var categories []entity.Category
	if err := b.db.WithContext(ctx).Order("name ASC").Find(&categories).Error; err != nil {
		return nil, mapError(err, "list categories")
	}
	return categories, nil
}

func (b *Backend) ListThreads(ctx context.Context, query backend.ThreadQuery) ([]entity.Thread, error) {
	var threads []entity.Thread
	q := withThreadRelations(b.db.WithContext(ctx))
	if query.CategoryID != nil {
		q = q.Where("category_id = ?", *query.CategoryID)
	}
	if err := q.Order("created_at DESC").Find(&threads).Error; err != nil {
		return nil, mapError(err, "list threads")
	}
	return threads, nil
}

func (b *Backend) GetThread(ctx context.Context, id uuid.UUID) (*entity.Thread, error) {
	var t entity.Thread
	if err := withThreadRelations(b.db.WithContext(ctx)).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, mapError(err, fmt.Sprintf("thread %s", id))
	}
	return &t, nil
}

func (b *Backend) GetPost(ctx context.Context, id uuid.UUID) (*entity.Post, error) {
	var p entity.Post
	if err := b.db.WithContext(ctx).Preload("Author").Where("id = ?", id).First(&p).Error; err != nil {
		return nil, mapError(err, fmt.Sprintf("post %s", id))
	}
	return &p, nil
}

func (b *Backend) author(ctx context.Context, id uuid.UUID) *entity.Profile {
	p, err := b.GetProfile(ctx, id)
	if err != nil {
		return nil
	}
	return p
}

// Thread writes

func (b *Backend) InsertThread(ctx context.Context, thread *entity.Thread) error {
	row := bareThread(thread)
	if err := b.db.WithContext(ctx).Omit(clause.Associations).Create(row).Error; err != nil {
		return mapError(err, fmt.Sprintf("thread %s", thread.ID))
	}
	thread.ID, thread.CreatedAt, thread.UpdatedAt = row.ID, row.CreatedAt, row.UpdatedAt
	thread.Author = b.author(ctx, thread.AuthorID)
	b.publish(ctx, backend.EventInsert, backend.TableThreads, row.ID, nil, row)
	return nil
}

func applyStamp(s *backend.Stamp, on *bool, at **time.Time, by **uuid.UUID) {
	*on = s.On
	if !s.On {
		*at, *by = nil, nil
		return
	}
	stampAt, stampBy := s.At, s.By
	*at, *by = &stampAt, &stampBy
}

func (b *Backend) UpdateThread(ctx context.Context, id uuid.UUID, patch backend.ThreadPatch) (*entity.Thread, error) {
	var before, after *entity.Thread
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t entity.Thread
		if err := forUpdate(tx).Where("id = ?", id).First(&t).Error; err != nil {
			return err
		}
		before = t.Clone()
		if patch.Title != nil {
			t.Title = *patch.Title
		}
		if patch.Content != nil {
			t.Content = *patch.Content
		}
		if patch.Pin != nil {
			applyStamp(patch.Pin, &t.IsPinned, &t.PinnedAt, &t.PinnedBy)
		}
		if patch.Lock != nil {
			applyStamp(patch.Lock, &t.IsLocked, &t.LockedAt, &t.LockedBy)
		}
		if err := tx.Omit(clause.Associations).Save(&t).Error; err != nil {
			return err
		}
		after = &t
		return nil
	})
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("thread %s", id))
	}
	b.publish(ctx, backend.EventUpdate, backend.TableThreads, id, before, after)
	out := after.Clone()
	out.Author = b.author(ctx, out.AuthorID)
	return out, nil
}

func (b *Backend) DeleteThread(ctx context.Context, id uuid.UUID) error {
	var events []event
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t entity.Thread
		if err := forUpdate(tx).Where("id = ?", id).First(&t).Error; err != nil {
			return err
		}
		var posts []entity.Post
		if err := tx.Where("thread_id = ? AND status <> ?", id, entity.PostDeleted).Find(&posts).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range posts {
			before := posts[i].Clone()
			posts[i].Status = entity.PostDeleted
			posts[i].UpdatedAt = now
			if err := tx.Model(&entity.Post{}).Where("id = ?", posts[i].ID).
				UpdateColumns(map[string]any{"status": entity.PostDeleted, "updated_at": now}).Error; err != nil {
				return err
			}
			events = append(events, event{backend.EventUpdate, backend.TablePosts, posts[i].ID, before, &posts[i]})
		}
		if err := tx.Delete(&entity.Thread{}, "id = ?", id).Error; err != nil {
			return err
		}
		events = append(events, event{backend.EventDelete, backend.TableThreads, id, &t, nil})
		return nil
	})
	if err != nil {
		return mapError(err, fmt.Sprintf("thread %s", id))
	}
	b.publishAll(ctx, events)
	return nil
}

// Post writes

func (b *Backend) InsertPost(ctx context.Context, post *entity.Post) error {
	row := barePost(post)
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t entity.Thread
		if err := forUpdate(tx).Select("id", "is_locked").Where("id = ?", post.ThreadID).First(&t).Error; err != nil {
			return err
		}
		if t.IsLocked {
			return fmt.Errorf("thread %s is locked: %w", t.ID, apperror.ErrPermissionDenied)
		}
		return tx.Omit(clause.Associations).Create(row).Error
	})
	if err != nil {
		return mapError(err, fmt.Sprintf("post in thread %s", post.ThreadID))
	}
	post.ID, post.Status, post.CreatedAt, post.UpdatedAt = row.ID, row.Status, row.CreatedAt, row.UpdatedAt
	post.Author = b.author(ctx, post.AuthorID)
	b.publish(ctx, backend.EventInsert, backend.TablePosts, row.ID, nil, row)
	return nil
}

func (b *Backend) UpdatePost(ctx context.Context, id uuid.UUID, patch backend.PostPatch) (*entity.Post, error) {
	var before, after *entity.Post
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p entity.Post
		if err := forUpdate(tx).Where("id = ?", id).First(&p).Error; err != nil {
			return err
		}
		before = p.Clone()
		if patch.Content != nil {
			p.Content = *patch.Content
		}
		if patch.Status != nil {
			if !patch.Status.Valid() {
				return fmt.Errorf("unknown post status %q: %w", *patch.Status, apperror.ErrValidation)
			}
			p.Status = *patch.Status
		}
		if patch.ReportCount != nil {
			p.SetReportCount(*patch.ReportCount)
		}
		if err := tx.Omit(clause.Associations).Save(&p).Error; err != nil {
			return err
		}
		after = &p
		return nil
	})
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("post %s", id))
	}
	b.publish(ctx, backend.EventUpdate, backend.TablePosts, id, before, after)
	out := after.Clone()
	out.Author = b.author(ctx, out.AuthorID)
	return out, nil
}

func (b *Backend) DeletePost(ctx context.Context, id uuid.UUID) error {
	var before entity.Post
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).Where("id = ?", id).First(&before).Error; err != nil {
			return err
		}
		return tx.Delete(&entity.Post{}, "id = ?", id).Error
	})
	if err != nil {
		return mapError(err, fmt.Sprintf("post %s", id))
	}
	b.publish(ctx, backend.EventDelete, backend.TablePosts, id, &before, nil)
	return nil
}

// Reports

func (b *Backend) FileReport(ctx context.Context, report *entity.Report) (*entity.Post, error) {
	var before, after entity.Post
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).Where("id = ?", report.PostID).First(&before).Error; err != nil {
			return err
		}
		report.Status = entity.ReportPending
		if err := tx.Create(report).Error; err != nil {
			return err
		}
		if err := tx.Model(&entity.Post{}).Where("id = ?", report.PostID).UpdateColumns(map[string]any{
			"report_count": gorm.Expr("report_count + 1"),
			"is_reported":  true,
			"updated_at":   time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", report.PostID).First(&after).Error
	})
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("report on post %s", report.PostID))
	}
	b.publish(ctx, backend.EventInsert, backend.TableReports, report.ID, nil, report)
	b.publish(ctx, backend.EventUpdate, backend.TablePosts, after.ID, &before, &after)
	out := after.Clone()
	out.Author = b.author(ctx, out.AuthorID)
	return out, nil
}

func (b *Backend) ResolveReports(ctx context.Context, input backend.ResolveReportsInput) (*backend.ResolveReportsResult, error) {
	res := &backend.ResolveReportsResult{}
	var events []event
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []entity.Report
		if err := forUpdate(tx).Where("post_id = ? AND status = ?", input.PostID, entity.ReportPending).Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return fmt.Errorf("no pending reports for post %s: %w", input.PostID, apperror.ErrConflict)
		}
		by, at := input.ResolvedBy, input.ResolvedAt
		for i := range pending {
			pending[i].Status, pending[i].ResolvedBy, pending[i].ResolvedAt = input.Status, &by, &at
			if err := tx.Model(&entity.Report{}).Where("id = ?", pending[i].ID).UpdateColumns(map[string]any{
				"status":      input.Status,
				"resolved_by": by,
				"resolved_at": at,
			}).Error; err != nil {
				return err
			}
			events = append(events, event{backend.EventUpdate, backend.TableReports, pending[i].ID, nil, &pending[i]})
		}
		res.Resolved = len(pending)

		if input.DeletePost {
			var before entity.Post
			if err := forUpdate(tx).Where("id = ?", input.PostID).First(&before).Error; err != nil {
				return err
			}
			if err := tx.Delete(&entity.Post{}, "id = ?", input.PostID).Error; err != nil {
				return err
			}
			events = append(events, event{backend.EventDelete, backend.TablePosts, input.PostID, &before, nil})
			return nil
		}
		if !input.ResetPost {
			return nil
		}
		var before, after entity.Post
		if err := forUpdate(tx).Where("id = ?", input.PostID).First(&before).Error; err != nil {
			return err
		}
		if err := tx.Model(&entity.Post{}).Where("id = ?", input.PostID).UpdateColumns(map[string]any{
			"report_count": 0,
			"is_reported":  false,
			"updated_at":   time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", input.PostID).First(&after).Error; err != nil {
			return err
		}
		events = append(events, event{backend.EventUpdate, backend.TablePosts, after.ID, &before, &after})
		res.Post = after.Clone()
		return nil
	})
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("reports on post %s", input.PostID))
	}
	b.publishAll(ctx, events)
	if res.Post != nil {
		res.Post.Author = b.author(ctx, res.Post.AuthorID)
	}
	return res, nil
}

func (b *Backend) ListReports(ctx context.Context, query backend.ReportQuery) ([]entity.Report, error) {
	var reports []entity.Report
	q := b.db.WithContext(ctx)
	if query.Status != nil {
		q = q.Where("status = ?", *query.Status)
	}
	if query.PostID != nil {
		q = q.Where("post_id = ?", *query.PostID)
	}
	if err := q.Order("created_at ASC").Find(&reports).Error; err != nil {
		return nil, mapError(err, "list reports")
	}
	return reports, nil
}

// Profiles

func (b *Backend) ListProfiles(ctx context.Context) ([]entity.Profile, error) {
	var profiles []entity.Profile
	if err := b.db.WithContext(ctx).Omit("password_hash").Order("created_at ASC").Find(&profiles).Error; err != nil {
		return nil, mapError(err, "list profiles")
	}
	return profiles, nil
}

func (b *Backend) UpdateProfile(ctx context.Context, id uuid.UUID, patch backend.ProfilePatch) (*entity.Profile, error) {
	var before, after *entity.Profile
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p entity.Profile
		if err := forUpdate(tx).Where("id = ?", id).First(&p).Error; err != nil {
			return err
		}
		before = p.Clone()
		if patch.Role != nil {
			if !patch.Role.Valid() {
				return fmt.Errorf("unknown role %q: %w", *patch.Role, apperror.ErrValidation)
			}
			p.Role = *patch.Role
		}
		if patch.Ban != nil {
			applyStamp(patch.Ban, &p.IsBanned, &p.BannedAt, &p.BannedBy)
		}
		if err := tx.Save(&p).Error; err != nil {
			return err
		}
		after = &p
		return nil
	})
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("profile %s", id))
	}
	b.publish(ctx, backend.EventUpdate, backend.TableProfiles, id, before, after)
	return after, nil
}

func (b *Backend) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	var before entity.Profile
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).Where("id = ?", id).First(&before).Error; err != nil {
			return err
		}
		return tx.Delete(&entity.Profile{}, "id = ?", id).Error
	})
	if err != nil {
		return mapError(err, fmt.Sprintf("profile %s", id))
	}
	b.publish(ctx, backend.EventDelete, backend.TableProfiles, id, &before, nil)
	return nil
}

package bootstrap

import (
	"context"
	"testing"

	"anoa.com/communityforum/internal/backend/memory"
	"anoa.com/communityforum/internal/entity"
)

func TestSeedMemoryIsIdempotent(t *testing.T) {
	b := memory.New()
	if err := SeedMemory(b); err != nil {
		t.Fatal(err)
	}
	if err := SeedMemory(b); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	categories, err := b.ListCategories(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(categories) != len(defaultCategories) {
		t.Errorf("expected %d categories, got %d", len(defaultCategories), len(categories))
	}

	sess, err := b.SignIn(context.Background(), adminEmail, adminPassword)
	if err != nil {
		t.Fatalf("admin sign in: %v", err)
	}
	admin, err := b.GetProfile(context.Background(), sess.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if admin.Role != entity.RoleAdmin {
		t.Errorf("expected admin role, got %s", admin.Role)
	}
}

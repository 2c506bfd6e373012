package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"

	"anoa.com/communityforum/internal/backend/memory"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	adminUsername = "admin"
	adminEmail    = "admin@forum.local"
	adminPassword = "admin123"
)

var defaultCategories = []entity.Category{
	{Name: "General", Slug: "general", Description: "Anything goes", Color: "#6b7280"},
	{Name: "Announcements", Slug: "announcements", Description: "News from the moderators", Color: "#ef4444"},
	{Name: "Help", Slug: "help", Description: "Questions and answers", Color: "#3b82f6"},
}

func SeedCategories(db *gorm.DB) error {
	for _, category := range defaultCategories {
		var count int64
		if err := db.Model(&entity.Category{}).
			Where("slug = ?", category.Slug).
			Count(&count).Error; err != nil {
			return err
		}

		if count == 0 {
			if err := db.Create(&category).Error; err != nil {
				return err
			}
		}
	}

	return nil
}

// SeedAdminUser creates the development admin account once.
func SeedAdminUser(db *gorm.DB) error {
	var count int64
	if err := db.Model(&entity.Profile{}).
		Where("email = ?", adminEmail).
		Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		log.Println("bootstrap: admin user already exists, skipping seed")
		return nil
	}

	hashedPasswordBytes, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	admin := entity.Profile{
		Username:     adminUsername,
		Email:        adminEmail,
		PasswordHash: string(hashedPasswordBytes),
		Role:         entity.RoleAdmin,
	}
	if err := db.Create(&admin).Error; err != nil {
		return err
	}

	logAdminSeeded()
	return nil
}

// SeedMemory gives a fresh in-process backend the default categories and the
// development admin.
func SeedMemory(b *memory.Backend) error {
	existing, err := b.ListCategories(context.Background())
	if err != nil {
		return err
	}
	seen := entity.Categories(existing).Slugs()
	for _, category := range defaultCategories {
		if !seen[category.Slug] {
			b.AddCategory(category.Name, category.Slug)
		}
	}
	_, err = b.AddProfile(adminUsername, adminEmail, adminPassword, entity.RoleAdmin)
	if errors.Is(err, apperror.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	logAdminSeeded()
	return nil
}

func logAdminSeeded() {
	log.Println("bootstrap: admin user seeded")
	log.Printf("   Email: %s", adminEmail)
	log.Printf("   Password: %s", adminPassword)
}

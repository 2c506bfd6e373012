package dto

type CreateThreadRequest struct {
	Title      string `json:"title" binding:"required,max=255" validate:"required,max=255"`
	Content    string `json:"content" binding:"required,max=10000" validate:"required,max=10000"`
	CategoryID string `json:"category_id" binding:"required,uuid" validate:"required,uuid"`
}

type ReplyRequest struct {
	Content string `json:"content" binding:"required,max=10000" validate:"required,max=10000"`
}

type EditPostRequest struct {
	Content string `json:"content" binding:"required,max=10000" validate:"required,max=10000"`
}

type ChangeRoleRequest struct {
	Role string `json:"role" binding:"required,oneof=user moderator admin" validate:"required,oneof=user moderator admin"`
}

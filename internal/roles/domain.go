package roles

import "time"

// UIConfig is the cosmetic configuration attached to a role.
type UIConfig struct {
	SidebarColor          string `json:"sidebar_color" validate:"omitempty,hexcolor"`
	AccentColor           string `json:"accent_color" validate:"omitempty,hexcolor"`
	ShowDisabledMenuItems bool   `json:"show_disabled_menu_items"`
}

// Role is a named bundle of permission keys.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	UIConfig    UIConfig  `json:"ui_config"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Input carries the editable attributes of a role.
type Input struct {
	Name        string   `json:"name" validate:"required,max=64"`
	DisplayName string   `json:"display_name" validate:"required,max=128"`
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"dive,required"`
	UIConfig    UIConfig `json:"ui_config"`
}

package model

import "time"

type User struct {
	Username     string    `json:"username"`
	RealName     string    `json:"real_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Author is the redacted owner representation attached to note views.
type Author struct {
	Username string `json:"username"`
	RealName string `json:"real_name"`
}

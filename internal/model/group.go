package model

import "time"

type Group struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Members holds the current member usernames. Populated on API reads;
	// not scanned from the groups table itself.
	Members []string `json:"members"`
}

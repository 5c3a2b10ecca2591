package domain

import "time"

type User struct {
	ID        string    `json:"id"`
	Rev       string    `json:"_rev,omitempty"`
	DocType   string    `json:"doc_type"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const DocTypeUser = "user"

func (u *User) DisplayName() string {
	if u.FirstName == "" && u.LastName == "" {
		return u.ID
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

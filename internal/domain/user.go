package domain

import "time"

// User is a registered account. Password holds the bcrypt hash and is never
// serialized.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Image     string    `json:"image,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserRef is the public slice of a user attached to outgoing messages.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Image string `json:"image,omitempty"`
}

// Ref returns the public view of the user.
func (u *User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email, Image: u.Image}
}

// OnlineUser is one row of the presence snapshot.
type OnlineUser struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

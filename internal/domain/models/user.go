package models

// User is the slice of the user record the auth subsystem needs.
// Full user administration lives outside this service.
type User struct {
	ID       string
	Email    string
	Role     string
	PassHash []byte
	IsActive bool
}

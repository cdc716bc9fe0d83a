package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// Moderator and admin accounts authenticate here too, so the cost sits
// above the bcrypt default.
const bcryptCost = 12

// HashPassword hashes a plain password using bcrypt.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	return string(bytes), err
}

// CheckPassword compares plain password with hashed password.
func CheckPassword(plain, hashed string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}

package id

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}

func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

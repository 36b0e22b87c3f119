package models

import (
	"time"
)

const DefaultRole = "user"

type User struct {
	ID          string    `json:"id" dynamodbav:"id"`
	PhoneNumber string    `json:"phone_number" dynamodbav:"phone_number"`
	Roles       []string  `json:"roles" dynamodbav:"roles,stringset,omitempty"`
	CreatedAt   time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func (u *User) GetPK() string {
	return "USER!" + u.PhoneNumber
}

func (u *User) GetSK() string {
	return "METADATA"
}

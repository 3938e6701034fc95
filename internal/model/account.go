package model

type Account struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Ctime         int64  `json:"ctime"`
	Mtime         int64  `json:"mtime"`
}

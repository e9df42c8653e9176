// Package model はドメインモデルを定義する。
package model

import "time"

// User はアサーション検証を通過して認証されたサービス利用ユーザーを表す。
// EmailはリモートVerifierが検証したメールアドレスで、ユーザーの一意な識別子となる。
// IsActiveがfalseのユーザーは検証に成功してもログインできない。
type User struct {
	ID        string
	Email     string
	IsActive  bool
	LastLogin *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
// IDは暗号的に安全な乱数から生成され、HTTP Only Cookieでクライアントに渡される。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

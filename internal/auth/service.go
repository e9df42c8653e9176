// Package auth はアサーション検証によるログイン、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/personad/internal/model"
	"github.com/hitoshi/personad/internal/repository"
)

// AssertionVerifier はアサーション検証バックエンドのインターフェース。
// 本番ではリモートVerifierを使用し、テストではモックに差し替える。
type AssertionVerifier interface {
	// Verify はアサーションとaudienceを検証し、検証済みのメールアドレスを含む結果を返す。
	Verify(ctx context.Context, assertion, audience string) (*VerificationResult, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge  int  // セッション有効期間（秒）
	AutoCreateUser bool // 検証済みメールアドレスに対応するユーザーを自動作成するか
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	verifier    AssertionVerifier
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	verifier AssertionVerifier,
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		verifier:    verifier,
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		config:      config,
	}
}

// Authenticate はアサーションをVerifierで検証し、対応するユーザーを返す。
// 検証済みメールアドレスに対応するユーザーが存在しない場合、
// AutoCreateUserが有効であれば新規作成し、無効であればnilを返す。
// 検証の失敗（Verifierによる拒否・通信障害とも）はエラーとして返す。
func (s *Service) Authenticate(ctx context.Context, assertion, audience string) (*model.User, error) {
	result, err := s.verifier.Verify(ctx, assertion, audience)
	if err != nil {
		return nil, fmt.Errorf("assertion verification failed: %w", err)
	}

	user, err := s.userRepo.FindByEmail(ctx, result.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if user != nil {
		slog.Info("existing user authenticated",
			slog.String("user_id", user.ID),
			slog.String("issuer", result.Issuer),
		)
		return user, nil
	}

	if !s.config.AutoCreateUser {
		return nil, nil
	}

	now := time.Now()
	newUser := &model.User{
		ID:        uuid.New().String(),
		Email:     result.Email,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.userRepo.Create(ctx, newUser); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", newUser.ID),
		slog.String("email", newUser.Email),
	)

	return newUser, nil
}

// Login はユーザーのセッションを発行して永続化する。
// ユーザーのlast_loginも更新する。
func (s *Service) Login(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if err := s.userRepo.TouchLastLogin(ctx, userID, now); err != nil {
		// last_loginの更新失敗はログイン自体を妨げない
		slog.Warn("failed to update last_login",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("user logged in", slog.String("user_id", userID))
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

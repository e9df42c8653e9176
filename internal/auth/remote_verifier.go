package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/personad/internal/security"
)

// statusOkay はVerifierが検証成功時に返すstatus値。
const statusOkay = "okay"

// VerificationResult はリモートVerifierが返した検証結果を表す。
type VerificationResult struct {
	Status   string `json:"status"`
	Email    string `json:"email"`
	Audience string `json:"audience"`
	Issuer   string `json:"issuer"`
	Expires  int64  `json:"expires"`
	Reason   string `json:"reason"`
}

// VerificationError はVerifierがアサーションを拒否したことを表すエラー。
// ネットワーク障害やレスポンス解析失敗などの予期しないエラーとは区別される。
type VerificationError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *VerificationError) Error() string {
	return fmt.Sprintf("assertion rejected by verifier: %s", e.Reason)
}

// RemoteVerifierConfig はリモートVerifierクライアントの設定。
type RemoteVerifierConfig struct {
	// VerifyURL は検証サービスのエンドポイントURL。
	VerifyURL string
	// Timeout は検証リクエストのタイムアウト。
	Timeout time.Duration
	// MaxResponseSize はレスポンスボディの最大読み取りサイズ（バイト）。
	MaxResponseSize int64

	// HTTPClient はテスト用にオーバーライド可能なHTTPクライアント。
	// nilの場合はSSRF防止機能付きクライアントを使用する。
	HTTPClient *http.Client
}

// RemoteVerifier はリモート検証サービスへアサーションを送信して検証する。
type RemoteVerifier struct {
	config     RemoteVerifierConfig
	httpClient *http.Client
}

// NewRemoteVerifier はRemoteVerifierを生成する。
// 外部への検証リクエストはSSRF防止機能付きクライアントを通して送信される。
func NewRemoteVerifier(config RemoteVerifierConfig, guard security.OutboundGuardService) *RemoteVerifier {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxResponseSize == 0 {
		config.MaxResponseSize = 1048576
	}

	client := config.HTTPClient
	if client == nil {
		client = guard.NewSafeClient(config.Timeout)
	}

	return &RemoteVerifier{
		config:     config,
		httpClient: client,
	}
}

// Verify はアサーションとaudienceをVerifierへ送信し、検証結果を返す。
// Verifierがアサーションを拒否した場合は*VerificationErrorを返す。
// 通信障害、非200レスポンス、解析失敗は通常のエラーとして返す。
func (v *RemoteVerifier) Verify(ctx context.Context, assertion, audience string) (*VerificationResult, error) {
	data := url.Values{
		"assertion": {assertion},
		"audience":  {audience},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.VerifyURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, v.config.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result VerificationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse verify response: %w", err)
	}

	if result.Status != statusOkay {
		return nil, &VerificationError{Reason: result.Reason}
	}

	if result.Email == "" {
		return nil, fmt.Errorf("empty email in verify response")
	}

	return &result, nil
}

// compile-time interface check
var _ AssertionVerifier = (*RemoteVerifier)(nil)

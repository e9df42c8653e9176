// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuardService はサーバーから外部へ送信するHTTPリクエストの
// SSRF防止機能のインターフェースを定義する。
// リモートVerifierへのアサーション送信で使用される。
type OutboundGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlライブラリにより、プライベートIP、ループバック、リンクローカル、
	// メタデータIPへのリクエストが自動的にブロックされる。
	// リダイレクト先も同じDialer検証を通るため、Verifierが悪意あるリダイレクトを
	// 返しても内部ネットワークには到達できない。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL は設定されたURLの安全性を起動時に検証する。
	// スキーム、ホスト、IPアドレスの静的な検証を行う。
	ValidateURL(rawURL string) error
}

// outboundGuard はOutboundGuardServiceの実装。
type outboundGuard struct {
	allowedSchemes []string
	blockedNets    []net.IPNet
	blockedHosts   []string
}

// NewOutboundGuard はOutboundGuardServiceの新しいインスタンスを生成する。
func NewOutboundGuard() *outboundGuard {
	return &outboundGuard{
		allowedSchemes: []string{"http", "https"},
		blockedNets:    parseBlockedNetworks(),
		blockedHosts:   []string{"localhost"},
	}
}

// parseBlockedNetworks はブロック対象のネットワーク範囲をパースする。
// safeurlはnet.DialerレベルでDNS解決後のIPアドレスも検証するため、
// このリストはValidateURLでの静的チェックにのみ使用する。
func parseBlockedNetworks() []net.IPNet {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	nets := make([]net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blocked networks: %s: %v", cidr, err))
		}
		nets = append(nets, *network)
	}
	return nets
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// DNS再バインディング攻撃はsafeurlのDialer検証で防止される。
func (g *outboundGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// ValidateURL はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証のため、起動時の設定値チェックに使用する。
func (g *outboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !g.isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, g.allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if g.isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if g.isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func (g *outboundGuard) isAllowedScheme(scheme string) bool {
	for _, allowed := range g.allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func (g *outboundGuard) isBlockedIP(ip net.IP) bool {
	for _, network := range g.blockedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *outboundGuard) isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	for _, blocked := range g.blockedHosts {
		if lower == blocked {
			return true
		}
	}
	return false
}

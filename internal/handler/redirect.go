package handler

import (
	"net/url"
	"strings"
)

// resolveNext はPOSTパラメータ"next"からリダイレクト先を読み取る。
// 同一ホストに対する安全なURLでない場合は空文字を返し、呼び出し側が
// 設定済みのデフォルトURLへフォールバックする。
func resolveNext(postForm url.Values, requestHost string) string {
	next := postForm.Get("next")
	if next == "" {
		return ""
	}
	if !isSafeRedirect(next, requestHost) {
		return ""
	}
	return next
}

// isSafeRedirect はリダイレクト先が同一ホストに対して安全かどうかを判定する。
// 相対URLは許可し、絶対URLはhttp/httpsかつリクエストと同一ホストの場合のみ許可する。
func isSafeRedirect(target, requestHost string) bool {
	// バックスラッシュはブラウザによってスラッシュとして解釈されることがある
	if strings.ContainsAny(target, "\\") {
		return false
	}

	// 制御文字や空白を含むURLは拒否
	for _, c := range target {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}

	// "///host/path" はスキーム相対URLとして解釈されうる
	if strings.HasPrefix(target, "///") {
		return false
	}

	u, err := url.Parse(target)
	if err != nil {
		return false
	}

	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	// スキームのみでホストがないURL（例: "javascript:" 以外の特殊スキーム）は拒否
	if u.Scheme != "" && u.Host == "" {
		return false
	}

	// "//evil.com" はSchemeが空でもHostを持つ
	if u.Host != "" && u.Host != requestHost {
		return false
	}

	return true
}

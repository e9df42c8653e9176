package handler

import (
	"fmt"
	"net/http"
)

// maxFormMemory はフォームパース時にメモリへ保持する最大バイト数。
const maxFormMemory = 1 << 20 // 1MB

// checkRequestSanity はメソッド振り分けの前に行うリクエストの健全性チェック。
// 失敗した場合、ハンドラーには到達させず400を返す。
func checkRequestSanity(r *http.Request) error {
	if r.Host == "" {
		return fmt.Errorf("missing Host header")
	}

	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(nil, r.Body, maxFormMemory)
		if err := r.ParseForm(); err != nil {
			return fmt.Errorf("failed to parse form: %w", err)
		}
	}

	return nil
}

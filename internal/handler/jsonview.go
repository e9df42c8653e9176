// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// methodOrder はAllowヘッダーに列挙するメソッドの正規順序。
var methodOrder = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodHead,
	http.MethodOptions,
}

// methodView はHTTPメソッドごとのハンドラー関数への振り分けを行う。
// 未対応メソッドには405とAllowヘッダー、JSONエラーボディを返す。
// 振り分けの前にリクエストの健全性チェックを実施する。
func methodView(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	allow := allowHeader(handlers)

	return func(w http.ResponseWriter, r *http.Request) {
		// メソッド振り分けより先に健全性チェック
		if err := checkRequestSanity(r); err != nil {
			slog.Warn("request sanity check failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Bad request.",
			})
			return
		}

		h, ok := handlers[r.Method]
		if !ok {
			w.Header().Set("Allow", allow)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method not allowed.",
			})
			return
		}

		h(w, r)
	}
}

// allowHeader は実装済みメソッドを正規順序で列挙したAllowヘッダー値を返す。
func allowHeader(handlers map[string]http.HandlerFunc) string {
	var methods []string
	for _, m := range methodOrder {
		if _, ok := handlers[m]; ok {
			methods = append(methods, m)
		}
	}
	return strings.Join(methods, ", ")
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

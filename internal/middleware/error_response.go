package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/hitoshi/pulsehours/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewSystemError(nil).APIError())
}

// WriteAuthError は認証・認可エラーを種別に応じたステータスで書き込む。
// RateLimitedの場合はRetry-Afterヘッダーを付与する。
func WriteAuthError(w http.ResponseWriter, err error) {
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		WriteInternalServerError(w)
		return
	}
	if authErr.Kind == model.KindRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(authErr.RetryAfterSeconds()))
	}
	WriteErrorResponse(w, StatusForKind(authErr.Kind), authErr.APIError())
}

// StatusForKind はエラー種別に対応するHTTPステータスコードを返す。
func StatusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindOK:
		return http.StatusOK
	case model.KindNotLoggedIn, model.KindInvalidCredentials:
		return http.StatusUnauthorized
	case model.KindForbidden, model.KindInvalidCSRF, model.KindAccountDeactivated:
		return http.StatusForbidden
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

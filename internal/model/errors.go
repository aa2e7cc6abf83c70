// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotLoggedIn        = "NOT_LOGGED_IN"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInvalidCSRF        = "INVALID_CSRF"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountDeactivated = "ACCOUNT_DEACTIVATED"
	ErrCodeValidation         = "VALIDATION"
	ErrCodeSystemError        = "SYSTEM_ERROR"
)

// ユーザー向けメッセージ。
// 未登録メールとパスワード不一致は同一文言を返す。
const (
	MsgInvalidCredentials   = "Invalid email or password"
	MsgAccountDeactivated   = "Your account has been deactivated"
	MsgSystemError          = "A system error occurred. Please try again later."
	MsgInvalidSecurityToken = "Invalid security token"
	MsgInvalidFormSubmit    = "Invalid form submission. Please try again."
	MsgEmptyCredentials     = "Please enter both email and password."
	MsgSessionExpired       = "Your session has expired. Please log in again."
	MsgForbidden            = "You do not have permission to access this page."
	MsgNotLoggedIn          = "Please log in to continue."
)

// ErrorKind は認証コアが呼び出し側に返す結果の種別。
// 呼び出し側は文字列ではなく種別で分岐する。
type ErrorKind int

const (
	KindOK ErrorKind = iota
	KindNotLoggedIn
	KindForbidden
	KindInvalidCSRF
	KindRateLimited
	KindInvalidCredentials
	KindAccountDeactivated
	KindValidation
	KindSystemError
)

// String は種別名を返す。ログとメトリクスのラベルに使う。
func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotLoggedIn:
		return "not_logged_in"
	case KindForbidden:
		return "forbidden"
	case KindInvalidCSRF:
		return "invalid_csrf"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountDeactivated:
		return "account_deactivated"
	case KindValidation:
		return "validation"
	case KindSystemError:
		return "system_error"
	default:
		return "unknown"
	}
}

// AuthError は認証・認可の失敗を表す。
// Messageはユーザーにそのまま表示してよい文言、Errはサーバーログ専用の原因。
type AuthError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// RetryAfterSeconds は再試行までの秒数を切り上げで返す。
func (e *AuthError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// APIError はJSONレスポンス用の統一エラーに変換する。
func (e *AuthError) APIError() *APIError {
	switch e.Kind {
	case KindNotLoggedIn:
		return &APIError{Code: ErrCodeNotLoggedIn, Message: e.Message, Category: "auth", Action: "ログインしてください。"}
	case KindForbidden:
		return &APIError{Code: ErrCodeForbidden, Message: e.Message, Category: "auth", Action: "管理者に権限を確認してください。"}
	case KindInvalidCSRF:
		return &APIError{Code: ErrCodeInvalidCSRF, Message: e.Message, Category: "auth", Action: "ページを再読み込みしてから再度お試しください。"}
	case KindRateLimited:
		return &APIError{Code: ErrCodeRateLimited, Message: e.Message, Category: "auth", Action: "指定された時間が経過してから再度お試しください。"}
	case KindInvalidCredentials:
		return &APIError{Code: ErrCodeInvalidCredentials, Message: e.Message, Category: "auth", Action: "メールアドレスとパスワードを確認してください。"}
	case KindAccountDeactivated:
		return &APIError{Code: ErrCodeAccountDeactivated, Message: e.Message, Category: "auth", Action: "管理者に問い合わせてください。"}
	case KindValidation:
		return &APIError{Code: ErrCodeValidation, Message: e.Message, Category: "validation", Action: "入力内容を確認してください。"}
	default:
		return &APIError{Code: ErrCodeSystemError, Message: MsgSystemError, Category: "system", Action: "しばらく待ってから再度お試しください。"}
	}
}

// KindOf はエラーから種別を取り出す。nilはKindOK、AuthError以外はKindSystemError。
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOK
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindSystemError
}

// NewNotLoggedInError は未ログインエラーを生成する。
func NewNotLoggedInError() *AuthError {
	return &AuthError{Kind: KindNotLoggedIn, Message: MsgNotLoggedIn}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *AuthError {
	return &AuthError{Kind: KindForbidden, Message: MsgForbidden}
}

// NewInvalidCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewInvalidCSRFError() *AuthError {
	return &AuthError{Kind: KindInvalidCSRF, Message: MsgInvalidSecurityToken}
}

// NewRateLimitedError はログイン試行回数超過エラーを生成する。
// メッセージの分数は切り上げる。
func NewRateLimitedError(retryAfter time.Duration) *AuthError {
	minutes := int(math.Ceil(retryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return &AuthError{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("Too many failed login attempts. Please try again in %d minutes.", minutes),
		RetryAfter: retryAfter,
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// 未登録メールとパスワード不一致の両方でこれを使う。
func NewInvalidCredentialsError(cause error) *AuthError {
	return &AuthError{Kind: KindInvalidCredentials, Message: MsgInvalidCredentials, Err: cause}
}

// NewAccountDeactivatedError は無効化アカウントエラーを生成する。
func NewAccountDeactivatedError() *AuthError {
	return &AuthError{Kind: KindAccountDeactivated, Message: MsgAccountDeactivated}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(message string) *AuthError {
	return &AuthError{Kind: KindValidation, Message: message}
}

// NewSystemError は内部エラーを生成する。原因はログにのみ残す。
func NewSystemError(cause error) *AuthError {
	return &AuthError{Kind: KindSystemError, Message: MsgSystemError, Err: cause}
}

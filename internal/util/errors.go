package util

import "errors"

// 校验类错误：客户端缺陷或攻击，拒绝后仅审计，不重试
var (
	ErrInvalidOrigin    = errors.New("invalid origin")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrReplayedNonce    = errors.New("replayed nonce")
	ErrSchemaViolation  = errors.New("schema violation")
)

// 同意类错误：范围未授权或同意库不可达，一律拒绝且不落任何数据
var (
	ErrConsentDenied      = errors.New("consent denied")
	ErrConsentUnavailable = errors.New("consent store unreachable")
)

var (
	ErrTransientStore       = errors.New("transient store error")
	ErrBudgetExceeded       = errors.New("processing budget exceeded")
	ErrSessionNotFound      = errors.New("session not found")
	ErrMailboxFull          = errors.New("session mailbox full")
	ErrUserNotFound         = errors.New("用户不存在")
	ErrEmailRegistered      = errors.New("该邮箱已被注册")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrAlertNotFound        = errors.New("alert not found")
	ErrInterventionNotFound = errors.New("intervention not found")
	ErrEngineStopped        = errors.New("engine stopped")
)

// RejectionReason 上报被拒时返回给埋点端的类型化原因
type RejectionReason string

const (
	RejectInvalidOrigin    RejectionReason = "InvalidOrigin"
	RejectInvalidSignature RejectionReason = "InvalidSignature"
	RejectReplayedNonce    RejectionReason = "ReplayedNonce"
	RejectSchemaViolation  RejectionReason = "SchemaViolation"
	RejectConsentDenied    RejectionReason = "ConsentDenied"
)

// ReasonForError 将拒绝错误映射为对外原因码；未知错误不外泄细节
func ReasonForError(err error) (RejectionReason, bool) {
	switch {
	case errors.Is(err, ErrInvalidOrigin):
		return RejectInvalidOrigin, true
	case errors.Is(err, ErrInvalidSignature):
		return RejectInvalidSignature, true
	case errors.Is(err, ErrReplayedNonce):
		return RejectReplayedNonce, true
	case errors.Is(err, ErrSchemaViolation):
		return RejectSchemaViolation, true
	case errors.Is(err, ErrConsentDenied), errors.Is(err, ErrConsentUnavailable):
		return RejectConsentDenied, true
	}
	return "", false
}

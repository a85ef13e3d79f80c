package util

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

// 签名与重放防护相关常量
const (
	NonceTTLSeconds   = 300 // 单会话 nonce 缓存有效期
	SignatureSkewSec  = 120 // 时间戳允许的最大偏移
	AnonymizedUserTag = "anonymized"
)

// HMAC 签名助手：对 {sessionId, timestamp, nonce} 计算 HMAC-SHA256 十六进制摘要
func SignalSignature(secret, sessionID string, timestampMs int64, nonce string) string {
	return HMACSHA256Hex(secret, sessionID+"|"+FormatInt(timestampMs)+"|"+nonce)
}

package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// wsAuthPath - путь, подписываемый при аутентификации WebSocket
const wsAuthPath = "/live"

// Signer подписывает запросы площадки: hex(HMAC-SHA256(secret, prehash)).
// Timestamp - unix секунды строкой.
type Signer struct {
	apiKey string
	secret string
	now    func() time.Time
}

// NewSigner создаёт подписчика
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{apiKey: apiKey, secret: secret, now: time.Now}
}

func (s *Signer) APIKey() string { return s.apiKey }

// Timestamp - текущее время в формате площадки
func (s *Signer) Timestamp() string {
	return strconv.FormatInt(s.now().Unix(), 10)
}

// Sign: prehash = method + timestamp + path + query + body
func (s *Signer) Sign(method, timestamp, path, query, body string) string {
	h := hmac.New(sha256.New, []byte(s.secret))
	h.Write([]byte(method + timestamp + path + query + body))
	return hex.EncodeToString(h.Sum(nil))
}

// SignWebsocket - подпись auth-сообщения WebSocket
func (s *Signer) SignWebsocket(timestamp string) string {
	return s.Sign("GET", timestamp, wsAuthPath, "", "")
}

package middleware

import (
	"crypto/subtle"
	"net/http"

	"riskguard/pkg/crypto"
	"riskguard/pkg/utils"
)

const authRealm = `Basic realm="riskguard operator"`

// OperatorAuth - HTTP Basic авторизация оператора.
//
// Пароль хранится только как bcrypt-хеш (OPERATOR_PASSWORD_HASH).
// Пустой хеш выключает проверку: все запросы считаются операторскими.
// Та же проверка решает, может ли WebSocket клиент менять границы.
//
// Использование:
//
//	auth := middleware.NewOperatorAuth(cfg.Security.OperatorUsername, cfg.Security.OperatorPasswordHash, log)
//	api.Handle("/risk/bounds", auth.Require(h)).Methods("PUT")
//	hub.SetAuthorizer(auth.Authorize)
type OperatorAuth struct {
	username     string
	passwordHash string
	log          *utils.Logger
}

// NewOperatorAuth создаёт проверку оператора
func NewOperatorAuth(username, passwordHash string, log *utils.Logger) *OperatorAuth {
	return &OperatorAuth{
		username:     username,
		passwordHash: passwordHash,
		log:          log.WithComponent("auth"),
	}
}

// Enabled - настроен ли пароль оператора
func (a *OperatorAuth) Enabled() bool {
	return a.passwordHash != ""
}

// Authorize проверяет Basic credentials запроса
func (a *OperatorAuth) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}

	// Constant-time сравнение имени; пароль проверяет bcrypt
	userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passMatch := crypto.CheckPasswordMatch(pass, a.passwordHash)
	return userMatch && passMatch
}

// Require пропускает только авторизованные запросы, остальным 401
func (a *OperatorAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorize(r) {
			a.log.Warn("Operator authorisation failed",
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.String("client_ip", r.RemoteAddr),
				utils.RequestID(RequestIDFrom(r.Context())),
			)
			w.Header().Set("WWW-Authenticate", authRealm)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized","code":"UNAUTHORIZED"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

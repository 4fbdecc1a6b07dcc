package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"riskguard/pkg/ratelimit"
	"riskguard/pkg/retry"
	"riskguard/pkg/utils"
)

const (
	closeAllPath = "/v2/positions/close_all"
	userAgent    = "riskguard/1.0"

	// ответ площадки больше не бывает, остальное не читаем
	maxResponseBody = 1 << 20
)

type closeAllRequest struct {
	CloseAllPortfolio bool  `json:"close_all_portfolio"`
	CloseAllIsolated  bool  `json:"close_all_isolated"`
	UserID            int64 `json:"user_id"`
}

type apiResponse struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    interface{} `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

// Liquidator закрывает все позиции аккаунта через REST API площадки.
// Реализует engine.LiquidationExecutor.
type Liquidator struct {
	baseURL string
	signer  *Signer
	client  *HTTPClient
	limiter *ratelimit.RateLimiter
	log     *utils.Logger
}

// NewLiquidator создаёт исполнителя close-all
func NewLiquidator(baseURL string, signer *Signer, client *HTTPClient, limiter *ratelimit.RateLimiter, log *utils.Logger) *Liquidator {
	return &Liquidator{
		baseURL: baseURL,
		signer:  signer,
		client:  client,
		limiter: limiter,
		log:     log.WithComponent("liquidator"),
	}
}

// CloseAll отправляет close_all для аккаунта. Ошибки 4xx (кроме 429)
// помечаются как Permanent: повтор с теми же параметрами не поможет.
func (l *Liquidator) CloseAll(ctx context.Context, accountID int64) error {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(closeAllRequest{
		CloseAllPortfolio: true,
		CloseAllIsolated:  true,
		UserID:            accountID,
	})
	if err != nil {
		return retry.Permanent(err)
	}

	respBody, status, err := l.do(ctx, http.MethodPost, closeAllPath, "", body)
	if err != nil {
		return err
	}

	var resp apiResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &resp); err != nil && status < 300 {
			return &VenueError{StatusCode: status, Message: "invalid response body", Original: err}
		}
	}

	if status >= 300 || !resp.Success {
		verr := &VenueError{StatusCode: status}
		if resp.Error != nil {
			if resp.Error.Code != nil {
				verr.Code = fmt.Sprint(resp.Error.Code)
			}
			verr.Message = resp.Error.Message
		}
		if status < 300 && verr.Message == "" {
			verr.Message = "close_all not acknowledged"
		}
		if !verr.Retryable() {
			return retry.Permanent(verr)
		}
		return verr
	}

	l.log.Info("Close-all acknowledged", utils.AccountID(accountID))
	return nil
}

// do выполняет подписанный запрос и возвращает тело ответа
func (l *Liquidator) do(ctx context.Context, method, path, query string, body []byte) ([]byte, int, error) {
	reqURL := l.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, retry.Permanent(err)
	}

	ts := l.signer.Timestamp()
	req.Header.Set("api-key", l.signer.APIKey())
	req.Header.Set("timestamp", ts)
	req.Header.Set("signature", l.signer.Sign(method, ts, path, query, string(body)))
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := l.client.Do(req)
	RESTLatency.WithLabelValues(path).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		RESTRequests.WithLabelValues(path, "error").Inc()
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	RESTRequests.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	l.log.Debug("Venue REST response",
		utils.String("path", path),
		utils.Int("status", resp.StatusCode),
		utils.Latency(float64(time.Since(start).Microseconds())/1000),
	)
	return data, resp.StatusCode, nil
}

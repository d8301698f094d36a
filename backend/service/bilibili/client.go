package bilibili

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bilibilidm/botd/backend/config"
	"bilibilidm/botd/backend/metrics"
	"bilibilidm/botd/backend/service/credential"
	"bilibilidm/botd/backend/store"
)

const (
	navAPI            = "https://api.bilibili.com/x/web-interface/nav"
	qrCodeGenerateAPI = "https://passport.bilibili.com/x/passport-login/web/qrcode/generate"
	qrCodePollAPI     = "https://passport.bilibili.com/x/passport-login/web/qrcode/poll"

	newSessionsAPI      = "https://api.vc.bilibili.com/session_svr/v1/session_svr/new_sessions"
	sessionMessagesAPI  = "https://api.vc.bilibili.com/svr_sync/v1/svr_sync/fetch_session_msgs"
	updateAckAPI        = "https://api.vc.bilibili.com/session_svr/v1/session_svr/update_ack"
	sendMessageAPI      = "https://api.vc.bilibili.com/web_im/v1/web_im/send_msg"
	uploadImageAPI      = "https://api.bilibili.com/x/dynamic/feed/draw/upload_bfs"
	accInfoAPI          = "https://api.bilibili.com/x/space/wbi/acc/info"
	relationModifyAPI   = "https://api.bilibili.com/x/relation/modify"
	relationAPI         = "https://api.bilibili.com/x/relation"
	followingsAPI       = "https://api.bilibili.com/x/relation/followings"
	allDynamicsAPI      = "https://api.bilibili.com/x/polymer/web-dynamic/v1/feed/all"
	personalDynamicsAPI = "https://api.bilibili.com/x/polymer/web-dynamic/v1/feed/space"
	dynamicDetailAPI    = "https://api.bilibili.com/x/polymer/web-dynamic/v1/detail"
	livePortalAPI       = "https://api.bilibili.com/x/polymer/web-dynamic/v1/portal"
	searchAllAPI        = "https://api.bilibili.com/x/web-interface/wbi/search/all/v2"
	searchTypeAPI       = "https://api.bilibili.com/x/web-interface/wbi/search/type"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Upstream business codes the daemon pattern-matches.
const (
	codeSendRateLimited = 21020
	codeAntiAbuse       = -352
)

// Client speaks the upstream JSON envelope. Expected upstream failures
// (business codes, transport errors) produce neutral results and a
// recorded error report; only malformed responses and local
// programming errors surface as Go errors.
type Client struct {
	cfg    config.Config
	log    *zap.Logger
	store  *store.Store
	creds  *credential.Store
	client *http.Client
	signer *wbiSigner

	// limiter throttles outbound sends below the upstream per-minute
	// ceiling (code 21020).
	limiter *rate.Limiter
	devID   string

	disposed atomic.Bool
}

func New(storeDB *store.Store, creds *credential.Store, cfg config.Config, log *zap.Logger) *Client {
	c := &Client{
		cfg:   cfg,
		log:   log,
		store: storeDB,
		creds: creds,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.SendRatePerMinute)/60.0), 3),
		devID:   strings.ToUpper(uuid.NewString()),
	}
	c.signer = newWBISigner(c.fetchWBIKeys)
	return c
}

// Close marks the client disposed. Every subsequent call short-circuits
// with a neutral result before any network I/O.
func (c *Client) Close() {
	c.disposed.Store(true)
}

func (c *Client) Disposed() bool {
	return c.disposed.Load()
}

func (c *Client) DeviceID() string {
	return c.devID
}

type apiErrorReport struct {
	Endpoint        string
	Method          string
	Stage           string
	Code            int
	HTTPStatus      int
	Attempt         int
	Retryable       bool
	RequestForm     string
	ResponseHeaders string
	ResponseBody    string
	Detail          string
}

type bilibiliAPIError struct {
	report apiErrorReport
}

func (e *bilibiliAPIError) Error() string {
	return e.report.Detail
}

// envelopeCodeError is a non-zero code in an otherwise well-formed
// envelope: an expected upstream refusal, not a transport problem.
type envelopeCodeError struct {
	Code    int
	Message string
}

func (e *envelopeCodeError) Error() string {
	return fmt.Sprintf("bilibili api error code=%d message=%s", e.Code, e.Message)
}

// businessCode extracts the envelope code from an error chain.
func businessCode(err error) (int, bool) {
	var codeErr *envelopeCodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code, true
	}
	var apiErr *bilibiliAPIError
	if errors.As(err, &apiErr) && apiErr.report.Stage == "api_code" {
		return apiErr.report.Code, true
	}
	return 0, false
}

// isUpstreamFailure reports whether the error is an expected upstream
// failure that callers absorb into a neutral result. Malformed
// responses (decode_response) propagate.
func isUpstreamFailure(err error) bool {
	var apiErr *bilibiliAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.report.Stage {
	case "network", "http_status", "api_code", "precheck", "read_response":
		return true
	}
	return false
}

func (c *Client) recordAPIError(report apiErrorReport) {
	report.Endpoint = strings.TrimSpace(report.Endpoint)
	report.Method = strings.ToUpper(strings.TrimSpace(report.Method))
	report.Stage = strings.TrimSpace(report.Stage)
	report.Detail = strings.TrimSpace(report.Detail)
	if report.Stage == "" {
		report.Stage = "unknown"
	}
	if report.Method == "" {
		report.Method = "UNKNOWN"
	}
	metrics.APIErrors.WithLabelValues(report.Stage).Inc()

	logID, insertErr := c.store.CreateBilibiliAPIErrorLog(context.Background(), store.BilibiliAPIErrorLog{
		Endpoint:        report.Endpoint,
		Method:          report.Method,
		Stage:           report.Stage,
		HTTPStatus:      report.HTTPStatus,
		Attempt:         report.Attempt,
		Retryable:       report.Retryable,
		RequestForm:     report.RequestForm,
		ResponseHeaders: report.ResponseHeaders,
		ResponseBody:    truncateForLog(report.ResponseBody, 4096),
		ErrorMessage:    report.Detail,
	})
	if insertErr != nil {
		c.log.Error("record bilibili_api_error_logs failed", zap.Error(insertErr))
		return
	}
	payload, marshalErr := json.Marshal(map[string]any{
		"endpoint":   report.Endpoint,
		"method":     report.Method,
		"stage":      report.Stage,
		"code":       report.Code,
		"httpStatus": report.HTTPStatus,
		"detail":     report.Detail,
		"attempt":    report.Attempt,
		"retryable":  report.Retryable,
		"errorLogId": logID,
		"time":       time.Now().Format(time.RFC3339Nano),
	})
	if marshalErr != nil {
		return
	}
	if err := c.store.CreateBotEvent(context.Background(), "bilibili.api.error", string(payload)); err != nil {
		c.log.Error("record api error event failed", zap.Error(err))
	}
}

func truncateForLog(raw string, limit int) string {
	if len(raw) <= limit {
		return raw
	}
	return raw[:limit]
}

func encodeForm(form url.Values) string {
	if len(form) == 0 {
		return ""
	}
	return form.Encode()
}

func headerToJSON(header http.Header) string {
	if len(header) == 0 {
		return ""
	}
	payload, err := json.Marshal(header)
	if err != nil {
		return `{"marshalError":"` + strings.ReplaceAll(err.Error(), `"`, `'`) + `"}`
	}
	return string(payload)
}

func toAPIErrorReport(err error, endpoint string, method string, form url.Values) apiErrorReport {
	report := apiErrorReport{
		Endpoint:    strings.TrimSpace(endpoint),
		Method:      strings.ToUpper(strings.TrimSpace(method)),
		Stage:       "unknown",
		RequestForm: encodeForm(form),
	}
	if err == nil {
		return report
	}
	var apiErr *bilibiliAPIError
	if errors.As(err, &apiErr) && apiErr != nil {
		report = apiErr.report
		if strings.TrimSpace(report.Endpoint) == "" {
			report.Endpoint = strings.TrimSpace(endpoint)
		}
		if strings.TrimSpace(report.Detail) == "" {
			report.Detail = strings.TrimSpace(err.Error())
		}
		return report
	}
	report.Detail = strings.TrimSpace(err.Error())
	if report.Detail == "" {
		report.Detail = "unknown bilibili api error"
	}
	return report
}

func shouldRetryAPIError(report apiErrorReport) bool {
	if report.HTTPStatus == http.StatusTooManyRequests || report.HTTPStatus == http.StatusRequestTimeout {
		return true
	}
	if report.HTTPStatus >= 500 {
		return true
	}
	if report.Stage == "network" || report.Stage == "read_response" {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(report.Detail))
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "temporarily") || strings.Contains(lower, "connection reset") {
		return true
	}
	return strings.Contains(lower, "eof")
}

type bilibiliEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func requestJSON[T any](c *Client, ctx context.Context, method string, targetURL string, form url.Values, withCookie bool) (T, http.Header, []*http.Cookie, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	var lastHeader http.Header
	var lastCookies []*http.Cookie
	for attempt := 1; attempt <= 2; attempt++ {
		data, header, cookies, err := requestJSONOnce[T](c, ctx, method, targetURL, form, withCookie)
		if err == nil {
			return data, header, cookies, nil
		}
		lastErr = err
		lastHeader = header
		lastCookies = cookies

		report := toAPIErrorReport(err, targetURL, method, form)
		report.Attempt = attempt
		report.Retryable = shouldRetryAPIError(report)
		c.log.Warn("api call failed",
			zap.Int("attempt", attempt),
			zap.String("method", report.Method),
			zap.String("url", report.Endpoint),
			zap.String("stage", report.Stage),
			zap.Int("code", report.Code),
			zap.Int("httpStatus", report.HTTPStatus),
			zap.Bool("retryable", report.Retryable),
			zap.String("detail", report.Detail))
		c.recordAPIError(report)

		if attempt == 2 || !report.Retryable {
			break
		}
		select {
		case <-ctx.Done():
			return zero, lastHeader, lastCookies, lastErr
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	return zero, lastHeader, lastCookies, lastErr
}

func requestJSONOnce[T any](c *Client, ctx context.Context, method string, targetURL string, form url.Values, withCookie bool) (T, http.Header, []*http.Cookie, error) {
	var zero T
	var body io.Reader
	if method == http.MethodPost && form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return zero, nil, nil, &bilibiliAPIError{report: apiErrorReport{
			Endpoint:    targetURL,
			Method:      method,
			Stage:       "build_request",
			RequestForm: encodeForm(form),
			Detail:      err.Error(),
		}}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", "https://message.bilibili.com/")
	req.Header.Set("Origin", "https://message.bilibili.com")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if withCookie {
		cookieHeader := c.creds.CookieHeader()
		if strings.TrimSpace(cookieHeader) == "" {
			return zero, nil, nil, &bilibiliAPIError{report: apiErrorReport{
				Endpoint:    targetURL,
				Method:      method,
				Stage:       "precheck",
				RequestForm: encodeForm(form),
				Detail:      "credentials are empty",
			}}
		}
		req.Header.Set("Cookie", cookieHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return zero, nil, nil, &bilibiliAPIError{report: apiErrorReport{
			Endpoint:    targetURL,
			Method:      method,
			Stage:       "network",
			RequestForm: encodeForm(form),
			Detail:      err.Error(),
		}}
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return zero, resp.Header.Clone(), resp.Cookies(), &bilibiliAPIError{report: apiErrorReport{
			Endpoint:        targetURL,
			Method:          method,
			Stage:           "read_response",
			HTTPStatus:      resp.StatusCode,
			RequestForm:     encodeForm(form),
			ResponseHeaders: headerToJSON(resp.Header),
			Detail:          err.Error(),
		}}
	}
	bodyText := string(bodyBytes)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return zero, resp.Header.Clone(), resp.Cookies(), &bilibiliAPIError{report: apiErrorReport{
			Endpoint:        targetURL,
			Method:          method,
			Stage:           "http_status",
			HTTPStatus:      resp.StatusCode,
			RequestForm:     encodeForm(form),
			ResponseHeaders: headerToJSON(resp.Header),
			ResponseBody:    bodyText,
			Detail:          fmt.Sprintf("http status %d", resp.StatusCode),
		}}
	}
	parsed, err := decodeEnvelopeData[T](bodyBytes)
	if err != nil {
		stage := "decode_response"
		code := 0
		var codeErr *envelopeCodeError
		if errors.As(err, &codeErr) {
			stage = "api_code"
			code = codeErr.Code
		}
		return zero, resp.Header.Clone(), resp.Cookies(), &bilibiliAPIError{report: apiErrorReport{
			Endpoint:        targetURL,
			Method:          method,
			Stage:           stage,
			Code:            code,
			HTTPStatus:      resp.StatusCode,
			RequestForm:     encodeForm(form),
			ResponseHeaders: headerToJSON(resp.Header),
			ResponseBody:    bodyText,
			Detail:          err.Error(),
		}}
	}
	return parsed, resp.Header.Clone(), resp.Cookies(), nil
}

func decodeEnvelopeData[T any](bodyBytes []byte) (T, error) {
	var zero T
	var env bilibiliEnvelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return zero, err
	}
	if env.Code != 0 {
		message := strings.TrimSpace(env.Message)
		if message == "" {
			message = strings.TrimSpace(env.Msg)
		}
		if message == "" {
			message = "unknown bilibili api error"
		}
		return zero, &envelopeCodeError{Code: env.Code, Message: message}
	}
	payload := bytes.TrimSpace(env.Data)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		if _, ok := any(zero).(json.RawMessage); ok {
			return any(json.RawMessage("{}")).(T), nil
		}
		return zero, nil
	}
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// requestMultipart posts a multipart form the same way requestJSON
// posts url-encoded forms. Used by the image upload endpoint.
func requestMultipart[T any](c *Client, ctx context.Context, targetURL string, fields map[string]string, fileField string, fileName string, fileData []byte) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	cookieHeader := c.creds.CookieHeader()
	if strings.TrimSpace(cookieHeader) == "" {
		report := apiErrorReport{Endpoint: targetURL, Method: http.MethodPost, Stage: "precheck", Detail: "credentials are empty"}
		c.recordAPIError(report)
		return zero, &bilibiliAPIError{report: report}
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return zero, err
		}
	}
	part, err := writer.CreateFormFile(fileField, fileName)
	if err != nil {
		return zero, err
	}
	if _, err := part.Write(fileData); err != nil {
		return zero, err
	}
	if err := writer.Close(); err != nil {
		return zero, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, &buf)
	if err != nil {
		return zero, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Cookie", cookieHeader)
	req.Header.Set("Referer", "https://message.bilibili.com/")
	req.Header.Set("Origin", "https://message.bilibili.com")

	resp, err := c.client.Do(req)
	if err != nil {
		report := apiErrorReport{Endpoint: targetURL, Method: http.MethodPost, Stage: "network", Detail: err.Error()}
		c.recordAPIError(report)
		return zero, &bilibiliAPIError{report: report}
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		report := apiErrorReport{Endpoint: targetURL, Method: http.MethodPost, Stage: "read_response", HTTPStatus: resp.StatusCode, Detail: err.Error()}
		c.recordAPIError(report)
		return zero, &bilibiliAPIError{report: report}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		report := apiErrorReport{
			Endpoint:     targetURL,
			Method:       http.MethodPost,
			Stage:        "http_status",
			HTTPStatus:   resp.StatusCode,
			ResponseBody: string(bodyBytes),
			Detail:       fmt.Sprintf("http status %d", resp.StatusCode),
		}
		c.recordAPIError(report)
		return zero, &bilibiliAPIError{report: report}
	}
	parsed, err := decodeEnvelopeData[T](bodyBytes)
	if err != nil {
		stage := "decode_response"
		code := 0
		var codeErr *envelopeCodeError
		if errors.As(err, &codeErr) {
			stage = "api_code"
			code = codeErr.Code
		}
		report := apiErrorReport{
			Endpoint:     targetURL,
			Method:       http.MethodPost,
			Stage:        stage,
			Code:         code,
			HTTPStatus:   resp.StatusCode,
			ResponseBody: string(bodyBytes),
			Detail:       err.Error(),
		}
		c.recordAPIError(report)
		return zero, &bilibiliAPIError{report: report}
	}
	return parsed, nil
}

// fetchWBIKeys reads the signing key URLs from nav. The envelope code
// is ignored on purpose: nav reports -101 when not logged in but still
// carries usable wbi_img keys.
func (c *Client) fetchWBIKeys(ctx context.Context) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, navAPI, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if cookieHeader := c.creds.CookieHeader(); strings.TrimSpace(cookieHeader) != "" {
		req.Header.Set("Cookie", cookieHeader)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch wbi keys: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("fetch wbi keys: %w", err)
	}
	var parsed struct {
		Data struct {
			WbiImg struct {
				ImgURL string `json:"img_url"`
				SubURL string `json:"sub_url"`
			} `json:"wbi_img"`
		} `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return "", "", fmt.Errorf("parse wbi keys: %w", err)
	}
	img := wbiKeyFromURL(parsed.Data.WbiImg.ImgURL)
	sub := wbiKeyFromURL(parsed.Data.WbiImg.SubURL)
	if img == "" || sub == "" {
		return "", "", errors.New("nav response carried no wbi keys")
	}
	return img, sub, nil
}

// FetchImageBase64 downloads an image and returns it as a data URL.
// Used for optional avatar inlining.
func (c *Client) FetchImageBase64(ctx context.Context, imageURL string) (string, error) {
	data, contentType, err := c.fetchBinary(ctx, imageURL)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return "data:" + contentType + ";base64," + base64Encode(data), nil
}

func (c *Client) fetchBinary(ctx context.Context, targetURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch %s: http status %d", targetURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

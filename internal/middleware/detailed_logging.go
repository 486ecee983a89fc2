package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"smsrelay/internal/httputil"
	"smsrelay/internal/privacy"
	"smsrelay/internal/service"
	"smsrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// DetailedLoggingConfig controls what gets logged
type DetailedLoggingConfig struct {
	LogRequestHeaders  bool     `json:"log_request_headers"`
	LogResponseHeaders bool     `json:"log_response_headers"`
	LogRequestBody     bool     `json:"log_request_body"`
	LogResponseBody    bool     `json:"log_response_body"`
	MaxBodySize        int      `json:"max_body_size"`     // Maximum bytes to log
	SensitiveHeaders   []string `json:"sensitive_headers"` // Headers to mask
	SkipEndpoints      []string `json:"skip_endpoints"`    // Path prefixes to skip
}

// DefaultDetailedLoggingConfig returns the debug logging defaults
func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders:  true,
		LogResponseHeaders: false,
		LogRequestBody:     false,
		LogResponseBody:    false,
		MaxBodySize:        1024,
		SensitiveHeaders: []string{
			"authorization", "x-signature", "x-host-signature",
			"cookie", "set-cookie", "x-api-key",
		},
		SkipEndpoints: []string{
			"/metrics", "/health",
		},
	}
}

// DetailedLoggingMiddleware logs request and response details at debug level
func DetailedLoggingMiddleware(logger *logrus.Logger, config DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsLevelEnabled(logrus.DebugLevel) || skipPath(r.URL.Path, config.SkipEndpoints) {
				next.ServeHTTP(w, r)
				return
			}

			requestInfo := tracing.GetRequestInfo(r.Context())

			logRequestDetails(logger, r, requestInfo, config)

			var responseCapture *responseCaptureWrapper
			var wrappedWriter = w

			if config.LogResponseBody || config.LogResponseHeaders {
				responseCapture = &responseCaptureWrapper{
					ResponseWriter: w,
					body:           bytes.NewBuffer(nil),
					headers:        make(http.Header),
					statusCode:     http.StatusOK,
				}
				wrappedWriter = responseCapture
			}

			next.ServeHTTP(wrappedWriter, r)

			if responseCapture != nil {
				logResponseDetails(logger, responseCapture, requestInfo, config)
			}
		})
	}
}

func skipPath(path string, prefixes []string) bool {
	for _, skip := range prefixes {
		if strings.HasPrefix(path, skip) {
			return true
		}
	}
	return false
}

func logRequestDetails(logger *logrus.Logger, r *http.Request, requestInfo tracing.RequestInfo, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID: requestInfo.RequestID,
		service.LogFieldTraceID:   requestInfo.TraceID,
		service.LogFieldMethod:    r.Method,
		service.LogFieldURL:       r.URL.String(),
		service.LogFieldRemoteIP:  httputil.GetClientIP(r),
		"content_length":          r.ContentLength,
		"protocol":                r.Proto,
	}

	if config.LogRequestHeaders {
		fields["request_headers"] = maskHeaders(r.Header, config.SensitiveHeaders)
	}

	if config.LogRequestBody && shouldLogBody(r.Header) {
		if r.ContentLength > 0 && r.ContentLength <= int64(config.MaxBodySize) {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				// restore for the handler
				r.Body = io.NopCloser(bytes.NewReader(body))
				fields["request_body"] = maskBody(body)
			}
		}
	}

	logger.WithFields(fields).Debug("Detailed request logging")
}

func logResponseDetails(logger *logrus.Logger, capture *responseCaptureWrapper, requestInfo tracing.RequestInfo, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID:  requestInfo.RequestID,
		service.LogFieldTraceID:    requestInfo.TraceID,
		service.LogFieldStatusCode: capture.statusCode,
		"response_size":            capture.body.Len(),
	}

	if config.LogResponseHeaders {
		fields["response_headers"] = maskHeaders(capture.headers, config.SensitiveHeaders)
	}

	if config.LogResponseBody && capture.body.Len() > 0 {
		bodySize := capture.body.Len()
		if bodySize <= config.MaxBodySize {
			fields["response_body"] = maskBody(capture.body.Bytes())
		} else {
			fields["response_body"] = fmt.Sprintf("***TRUNCATED*** (size: %d bytes)", bodySize)
		}
	}

	logger.WithFields(fields).Debug("Detailed response logging")
}

func maskHeaders(h http.Header, sensitive []string) map[string]string {
	headers := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name, sensitive) {
			headers[name] = "***MASKED***"
		} else {
			headers[name] = strings.Join(values, ", ")
		}
	}
	return headers
}

// maskBody masks sensitive top-level fields of a JSON object. Anything that
// is not a JSON object is replaced by its size.
func maskBody(body []byte) interface{} {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Sprintf("***UNPARSED*** (size: %d bytes)", len(body))
	}
	return privacy.MaskSensitiveFields(fields)
}

// responseCaptureWrapper captures response data for logging
type responseCaptureWrapper struct {
	http.ResponseWriter
	body       *bytes.Buffer
	headers    http.Header
	statusCode int
}

func (rc *responseCaptureWrapper) Write(data []byte) (int, error) {
	n, err := rc.ResponseWriter.Write(data)
	if err == nil {
		rc.body.Write(data[:n])
	}
	return n, err
}

func (rc *responseCaptureWrapper) WriteHeader(statusCode int) {
	rc.statusCode = statusCode
	// copy before they are sent
	for name, values := range rc.ResponseWriter.Header() {
		rc.headers[name] = values
	}
	rc.ResponseWriter.WriteHeader(statusCode)
}

func (rc *responseCaptureWrapper) Header() http.Header {
	return rc.ResponseWriter.Header()
}

// isSensitiveHeader checks if a header should be masked
func isSensitiveHeader(headerName string, sensitiveHeaders []string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(sensitive, headerName) {
			return true
		}
	}
	return false
}

// shouldLogBody accepts JSON bodies only
func shouldLogBody(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "application/json")
}

package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"smsrelay/internal/httputil"
	"smsrelay/internal/metrics"
	"smsrelay/internal/service"
	"smsrelay/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ObservabilityMiddleware adds request IDs, tracing, metrics and access logs
// to every control API request
func ObservabilityMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := tracing.ExtractHeaders(r.Context(), r.Header)
			ctx, span := tracing.StartSpan(ctx, "http_request")
			defer span.End()

			requestID := r.Header.Get(tracing.RequestIDHeader)
			if requestID == "" {
				requestID = tracing.GenerateRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, time.Now())
			if tracing.GetTraceID(ctx) == "" {
				ctx = tracing.WithTraceID(ctx, requestID)
			}

			r = r.WithContext(ctx)
			w.Header().Set(tracing.RequestIDHeader, requestID)

			route := routeTemplate(r)
			clientIP := httputil.GetClientIP(r)

			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("url.path", r.URL.Path),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
				attribute.String("client.address", clientIP),
				attribute.String("request.id", requestID),
			)

			requestInfo := tracing.GetRequestInfo(ctx)

			wrapper := &responseWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: requestInfo.RequestID,
				service.LogFieldTraceID:   requestInfo.TraceID,
				service.LogFieldMethod:    r.Method,
				service.LogFieldURL:       r.URL.Path,
				service.LogFieldRemoteIP:  clientIP,
				service.LogFieldUserAgent: r.Header.Get("User-Agent"),
				"content_length":          r.ContentLength,
			}).Debug("HTTP request started")

			metrics.IncrementCounter(metrics.HTTPRequests, map[string]string{
				"method":   r.Method,
				"endpoint": route,
			}, "Total HTTP requests")

			metrics.IncrementCounter(metrics.HTTPRequestsActive, nil, "Currently active HTTP requests")
			defer func() {
				metrics.AddToCounter(metrics.HTTPRequestsActive, -1, nil, "Currently active HTTP requests")
			}()

			next.ServeHTTP(wrapper, r)

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
				attribute.Int64("http.request.duration_ms", duration.Milliseconds()),
			)

			if wrapper.statusCode >= 500 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			metrics.RecordTimer(metrics.HTTPRequestDuration, duration, map[string]string{
				"method":      r.Method,
				"endpoint":    route,
				"status_code": status,
			}, "HTTP request duration")

			metrics.IncrementCounter(metrics.HTTPResponses, map[string]string{
				"method":      r.Method,
				"endpoint":    route,
				"status_code": status,
			}, "HTTP responses by status code")

			logLevel := logrus.InfoLevel
			if wrapper.statusCode >= 400 && wrapper.statusCode < 500 {
				logLevel = logrus.WarnLevel
			} else if wrapper.statusCode >= 500 {
				logLevel = logrus.ErrorLevel
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID:  requestInfo.RequestID,
				service.LogFieldTraceID:    requestInfo.TraceID,
				service.LogFieldMethod:     r.Method,
				service.LogFieldURL:        r.URL.Path,
				service.LogFieldStatusCode: wrapper.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldRemoteIP:   clientIP,
				service.LogFieldSize:       wrapper.responseSize,
			}).Log(logLevel, "HTTP request completed")
		})
	}
}

// HostEventObservabilityMiddleware adds ingest specific metrics to the host
// event endpoint. It must run inside ObservabilityMiddleware.
func HostEventObservabilityMiddleware(logger *logrus.Logger, source string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx := r.Context()

			tracing.AddSpanAttributes(ctx,
				attribute.String("host_event.source", source),
				attribute.String("http.request.header.content-type", r.Header.Get("Content-Type")),
				attribute.Int64("http.request.content_length", r.ContentLength),
			)

			metrics.IncrementCounter(metrics.HostEventRequests, map[string]string{"source": source}, "Host event deliveries by source")

			wrapper := &responseWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapper, r)

			processingTime := time.Since(startTime)
			status := strconv.Itoa(wrapper.statusCode)

			metrics.RecordTimer(metrics.HostEventDuration, processingTime, map[string]string{
				"source":      source,
				"status_code": status,
			}, "Host event processing duration")

			if wrapper.statusCode >= 400 {
				metrics.IncrementCounter(metrics.HostEventErrors, map[string]string{
					"source":      source,
					"status_code": status,
				}, "Rejected host events")

				requestInfo := tracing.GetRequestInfo(ctx)
				logger.WithFields(logrus.Fields{
					service.LogFieldRequestID:  requestInfo.RequestID,
					service.LogFieldComponent:  source,
					service.LogFieldStatusCode: wrapper.statusCode,
					service.LogFieldDuration:   processingTime.Milliseconds(),
				}).Warn("Host event rejected")
			}
		})
	}
}

// routeTemplate returns the matched mux route so metrics do not explode on
// query strings or path variables
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// responseWrapper captures response metrics
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

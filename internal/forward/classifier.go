package forward

import (
	"fmt"
	"net/http"
	"unicode/utf8"

	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/queue"
)

// Outcome is the classified result of one delivery attempt: Success, Fatal or Retryable.
type Outcome interface {
	outcome()
	// Name is a stable label for logs and metrics
	Name() string
}

// Success is a 2xx response
type Success struct {
	Code int
}

// Fatal is a response retrying cannot change
type Fatal struct {
	Code int
	Body string
}

// Retryable is a 5xx, an unknown code or a transport failure (Code 0)
type Retryable struct {
	Code int
	Body string
	Err  error
}

func (Success) outcome()   {}
func (Fatal) outcome()     {}
func (Retryable) outcome() {}

func (Success) Name() string   { return "success" }
func (Fatal) Name() string     { return "fatal" }
func (Retryable) Name() string { return "retryable" }

// Classify maps a transport error or an HTTP status to an Outcome
func Classify(statusCode int, body string, transportErr error) Outcome {
	if transportErr != nil {
		return Retryable{Body: transportErr.Error(), Err: transportErr}
	}

	switch {
	case statusCode >= 200 && statusCode <= 299:
		return Success{Code: statusCode}
	case statusCode == http.StatusUnauthorized:
		return Fatal{Code: statusCode, Body: body}
	case statusCode >= 400 && statusCode <= 499:
		return Fatal{Code: statusCode, Body: body}
	default:
		return Retryable{Code: statusCode, Body: body}
	}
}

// Result converts an outcome into the verdict returned to the queue
func Result(o Outcome) queue.Result {
	switch o := o.(type) {
	case Success:
		return queue.Succeeded(o.Code)
	case Fatal:
		return queue.Failed(o.Code, detail(o.Code, o.Body))
	case Retryable:
		return queue.Retry(o.Code, detail(o.Code, o.Body))
	default:
		return queue.Retry(0, fmt.Sprintf("unclassified outcome %T", o))
	}
}

// Error describes a non-successful outcome with the delivery error taxonomy
func Error(endpoint string, o Outcome) error {
	switch o := o.(type) {
	case Success:
		return nil
	case Fatal:
		return apperrors.NewDeliveryError(endpoint, o.Code, fmt.Errorf("%s", detail(o.Code, o.Body)))
	case Retryable:
		cause := o.Err
		if cause == nil {
			cause = fmt.Errorf("%s", detail(o.Code, o.Body))
		}
		return apperrors.NewDeliveryError(endpoint, o.Code, cause)
	default:
		return apperrors.NewUnexpectedError("classify delivery", fmt.Errorf("unclassified outcome %T", o))
	}
}

func detail(code int, body string) string {
	const maxDetail = 512
	if len(body) > maxDetail {
		cut := maxDetail
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	if code == 0 {
		return body
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d", code)
	}
	return fmt.Sprintf("HTTP %d: %s", code, body)
}

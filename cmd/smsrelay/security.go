package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"smsrelay/internal/constants"
	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/forward"
	"smsrelay/internal/httputil"
	"smsrelay/internal/service"
)

// maxHostEventSkew bounds how old a signed host event may be
const maxHostEventSkew = 5 * time.Minute

// verifyHostEvent accepts a request from a loopback peer that is not
// fronting another client, or one signed with the relay secret using the
// same X-Timestamp/X-Signature scheme as outbound requests. The signature
// covers the raw body, which is empty for GET requests.
func verifyHostEvent(ctx context.Context, r *http.Request, body []byte, creds service.CredentialReader, now time.Time) error {
	if httputil.IsLoopbackRequest(r) && r.Header.Get("X-Forwarded-For") == "" {
		return nil
	}

	signature := r.Header.Get(constants.HeaderSignature)
	tsHeader := r.Header.Get(constants.HeaderTimestamp)
	if signature == "" || tsHeader == "" {
		return fmt.Errorf("missing %s or %s header", constants.HeaderSignature, constants.HeaderTimestamp)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s header: %w", constants.HeaderTimestamp, err)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > maxHostEventSkew || skew < -maxHostEventSkew {
		return fmt.Errorf("timestamp outside of the allowed window")
	}

	c, err := creds.GetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	if c.LegacySecret == "" {
		return fmt.Errorf("no secret configured for remote host events")
	}

	if !forward.Verify(c.LegacySecret, ts, string(body), signature) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// requireTrustedPeer guards operator routes with the same rule as host events.
// The body is read once for verification and handed on unchanged.
func (s *Server) requireTrustedPeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, constants.MaxHostEventBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if stderrors.As(err, &tooLarge) {
					s.writeError(w, r, apperrors.New(apperrors.ErrCodePayloadTooLarge, "operator request body too large").
						WithUserMessage("Request body too large"))
					return
				}
				s.writeError(w, r, apperrors.NewValidationError("body", "unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		if err := verifyHostEvent(r.Context(), r, body, s.deps.Credentials, s.now()); err != nil {
			s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "operator request rejected").
				WithUserMessage("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

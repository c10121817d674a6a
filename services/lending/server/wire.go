package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"lendingcore/observability/logging"
	"lendingcore/services/lending/engine"
)

// TLSOptions captures the certificate material for the HTTP listener.
type TLSOptions struct {
	CertFile      string
	KeyFile       string
	ClientCAFile  string
	AllowInsecure bool
	MTLSRequired  bool
}

// TLSConfig builds the listener TLS configuration. It returns nil without
// error when no certificate is configured and plaintext is allowed.
func TLSConfig(opts TLSOptions) (*tls.Config, error) {
	certPath := strings.TrimSpace(opts.CertFile)
	keyPath := strings.TrimSpace(opts.KeyFile)
	clientCAPath := strings.TrimSpace(opts.ClientCAFile)

	if certPath == "" || keyPath == "" {
		if opts.MTLSRequired {
			return nil, fmt.Errorf("mtls requires server certificate, key, and client ca configuration")
		}
		if opts.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls certificate and key are required")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if clientCAPath != "" {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if opts.MTLSRequired {
		if tlsCfg.ClientCAs == nil {
			return nil, fmt.Errorf("client ca bundle required for mtls")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

const requestIDHeader = "X-Request-ID"

// requestLogging echoes the chi request id and logs every completed request.
// It expects middleware.RequestID and middleware.RealIP ahead of it.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := chimw.GetReqID(r.Context())
			if id != "" {
				w.Header().Set(requestIDHeader, id)
			}
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				logging.MaskField("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", recorder.status),
				slog.Duration("duration", time.Since(start)),
				logging.MaskField("remote_addr", r.RemoteAddr))
		})
	}
}

const maxBodyBytes = 1 << 20

// decode reads a JSON body into dst and runs struct validation. Failures wrap
// engine.ErrInvalidInput.
func (s *Service) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body required", engine.ErrInvalidInput)
		}
		return fmt.Errorf("%w: decode request: %w", engine.ErrInvalidInput, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

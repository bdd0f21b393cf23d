// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/nodevisor"
	"github.com/gdamore/nodevisor/config"
)

type contextKey string

const (
	ctxKeyRequestId contextKey = "request_id"

	requestIdHeader = "X-Request-ID"

	// DefaultMaxBodyBytes bounds request bodies when no limit is given.
	DefaultMaxBodyBytes = 1 << 20
)

// RequestId returns the id assigned to the request carrying ctx.
func RequestId(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestId).(string)
	return id
}

func requestId(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIdHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIdHeader, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestId, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func logRequests(next http.Handler, logger nodevisor.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestId(r.Context()),
		)
	})
}

func recovery(next http.Handler, logger nodevisor.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", RequestId(r.Context()),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bodyLimit(next http.Handler, limit int64) http.Handler {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// basicAuth requires HTTP basic authentication when a password hash is
// configured.  The hash is a bcrypt hash.
func basicAuth(next http.Handler, cfg config.AuthConfig, logger nodevisor.Logger) http.Handler {
	if cfg.PasswordHash == "" {
		return next
	}
	hash := []byte(cfg.PasswordHash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			userOk := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.User)) == 1
			passOk := bcrypt.CompareHashAndPassword(hash, []byte(pass)) == nil
			if userOk && passOk {
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn("authentication failed", "user", user,
				"remote", r.RemoteAddr, "request_id", RequestId(r.Context()))
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="nodevisor"`)
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":401,"message":"Unauthorized"}`))
	})
}

// HashPassword returns a bcrypt hash suitable for the auth configuration.
func HashPassword(password string) (string, error) {
	b, e := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if e != nil {
		return "", e
	}
	return string(b), nil
}

// statusWriter records the status code.  It passes hijacking and flushing
// through, as the live channel and long polls need them.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		w.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

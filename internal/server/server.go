/*
Copyright © 2024 John Dudmesh <john@dudmesh.co.uk>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jdudmesh/propolis-social/internal/httpsig"
	"github.com/jdudmesh/propolis-social/internal/identity"
)

const (
	MaxBodySize = 1048576

	shutdownTimeout = 10 * time.Second
)

type Processor interface {
	Process(ctx context.Context, body []byte) error
}

type Verifier interface {
	Verify(ctx context.Context, req *http.Request) (*httpsig.Result, error)
}

type KeyCache interface {
	Invalidate(keyID string) error
}

type Config struct {
	Host   string
	Port   int
	Domain string
	Logger *slog.Logger

	// InsecureSkipVerification accepts unsigned inbound activities. For
	// local development only; it must never be set on a federated
	// deployment.
	InsecureSkipVerification bool
}

type server struct {
	host             string
	port             int
	logger           *slog.Logger
	verifier         Verifier
	keys             KeyCache
	processor        Processor
	identity         *identity.Service
	skipVerification bool
}

func New(config Config, verifier Verifier, keys KeyCache, processor Processor, ident *identity.Service) (*server, error) {
	if config.InsecureSkipVerification {
		config.Logger.Warn("signature verification is DISABLED, do not federate this instance")
	}

	return &server{
		host:             config.Host,
		port:             config.Port,
		logger:           config.Logger,
		verifier:         verifier,
		keys:             keys,
		processor:        processor,
		identity:         ident,
		skipVerification: config.InsecureSkipVerification,
	}, nil
}

func (s *server) newServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/webfinger", s.handleWebFinger)
	mux.HandleFunc("POST /inbox", s.handleInbox)
	mux.HandleFunc("POST /inbox/{handle}", s.handleUserInbox)
	mux.HandleFunc("GET /u/{handle}", s.handleActor)

	return mux
}

func (s *server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	srv := http.Server{
		Addr:    addr,
		Handler: s.newServeMux(),
	}

	go func() {
		s.logger.Info("starting federation server", "addr", addr)
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("federation server", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFn()

	return srv.Shutdown(shutdownCtx)
}

func (s *server) Reload() error {
	s.logger.Info("reload requested")
	return nil
}

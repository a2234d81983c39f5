// Package api serves price reads and guarded oracle administration over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"price-oracle-aggregator/internal/config"
	"price-oracle-aggregator/internal/oracle"
)

// Oracle is the aggregator surface exposed over HTTP.
type Oracle interface {
	BaseCurrency() string
	BaseCurrencyUnit() uint256.Int
	Assets() []common.Address
	GetAssetPrice(ctx context.Context, asset common.Address) (uint256.Int, error)
	GetPriceInfo(ctx context.Context, asset common.Address) (oracle.PriceInfo, error)
	LastGoodPrice(asset common.Address) (oracle.LastGoodPrice, bool)
	FreezeState(asset common.Address) oracle.FreezeState
	UpdateLastGoodPrice(ctx context.Context, caller, asset common.Address, price uint256.Int, updatedAt time.Time) error
	FreezeAsset(ctx context.Context, caller, asset common.Address, override *uint256.Int) error
	UnfreezeAsset(ctx context.Context, caller, asset common.Address) error
}

type credential struct {
	token     []byte
	principal common.Address
}

// Server wraps the HTTP listener and router.
type Server struct {
	oracle      Oracle
	credentials []credential
	symbols     map[common.Address]string
	httpServer  *http.Server
	router      *mux.Router
	logger      zerolog.Logger
}

// NewServer builds the router. metrics may be nil.
func NewServer(cfg config.HTTPConfig, o Oracle, symbols map[common.Address]string, metrics http.Handler, logger zerolog.Logger) (*Server, error) {
	creds := make([]credential, 0, len(cfg.AdminTokens))
	for i, t := range cfg.AdminTokens {
		if t.Token == "" || !common.IsHexAddress(t.Principal) {
			return nil, fmt.Errorf("http.admin_tokens[%d]: token and hex principal required", i)
		}
		creds = append(creds, credential{token: []byte(t.Token), principal: common.HexToAddress(t.Principal)})
	}

	s := &Server{
		oracle:      o,
		credentials: creds,
		symbols:     symbols,
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "api").Logger(),
	}
	s.routes(metrics)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes(metrics http.Handler) {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/base", s.handleBase).Methods(http.MethodGet)
	v1.HandleFunc("/assets", s.handleAssets).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{asset}/price", s.handlePrice).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{asset}/info", s.handleInfo).Methods(http.MethodGet)

	admin := v1.PathPrefix("/assets/{asset}").Subrouter()
	admin.Use(s.requirePrincipal)
	admin.HandleFunc("/last-good-price", s.handleUpdateLastGoodPrice).Methods(http.MethodPut)
	admin.HandleFunc("/freeze", s.handleFreeze).Methods(http.MethodPost)
	admin.HandleFunc("/unfreeze", s.handleUnfreeze).Methods(http.MethodPost)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

type principalKey struct{}

func (s *Server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		for _, c := range s.credentials {
			if subtle.ConstantTimeCompare(c.token, []byte(token)) == 1 {
				ctx := context.WithValue(r.Context(), principalKey{}, c.principal)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "unknown bearer token")
	})
}

func principalFrom(ctx context.Context) common.Address {
	p, _ := ctx.Value(principalKey{}).(common.Address)
	return p
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(started)).
			Msg("http request")
	})
}

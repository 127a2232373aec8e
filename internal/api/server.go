package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/dca-autopilot/internal/domain"
	"github.com/xela07ax/dca-autopilot/internal/engine"
	"github.com/xela07ax/dca-autopilot/internal/infra/auth"
)

// Server — операторский API движка. Метрики отдаются отдельным листенером.
type Server struct {
	router    *chi.Mux
	logger    *zap.Logger
	validator auth.TokenValidator
	wallets   *WalletHandler
}

func NewServer(validator auth.TokenValidator, wallets *WalletHandler, logger *zap.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("api"),
		validator: validator,
		wallets:   wallets,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// 1. Инфраструктурные middleware для всех
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)

	// 2. Публичные роуты
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// 3. Защищенный периметр: RS256 токен со scope оператора
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, domain.ScopeOperator, s.logger))

		r.Route("/v1/wallets/{wallet}", func(r chi.Router) {
			r.Post("/execute", s.wallets.Execute)
			r.Get("/quote", s.wallets.Quote)
			r.Get("/purchases", s.wallets.Purchases)
			r.Post("/pause", s.wallets.Pause)
			r.Post("/resume", s.wallets.Resume)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

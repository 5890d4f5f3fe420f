package oauth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/icssc/auth/internal/logger"
)

// Routes mounts every endpoint on a chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	r.HandleFunc("/authorize", s.HandleAuthorize)
	r.HandleFunc("/callback/google", s.HandleCallback)
	r.HandleFunc("/session/check", s.HandleSessionCheck)
	r.HandleFunc("/logout", s.HandleLogout)
	r.HandleFunc("/.well-known/openid-configuration", s.HandleWellKnown)
	r.HandleFunc("/jwks.json", s.HandleJWKS)
	r.HandleFunc("/healthz", s.HandleHealthz)

	r.With(s.cors(false)).HandleFunc("/token", s.HandleToken)
	r.With(s.cors(false)).HandleFunc("/userinfo", s.HandleUserInfo)
	r.With(s.cors(true)).HandleFunc("/session", s.HandleSession)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// cors grants cross-origin access to registered client origins only.
func (s *Server) cors(credentials bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")
			origin, ok := s.clients.AllowedOrigin(r.Header.Get("Origin"))
			if ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				if credentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger scopes a logger to the request and logs its outcome. Query
// strings carry codes and state, so only the path is logged.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := logger.L().With(
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logger.ToContext(r.Context(), l)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		l.Info("request", logger.Status(status), zap.Duration("duration", time.Since(start)))
	})
}

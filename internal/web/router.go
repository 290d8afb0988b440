// Package web is the HTTP front of the bridge: the websocket endpoint, the
// keyboard and power commands, and the static UI.
package web

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"devbridge/internal/bridge"
)

type Options struct {
	Assets         string
	NoVNC          string
	AllowedOrigins []string
	Version        string
	Logger         *zap.Logger
}

func NewRouter(b *bridge.Bridge, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			logger.Info("http request",
				zap.String("method", param.Method),
				zap.String("path", param.Path),
				zap.Int("status", param.StatusCode),
				zap.Duration("latency", param.Latency),
				zap.String("client_ip", param.ClientIP),
			)
			return ""
		},
	}))
	router.Use(gin.Recovery())

	router.GET("/", func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.File(filepath.Join(opts.Assets, "index.html"))
	})
	router.GET("/assets/*path", gin.WrapH(http.StripPrefix("/assets", noCacheFiles(opts.Assets))))
	router.GET("/novnc/*path", gin.WrapH(http.StripPrefix("/novnc", http.FileServer(http.Dir(opts.NoVNC)))))

	router.GET("/mtda", gin.WrapF(b.ServeWS))

	router.GET("/keyboard-input", func(c *gin.Context) {
		b.KeyboardInput(c.Request.Context(), c.Query("input"))
		c.Status(http.StatusOK)
	})

	router.GET("/power-toggle", func(c *gin.Context) {
		sid, _ := b.Sessions().FromRequest(c.Request)
		c.String(http.StatusOK, b.PowerToggle(c.Request.Context(), sid))
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "devbridge",
			"version": opts.Version,
			"clients": b.Clients(),
		})
	})

	if len(opts.AllowedOrigins) == 0 {
		return router
	}
	return cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet},
		AllowCredentials: true,
		MaxAge:           86400,
	}).Handler(router)
}

func noCacheFiles(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "" || path == "/" || strings.HasSuffix(path, ".js") || strings.HasSuffix(path, ".css") {
			w.Header().Set("Cache-Control", "no-store")
		}
		fs.ServeHTTP(w, r)
	})
}

// OriginChecker accepts websocket upgrades from the listed origins and from
// pages served by this host.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

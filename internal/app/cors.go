package app

import (
	"net/http"

	"github.com/Raimguhinov/davfs-go/internal/config"
	"github.com/rs/cors"
)

// corsMiddleware builds the CORS layer from config, with DAV-aware
// defaults when the lists are left empty.
func corsMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:     cfg.HTTP.CORS.AllowedMethods,
		AllowedOrigins:     cfg.HTTP.CORS.AllowedOrigins,
		AllowCredentials:   cfg.HTTP.CORS.AllowCredentials,
		AllowedHeaders:     cfg.HTTP.CORS.AllowedHeaders,
		OptionsPassthrough: cfg.HTTP.CORS.OptionsPassthrough,
		ExposedHeaders:     cfg.HTTP.CORS.ExposedHeaders,
		Debug:              cfg.HTTP.CORS.Debug,
	}
	if len(opts.AllowedMethods) == 0 {
		opts.AllowedMethods = []string{
			"GET", "HEAD", "PUT", "DELETE", "OPTIONS",
			"PROPFIND", "PROPPATCH", "REPORT", "MKCOL", "COPY", "MOVE",
		}
	}
	if len(opts.AllowedHeaders) == 0 {
		opts.AllowedHeaders = []string{"*"}
	}
	return cors.New(opts).Handler
}

package app

import (
	"fmt"
	"net/http"

	caldavsrv "github.com/Raimguhinov/davfs-go/internal/caldav"
	carddavsrv "github.com/Raimguhinov/davfs-go/internal/carddav"
	"github.com/Raimguhinov/davfs-go/internal/config"
	mwlogger "github.com/Raimguhinov/davfs-go/internal/delivery/http/middleware/logger"
	"github.com/Raimguhinov/davfs-go/internal/storage"
	"github.com/Raimguhinov/davfs-go/pkg/logger"
	"github.com/ceres919/go-webdav/caldav"
	"github.com/ceres919/go-webdav/carddav"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(l *logger.Logger, store storage.Storage, cfg *config.Config) http.Handler {
	for _, method := range []string{
		"PROPFIND",
		"PROPPATCH",
		"REPORT",
		"MKCOL",
		"COPY",
		"MOVE",
		"OPTIONS",
	} {
		chi.RegisterMethod(method)
	}

	s := chi.NewRouter()
	s.Use(middleware.RequestID)
	s.Use(mwlogger.New(l))
	s.Use(middleware.Recoverer)
	s.Use(corsMiddleware(cfg))

	upBackend := &userPrincipalBackend{}

	caldavBackend, err := caldavsrv.New(upBackend, cfg.App.CalDAVPrefix, store, l)
	if err != nil {
		l.Error(fmt.Sprintf("failed to load caldav backend: %v", err))
	}
	carddavBackend, err := carddavsrv.New(upBackend, cfg.App.CardDAVPrefix, store, l)
	if err != nil {
		l.Error(fmt.Sprintf("failed to load carddav backend: %v", err))
	}

	carddavHandler := carddav.Handler{Backend: carddavBackend}
	caldavHandler := caldav.Handler{Backend: caldavBackend}
	handler := davHandler{
		upBackend:      upBackend,
		caldavBackend:  caldavBackend,
		carddavBackend: carddavBackend,
	}

	s.Mount("/", &handler)
	s.Mount("/.well-known/caldav", &caldavHandler)
	s.Mount("/.well-known/carddav", &carddavHandler)
	s.Mount("/{user}/"+cfg.App.CardDAVPrefix, &carddavHandler)
	s.Mount("/{user}/"+cfg.App.CalDAVPrefix, &caldavHandler)

	return s
}

package bootstrap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/target/merrymaker/config"
	httpx "github.com/target/merrymaker/internal/http"
)

// BuildHTTPServer assembles the API router and listener. With TLS paths
// configured the server requires client certificates signed by the given CA,
// which is how headless transport callers authenticate at the wire level.
func BuildHTTPServer(cfg *config.AppConfig, services *Container, logger *slog.Logger) (*http.Server, error) {
	handler := httpx.NewRouter(httpx.RouterServices{
		Events:   services.Events,
		Scans:    services.Scans,
		Jobs:     services.Jobs,
		Sessions: services.Sessions,
		Sites:    services.Sites,
		Sources:  services.Sources,
		Auth: httpx.AuthHandlers{
			Sessions:     services.Sessions,
			CallbackURL:  cfg.Auth.OAuth.RedirectURL,
			CookieDomain: cfg.Auth.CookieDomain,
			CookieSecure: cfg.Auth.CookieSecure && !cfg.IsDev,
			Logger:       logger,
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	if cfg.HTTP.ClientCAPath != "" {
		if !cfg.HTTP.TLSEnabled() {
			return nil, errors.New("http client CA configured without a server certificate and key")
		}
		pem, err := os.ReadFile(cfg.HTTP.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.HTTP.ClientCAPath)
		}
		server.TLSConfig = &tls.Config{
			ClientCAs:  pool,
			ClientAuth: tls.RequireAndVerifyClientCert,
			MinVersion: tls.VersionTLS12,
		}
	}
	return server, nil
}

// serveHTTP runs the listener until the context ends, then drains in-flight
// requests within the shutdown timeout.
func serveHTTP(ctx context.Context, server *http.Server, cfg config.HTTPConfig, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			logger.Info("starting HTTPS server", "addr", server.Addr, "client_ca", cfg.ClientCAPath != "")
			err = server.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
		} else {
			logger.Info("starting HTTP server", "addr", server.Addr)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown incomplete", "error", err)
		return err
	}
	logger.Info("HTTP server stopped")
	return <-errCh
}

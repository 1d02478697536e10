package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/factory"
	"identity-service/internal/handler"
	"identity-service/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := buildRouter(f)

	server := &http.Server{
		Addr:         listenAddr(cfg),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()

		// Production with AutoCert needs a second listener on :80 for
		// ACME challenges, so it takes its own serve path.
		if cfg.IsProduction() && cfg.Server.AutoCert {
			serveWithAutoCert(f, server, cfg, router)
			return
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	serve(f, server, cfg)
}

func listenAddr(cfg *config.Config) string {
	if cfg.Server.EnableTLS {
		return fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}
	return cfg.GetServerAddress()
}

func buildRouter(f *factory.Factory) http.Handler {
	services := f.ServiceFactory()

	authHandler := handler.NewAuthHandler(
		services.AuthService(),
		services.SessionService(),
		services.VerificationService(),
	)
	oauthHandler := handler.NewOAuthHandler(services.OAuthService())
	accountHandler := handler.NewAccountHandler(
		services.AccountService(),
		services.SessionService(),
	)

	health := func() map[string]string {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status := map[string]string{"service": "healthy"}
		for name, err := range f.HealthCheck(ctx) {
			status[name] = err.Error()
		}
		return status
	}

	return handler.NewRouter(f.Config(), authHandler, oauthHandler, accountHandler, health, util.Get())
}

func serveWithAutoCert(f *factory.Factory, server *http.Server, cfg *config.Config, router http.Handler) {
	acme := f.TLSManager().GetAutocertManager()
	if acme == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	challengeServer := &http.Server{
		Addr:    ":80",
		Handler: acme.HTTPHandler(nil),
	}
	apiServer := &http.Server{
		Addr:      ":443",
		Handler:   router,
		TLSConfig: server.TLSConfig,
	}

	go func() {
		util.Info("Starting ACME challenge server on port 80")
		if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Error("ACME challenge server failed", util.ErrorField(err))
		}
	}()

	go func() {
		util.Info("Starting HTTPS server with AutoCert on port 443",
			util.String("domain", cfg.Server.Domain),
		)
		if err := apiServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			util.Error("HTTPS AutoCert server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, apiServer, challengeServer)
}

func serve(f *factory.Factory, server *http.Server, cfg *config.Config) {
	go func() {
		var err error
		switch {
		case cfg.Server.EnableTLS && cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" && !cfg.Server.AutoCert:
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		case cfg.Server.EnableTLS:
			// Empty paths hand certificate selection to server.TLSConfig.
			err = server.ListenAndServeTLS("", "")
		default:
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)

	waitForShutdown(f, server)
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed")
		}
	}
	f.Close()
}

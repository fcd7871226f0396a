package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/merrymaker/config"
	"github.com/target/merrymaker/internal/adapters/authroles"
	"github.com/target/merrymaker/internal/adapters/oidc"
	redisadapter "github.com/target/merrymaker/internal/adapters/redis"
	"github.com/target/merrymaker/internal/service"
)

// BuildSessionService creates the session service for the configured auth
// mode. A nil return means authentication is disabled: the router drops its
// role gates and the auth routes are not mounted.
func BuildSessionService(
	ctx context.Context,
	cfg config.AuthConfig,
	redisClient redis.UniversalClient,
	logger *slog.Logger,
) (*service.SessionService, error) {
	if cfg.Mode == config.AuthModeDisabled {
		if logger != nil {
			logger.Warn("authentication disabled; all role gates are open")
		}
		return nil, nil
	}
	if redisClient == nil {
		return nil, fmt.Errorf("auth mode %q requires a redis client for session storage", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, oidc.Config{
		IssuerURL:    cfg.OAuth.IssuerURL,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes(),
	})
	if err != nil {
		return nil, fmt.Errorf("build oidc provider: %w", err)
	}

	return service.NewSessionService(service.SessionServiceOptions{
		Provider: provider,
		Store:    redisadapter.NewSessionStore(redisClient),
		Roles: authroles.NewStaticMapper(authroles.StaticMapperConfig{
			AdminGroup:     cfg.AdminGroup,
			UserGroup:      cfg.UserGroup,
			TransportGroup: cfg.TransportGroup,
		}),
		Logger:      logger,
		FallbackTTL: cfg.SessionTTL,
	}), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/internal/access"
	"github.com/MarcoPoloResearchLab/huddle/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/internal/config"
	"github.com/MarcoPoloResearchLab/huddle/internal/database"
	"github.com/MarcoPoloResearchLab/huddle/internal/logging"
	"github.com/MarcoPoloResearchLab/huddle/internal/messages"
	"github.com/MarcoPoloResearchLab/huddle/internal/realtime"
	"github.com/MarcoPoloResearchLab/huddle/internal/server"
	"github.com/MarcoPoloResearchLab/huddle/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	serviceName     = "huddle-api"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Huddle realtime chat backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newMembersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		email       string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.Issue(auth.SessionSubject{UserID: userID, Email: email, DisplayName: displayName})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User identifier baked into the token")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name baked into the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newMembersCommand() *cobra.Command {
	membersCmd := &cobra.Command{
		Use:   "members",
		Short: "Manage project membership",
	}

	var (
		projectID string
		userID    string
		role      string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Grant a user access to a project room",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccessService(func(service *access.Service) error {
				return service.AddProjectMember(cmd.Context(), projectID, userID, access.Role(role))
			})
		},
	}
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Revoke a user's access to a project room",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccessService(func(service *access.Service) error {
				return service.RemoveProjectMember(cmd.Context(), projectID, userID)
			})
		},
	}
	for _, sub := range []*cobra.Command{addCmd, removeCmd} {
		sub.Flags().StringVar(&projectID, "project", "", "Project identifier")
		sub.Flags().StringVar(&userID, "user", "", "User identifier")
		_ = sub.MarkFlagRequired("project")
		_ = sub.MarkFlagRequired("user")
	}
	addCmd.Flags().StringVar(&role, "role", string(access.RoleMember), "Member role (member, owner)")

	membersCmd.AddCommand(addCmd, removeCmd)
	return membersCmd
}

func withAccessService(run func(*access.Service) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db)

	service, err := access.NewService(access.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	return run(service)
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Browser origins allowed to connect")
	cmd.PersistentFlags().Bool("enforce-authorization", defaults.GetBool("realtime.enforce_authorization"), "Require room membership for join and submit")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "session-issuer")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "realtime.allowed_origins", "allowed-origins")
	bindFlag(cmd, "realtime.enforce_authorization", "enforce-authorization")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db)

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	accessService, err := access.NewService(access.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	messageService, err := messages.NewService(messages.ServiceConfig{
		Database:         db,
		Clock:            time.Now,
		IDProvider:       messages.NewUUIDProvider(),
		Logger:           logger,
		MaxContentLength: appConfig.MaxContentLength,
	})
	if err != nil {
		return err
	}

	verifier, err := server.NewSessionIdentityVerifier(sessionValidator, userService)
	if err != nil {
		return err
	}
	authorizer, err := server.NewAccessAuthorizer(accessService)
	if err != nil {
		return err
	}

	tuning := appConfig.Realtime
	authenticator, err := realtime.NewAuthenticator(realtime.AuthenticatorConfig{
		Verifier: verifier,
		Timeout:  tuning.VerifyTimeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	registry := realtime.NewRegistry(logger)
	pipeline, err := realtime.NewPipeline(realtime.PipelineConfig{
		Registry:             registry,
		Store:                messageService,
		Authorizer:           authorizer,
		EnforceAuthorization: tuning.EnforceAuthorization,
		PersistTimeout:       tuning.PersistTimeout,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry:    registry,
		Pipeline:    pipeline,
		SendBuffer:  tuning.SendBuffer,
		SubmitRate:  tuning.SubmitRate,
		SubmitBurst: tuning.SubmitBurst,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Credentials:   sessionValidator,
		Authenticator: authenticator,
		Registry:      registry,
		Dispatcher:    dispatcher,
		Pipeline:      pipeline,
		Messages:      messageService,
		Access:        accessService,
		Transport: realtime.TransportConfig{
			MaxFrameBytes: tuning.MaxFrameBytes,
			PingInterval:  tuning.PingInterval,
			WriteTimeout:  tuning.WriteTimeout,
		},
		AllowedOrigins: tuning.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("enforce_authorization", tuning.EnforceAuthorization))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are invisible to Shutdown. CloseAll also
		// refuses sessions upgraded while the listener is still open.
		registry.CloseAll()
		err := httpServer.Shutdown(shutdownCtx)
		logger.Info("server stopped", zap.Int("connections", registry.ConnectionCount()))
		return err
	})

	return group.Wait()
}

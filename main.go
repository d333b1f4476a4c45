package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mailhooks/internal"
	"mailhooks/pkg/relay"
	"mailhooks/pkg/signature"
	"mailhooks/webhook"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mailhooks",
	Short: "Resend webhook receiver that relays failed-delivery alerts to Discord",
	Long: `mailhooks verifies Svix-signed Resend webhook deliveries and forwards
failed, bounced and complained emails to a Discord webhook as alerts.`,
	SilenceUsage: true,
}

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file (defaults plus environment when empty)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newSignCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(path string) error {
	logger := internal.NewLogger("server")

	config, err := internal.LoadConfig(path)
	if err != nil {
		logger.WithError(err).Error("load config")
		return err
	}
	if err := internal.SetLogLevel(config.Server.LogLevel); err != nil {
		logger.WithError(err).Error("log level")
		return err
	}

	tolerance := time.Duration(config.Webhook.ToleranceSeconds) * time.Second
	if tolerance <= 0 {
		logger.Warn("timestamp tolerance disabled, replayed deliveries will be accepted")
		tolerance = 0
	}
	verifier, err := signature.NewVerifier(config.Webhook.Secret, signature.WithTolerance(tolerance))
	if err != nil {
		logger.WithError(err).Error("webhook secret")
		return err
	}
	if config.Webhook.Secret == "" {
		logger.WithField("kind", "configuration").Warn("webhook secret not set, every delivery will be rejected")
	}

	sender, err := relay.NewHTTPSender(nil, time.Duration(config.Relay.TimeoutMS)*time.Millisecond)
	if err != nil {
		logger.WithError(err).Error("relay sender")
		return err
	}
	defer sender.Close()

	muteRules, err := internal.NewMuteRules(config.Mute, internal.NewLogger("rules"))
	if err != nil {
		logger.WithError(err).Error("compile mute rules")
		return err
	}

	alertRelay, err := relay.New(relay.ConfigFromApp(config.Relay), sender, relay.WithMuter(muteRules))
	if err != nil {
		logger.WithError(err).Error("relay")
		return err
	}
	if config.Relay.URL == "" {
		logger.WithField("kind", "configuration").Warn("relay url not set, alert-worthy events will fail")
	}

	bus, err := internal.NewPublisher(config.Watermill, internal.NewLogger("bus"))
	if err != nil {
		logger.WithError(err).Error("alert bus")
		return err
	}
	defer bus.Close()

	handler, err := webhook.NewResendHandler(verifier, alertRelay, bus, webhook.ResendOptions{
		Topic:         config.Watermill.Topic,
		MaxBodyBytes:  config.Server.MaxBodyBytes,
		MirrorTimeout: time.Duration(config.Watermill.PublishTimeoutMS) * time.Millisecond,
		DebugEvents:   config.Webhook.DebugEvents,
		Logger:        internal.NewLogger("webhook"),
	})
	if err != nil {
		logger.WithError(err).Error("resend handler")
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(config.Webhook.Path, handler)
	mux.Handle(config.Server.HealthPath, webhook.HealthHandler())
	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, promhttp.Handler())
		logger.Infof("metrics enabled on %s", config.Server.MetricsPath)
	}
	logger.Infof("resend webhook enabled on %s", config.Webhook.Path)

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       time.Duration(config.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(config.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Infof("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
	if err := handler.Wait(ctx); err != nil {
		logger.WithError(err).Warn("pending alert bus publishes abandoned")
	}
	return nil
}

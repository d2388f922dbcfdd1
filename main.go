package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"billpay-service/aggregator"
	"billpay-service/bridge"
	"billpay-service/config"
	"billpay-service/gateway"
	"billpay-service/handlers"
	"billpay-service/identity"
	"billpay-service/logging"
	"billpay-service/monitoring"
	"billpay-service/service"
	"billpay-service/signature"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "billpay",
		Short:        "Bill payment service for the wallet H5 app",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		newSignCmd(),
		&cobra.Command{
			Use:   "request-id",
			Short: "Print a fresh aggregator request id",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), aggregator.GenerateRequestID())
			},
		},
	)
	return root
}

// newSignCmd prints the canonical string and Authorization header the gateway
// client would send, using the configured merchant key.
func newSignCmd() *cobra.Command {
	var method, path, body string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a payment API request with the merchant key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			signer, err := signature.NewRSASigner(cfg.Gateway.PrivateKeyPEM)
			if err != nil {
				return err
			}
			builder := &signature.HeaderBuilder{
				Scheme:       signature.SchemeRSA,
				PrincipalKey: "mchid",
				Principal:    cfg.Gateway.MerchantID,
				SerialNo:     cfg.Gateway.SerialNo,
				Signer:       signer,
			}
			signed, err := builder.Build(method, path, body)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "canonical:\n%q\n", signed.Canonical)
			fmt.Fprintf(out, "Authorization: %s\n", signed.Header)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "HTTP method")
	cmd.Flags().StringVar(&path, "path", "", "request path or URL, e.g. /v1/pay/transactions/h5")
	cmd.Flags().StringVar(&body, "body", "", "exact request body")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging
	if err := logging.InitLogger(cfg.OTELEndpoint); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logging.Sync()
	defer func() {
		if err := logging.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()

	if err := cfg.Validate(); err != nil {
		logging.Error("Invalid configuration", zap.Error(err))
		return err
	}

	// Initialize OpenTelemetry
	tp, tracer, err := monitoring.InitTracer(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		logging.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	mp, _, err := monitoring.InitMeter(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		logging.Fatal("Failed to initialize meter", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	// Initialize clients
	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		MerchantID:    cfg.Gateway.MerchantID,
		AppID:         cfg.Gateway.AppID,
		SerialNo:      cfg.Gateway.SerialNo,
		PrivateKeyPEM: cfg.Gateway.PrivateKeyPEM,
		NotifyURL:     cfg.Gateway.NotifyURL,
	})
	if err != nil {
		return fmt.Errorf("payment gateway: %w", err)
	}

	users, err := identity.NewClient(identity.Config{
		BaseURL:   cfg.Identity.BaseURL,
		AppID:     cfg.Identity.AppID,
		SerialNo:  cfg.Identity.SerialNo,
		SecretKey: cfg.Identity.SecretKey,
	})
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	agg, err := aggregator.NewClient(aggregator.Config{
		BaseURL:        cfg.Aggregator.BaseURL,
		PostPaymentURL: cfg.Aggregator.PostPaymentEndpoint(),
		APIVersion:     cfg.Aggregator.APIVersion,
		MerchantID:     cfg.Aggregator.MerchantID,
	})
	if err != nil {
		return fmt.Errorf("billing aggregator: %w", err)
	}

	wallet := bridge.NewHTTPBridge(cfg.Bridge.URL, nil)
	if !wallet.Available() {
		logging.Warn("No wallet bridge configured, payments will fail at the cashier step")
	}

	// Initialize service layer
	paymentService := service.NewPaymentService(tracer, gw, wallet, agg, service.Options{
		StepTimeout:        cfg.Flow.StepTimeout,
		OrderExpiry:        cfg.Flow.OrderExpiry,
		DefaultCurrency:    cfg.Flow.DefaultCurrency,
		DisableFulfillment: cfg.Flow.DisableFulfillment,
		PaymentChannel:     cfg.Aggregator.PaymentChannel,
		POS: aggregator.POSDetails{
			StoreID:    cfg.Aggregator.StoreID,
			TerminalID: cfg.Aggregator.TerminalID,
			CashierID:  cfg.Aggregator.CashierID,
		},
		FulfillmentAttempts: cfg.Flow.FulfillmentAttempts,
		FulfillmentDelay:    cfg.Flow.FulfillmentDelay,
	})

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService, users)
	if wallet.Available() {
		paymentHandler.WithAuthTokens(wallet, cfg.Identity.AppID)
	}

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	r.Use(cors.New(corsConfig))

	// OpenTelemetry middleware
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpMetricsMiddleware())

	// Routes
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api := r.Group("/", handlers.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	paymentHandler.Register(api)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Bill payment service starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logging.Error("Failed to start server", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logging.Info("Shutting down bill payment service")
	// In-flight payments may be waiting on the cashier.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Flow.StepTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// httpMetricsMiddleware records HTTP request metrics
func httpMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Process request
		c.Next()

		// Record duration
		duration := float64(time.Since(start).Milliseconds())

		monitoring.HTTPServerDuration.Record(c.Request.Context(), duration,
			metric.WithAttributes(
				attribute.String("http_method", c.Request.Method),
				attribute.String("http_route", c.FullPath()),
				attribute.String("http_status_code", strconv.Itoa(c.Writer.Status())),
			),
		)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/credential/boltstore"
	"github.com/kokukuma/mdoc-presentment/internal/config"
	"github.com/kokukuma/mdoc-presentment/internal/fixtures"
	"github.com/kokukuma/mdoc-presentment/internal/server"
	"github.com/kokukuma/mdoc-presentment/presentment"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verifier and wallet HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String(config.FlagName("server.address"), ":8080", "address to listen on")
	flags.StringSlice(config.FlagName("server.allowed_origins"), []string{"*"}, "CORS origins")
	flags.String(config.FlagName("server.reader_dns"), "localhost", "DNS name of the request signing certificate; empty disables signed requests")
	flags.Bool(config.FlagName("presentment.prefer_key_agreement"), false, "answer proximity readers with a device MAC when possible")
	flags.Duration(config.FlagName("presentment.teardown_delay"), presentment.DefaultTeardownDelay, "how long a completed presentment keeps its session")
	flags.Duration(config.FlagName("presentment.consent_timeout"), 2*time.Minute, "decline consent requests left undecided this long; 0 waits forever")
}

func serve(ctx context.Context, cfg *config.Config) error {
	authority, err := fixtures.LoadOrCreateAuthority(cfg.PKI.Dir)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg.Store.Path, authority)
	if err != nil {
		return err
	}
	defer closeStore()

	certs, err := server.NewCertManager(filepath.Join(cfg.PKI.Dir, "trust"))
	if err != nil {
		return err
	}
	if err := certs.AddX509("iaca", authority.RootCert); err != nil {
		return err
	}

	opts := []server.Option{
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		server.WithPresentmentOptions(
			presentment.WithPreferKeyAgreement(cfg.Presentment.PreferKeyAgreement),
			presentment.WithTeardownDelay(cfg.Presentment.TeardownDelay),
			presentment.WithConsentTimeout(cfg.Presentment.ConsentTimeout),
		),
	}
	if cfg.Server.ReaderDNS != "" {
		reader, err := authority.NewReaderIdentity(cfg.Server.ReaderDNS)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithRequestSigner(reader.Key, reader.X5C, "x509_san_dns:"+cfg.Server.ReaderDNS))
	}
	srv := server.NewServer(store, certs, opts...)
	defer srv.Close()

	accessLog := logrus.StandardLogger().WriterLevel(logrus.InfoLevel)
	defer accessLog.Close()

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handlers.CombinedLoggingHandler(accessLog, srv.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("address", cfg.Server.Address).Info("starting presentment server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logrus.Info("presentment server stopped")
	return nil
}

// openStore opens the bolt store at path, seeding it when empty, or an
// in-memory wallet when path is empty.
func openStore(path string, authority *fixtures.Authority) (credential.Store, func(), error) {
	if path == "" {
		creds, err := authority.Wallet()
		if err != nil {
			return nil, nil, err
		}
		return credential.NewMemoryStore(creds...), func() {}, nil
	}

	store, err := boltstore.Open(path)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close credential store")
		}
	}
	creds, err := store.Credentials()
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	if len(creds) == 0 {
		if err := seed(store, authority); err != nil {
			closeStore()
			return nil, nil, err
		}
	}
	return store, closeStore, nil
}

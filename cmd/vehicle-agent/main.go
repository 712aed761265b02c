package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zero-trust/vehicle-registration/pkg/logging"
)

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	var logLevel string
	cmd := &cobra.Command{
		Use:   "vehicle-agent",
		Short: "Register this device and store its operational certificate",
		Long: `Authenticates with the factory certificate, submits a CSR for the same
vehicle identity and writes the issued certificate and key to --out.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logLevel, logging.FormatConsole)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			resp, err := register(cmd.Context(), opts, logger)
			if err != nil {
				logger.Error("registration failed", zap.Error(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered; keycloak=%s nats=%s\n", resp.KeycloakURL, resp.NATSURL)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ServerURL, "server", getEnv("REGISTRATION_URL", "https://localhost:8080"), "registration server base URL")
	f.StringVar(&opts.ServerCA, "server-ca", getEnv("SERVER_CA", "certificates/ca/ca.crt.pem"), "CA certificate that signed the server certificate")
	f.StringVar(&opts.FactoryCert, "factory-cert", getEnv("FACTORY_CERT", "factory.crt.pem"), "factory client certificate")
	f.StringVar(&opts.FactoryKey, "factory-key", getEnv("FACTORY_KEY", "factory.key.pem"), "factory client key")
	f.StringVar(&opts.OutDir, "out", getEnv("CERT_DIR", "certs"), "directory for the issued certificate and key")
	f.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

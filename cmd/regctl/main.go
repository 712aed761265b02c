package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/zero-trust/vehicle-registration/pkg/ca"
	"github.com/zero-trust/vehicle-registration/pkg/certstore"
	"github.com/zero-trust/vehicle-registration/pkg/identity"
)

type rootFlags struct {
	certificatesDir string
	factoryDir      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "regctl",
		Short:        "Manage the certificates of the vehicle registration service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.certificatesDir, "certificates-dir", certstore.DefaultDir,
		"certificate directory read by registration-server")
	root.PersistentFlags().StringVar(&flags.factoryDir, "factory-dir", "factory",
		"directory holding the factory CA key pair")

	root.AddCommand(
		newInitCmd(flags),
		newRotateServerCmd(flags),
		newFactoryCmd(flags),
		newCSRCmd(),
	)
	return root
}

func (f *rootFlags) config(hosts []string) *ca.Config {
	return &ca.Config{
		Layout:      certstore.NewLayout(f.certificatesDir),
		FactoryDir:  f.factoryDir,
		ServerHosts: hosts,
	}
}

func newInitCmd(flags *rootFlags) *cobra.Command {
	var hosts []string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the signing CA, the factory CA and a server certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := flags.config(hosts)
			if _, err := os.Stat(cfg.Layout.Path(certstore.SigningCAKeyFile)); err == nil {
				return errors.Newf("%s already exists", cfg.Layout.Path(certstore.SigningCAKeyFile))
			}
			if err := cfg.Init(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (factory CA in %s)\n", cfg.Layout.Dir, cfg.FactoryDir)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "server DNS name or IP (repeatable, default localhost,127.0.0.1)")
	return cmd
}

func newRotateServerCmd(flags *rootFlags) *cobra.Command {
	var (
		hosts    []string
		validity string
	)
	cmd := &cobra.Command{
		Use:   "rotate-server",
		Short: "Replace the server certificate; a running server reloads it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := parseDays(validity)
			if err != nil {
				return err
			}
			cfg := flags.config(hosts)
			if err := cfg.IssueServer(d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfg.Layout.Path(certstore.ServerCertFile))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "server DNS name or IP (repeatable)")
	cmd.Flags().StringVar(&validity, "validity", "365d", "certificate lifetime, e.g. 90d or 720h")
	return cmd
}

func newFactoryCmd(flags *rootFlags) *cobra.Command {
	var (
		id       identity.VehicleIdentity
		outDir   string
		validity string
	)
	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Issue a factory client certificate for one vehicle device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateIdentity(id); err != nil {
				return err
			}
			d, err := parseDays(validity)
			if err != nil {
				return err
			}
			certPEM, keyPEM, err := flags.config(nil).IssueFactory(id, d)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return errors.Wrapf(err, "creating %s", outDir)
			}
			if err := ca.WriteFileAtomic(filepath.Join(outDir, "factory.key.pem"), keyPEM, 0o600); err != nil {
				return err
			}
			if err := ca.WriteFileAtomic(filepath.Join(outDir, "factory.crt.pem"), certPEM, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "issued factory certificate for %s in %s\n", id, outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.VIN, "vin", "", "vehicle identification number")
	cmd.Flags().StringVar(&id.DeviceID, "device", "", "device id within the vehicle")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	cmd.Flags().StringVar(&validity, "validity", "", "certificate lifetime (default 5 years)")
	return cmd
}

func newCSRCmd() *cobra.Command {
	var (
		id     identity.VehicleIdentity
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "csr",
		Short: "Generate a device key and a registration CSR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateIdentity(id); err != nil {
				return err
			}
			key, err := ca.NewKey()
			if err != nil {
				return err
			}
			csrPEM, err := ca.NewCSR(id, key)
			if err != nil {
				return err
			}
			keyPEM, err := ca.EncodeKey(key)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return errors.Wrapf(err, "creating %s", outDir)
			}
			if err := ca.WriteFileAtomic(filepath.Join(outDir, "device.key.pem"), keyPEM, 0o600); err != nil {
				return err
			}
			return ca.WriteFileAtomic(filepath.Join(outDir, "device.csr.pem"), csrPEM, 0o644)
		},
	}
	cmd.Flags().StringVar(&id.VIN, "vin", "", "vehicle identification number")
	cmd.Flags().StringVar(&id.DeviceID, "device", "", "device id within the vehicle")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

// validateIdentity rejects values that would not survive the whitespace
// split on the server.
func validateIdentity(id identity.VehicleIdentity) error {
	if id.VIN == "" || id.DeviceID == "" {
		return errors.New("--vin and --device are required")
	}
	if strings.ContainsAny(id.VIN+id.DeviceID, " \t\r\n") {
		return errors.New("--vin and --device must not contain whitespace")
	}
	return nil
}

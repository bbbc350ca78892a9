// Command securechat runs the relay server and local key utilities.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/securechat/core/identity"
	"github.com/securechat/core/relay"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("Command failed")
	}
}

func rootCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "securechat",
		Short: "End-to-end encrypted messaging relay and key tools",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.AddCommand(relayCmd(), keygenCmd())
	return cmd
}

func relayCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := relay.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return relay.NewServer(cfg, nil).Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to relay YAML config")
	return cmd
}

func keygenCmd() *cobra.Command {
	var (
		vaultDir string
		userID   string
		relayURL string
		token    string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity key, wrap it into the vault and optionally publish it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := os.Getenv("SECURECHAT_PASSWORD")
			if password == "" {
				return fmt.Errorf("SECURECHAT_PASSWORD must be set")
			}

			kp, err := identity.Generate()
			if err != nil {
				return err
			}
			wrapped, err := identity.Wrap(kp.Private, []byte(password))
			if err != nil {
				return err
			}
			vault, err := identity.NewVault(vaultDir)
			if err != nil {
				return err
			}
			if err := vault.Store(userID, wrapped); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"user_id":    userID,
				"thumbprint": kp.Thumbprint(),
			}).Info("Identity key generated")

			if relayURL != "" {
				dir := identity.NewHTTPDirectory(relayURL, token)
				if err := dir.Publish(context.Background(), userID, kp.Public); err != nil {
					return err
				}
				logrus.WithField("relay", relayURL).Info("Public key published")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultDir, "vault", ".securechat/vault", "vault directory")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay base URL to publish the public key to")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the relay")
	cmd.MarkFlagRequired("user")
	return cmd
}

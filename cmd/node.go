package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/ferry/internal/relay"
	"github.com/DragonSecurity/ferry/pkg/util"
)

func init() {
	nodeCmd.Flags().String("public", ":8080", "public address")
	nodeCmd.Flags().Duration("fetch-timeout", 0, "per-fetch timeout against the target (0 = default)")
	nodeCmd.Flags().Bool("acme", false, "enable Let's Encrypt")
	nodeCmd.Flags().String("acme-host", "", "public hostname for the certificate")
	nodeCmd.Flags().String("acme-email", "", "ACME email")
	nodeCmd.Flags().String("acme-cache", "cert-cache", "ACME cache dir")
	nodeCmd.Flags().String("acme-dns", "", "DNS-01 provider (cloudflare|route53); empty uses HTTP-01")
	nodeCmd.Flags().String("acme-ca", "", "ACME CA (production|staging)")
	nodeCmd.Flags().String("cloudflare-token", "", "Cloudflare API token for DNS-01")

	_ = viper.BindPFlag("node.public", nodeCmd.Flags().Lookup("public"))
	_ = viper.BindPFlag("node.fetch_timeout", nodeCmd.Flags().Lookup("fetch-timeout"))
	_ = viper.BindPFlag("node.acme.enable", nodeCmd.Flags().Lookup("acme"))
	_ = viper.BindPFlag("node.acme.host", nodeCmd.Flags().Lookup("acme-host"))
	_ = viper.BindPFlag("node.acme.email", nodeCmd.Flags().Lookup("acme-email"))
	_ = viper.BindPFlag("node.acme.cache", nodeCmd.Flags().Lookup("acme-cache"))
	_ = viper.BindPFlag("node.acme.dns_provider", nodeCmd.Flags().Lookup("acme-dns"))
	_ = viper.BindPFlag("node.acme.ca", nodeCmd.Flags().Lookup("acme-ca"))
	_ = viper.BindPFlag("node.acme.cloudflare_token", nodeCmd.Flags().Lookup("cloudflare-token"))

	rootCmd.AddCommand(nodeCmd)
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "run a relay node",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("node").WithDebug(viper.GetBool("debug"))
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg := relay.Config{
			PublicAddr:   viper.GetString("node.public"),
			FetchTimeout: viper.GetDuration("node.fetch_timeout"),
			ACME: relay.ACMEConfig{
				Enable:          viper.GetBool("node.acme.enable"),
				Host:            viper.GetString("node.acme.host"),
				Email:           viper.GetString("node.acme.email"),
				CacheDir:        viper.GetString("node.acme.cache"),
				DNSProvider:     viper.GetString("node.acme.dns_provider"),
				CA:              viper.GetString("node.acme.ca"),
				CloudflareToken: viper.GetString("node.acme.cloudflare_token"),
			},
		}
		if cfg.ACME.Enable && (cfg.PublicAddr == ":8080" || cfg.PublicAddr == "") {
			cfg.PublicAddr = ":443"
		}
		return relay.Run(ctx, cfg, log)
	},
}

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caddyserver/certmagic"
	route53dns "github.com/fore-stun/libdns-route53"
	cloudflaredns "github.com/libdns/cloudflare"
	"golang.org/x/crypto/acme"
)

func acmeCAURL(which string) string {
	switch strings.ToLower(which) {
	case "staging":
		return certmagic.LetsEncryptStagingCA
	default:
		return certmagic.LetsEncryptProductionCA
	}
}

// makeCertMagic builds a DNS-01 TLS config for the node's public host.
// DNS-01 lets a relay sit behind a firewall that blocks :80.
func makeCertMagic(ctx context.Context, cfg Config) (*tls.Config, error) {
	if cfg.ACME.Email == "" {
		return nil, errors.New("acme.email is required for dns-01")
	}
	if cfg.ACME.Host == "" {
		return nil, errors.New("acme.host is required for dns-01")
	}
	if cfg.ACME.CacheDir == "" {
		cfg.ACME.CacheDir = "cert-cache"
	}

	allowed := strings.ToLower(cfg.ACME.Host)
	cache := certmagic.NewCache(certmagic.CacheOptions{})
	magic := certmagic.New(cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: cfg.ACME.CacheDir},
		OnDemand: &certmagic.OnDemandConfig{
			DecisionFunc: func(ctx context.Context, name string) error {
				if strings.ToLower(hostOnly(name)) != allowed {
					return fmt.Errorf("reject host: %s", name)
				}
				return nil
			},
		},
	})

	issuer := &certmagic.ACMEIssuer{
		CA:                      acmeCAURL(cfg.ACME.CA),
		Email:                   cfg.ACME.Email,
		Agreed:                  true,
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: true,
	}

	switch strings.ToLower(cfg.ACME.DNSProvider) {
	case "cloudflare":
		token := strings.TrimSpace(cfg.ACME.CloudflareToken)
		if token == "" {
			token = os.Getenv("CLOUDFLARE_API_TOKEN")
		}
		if token == "" {
			return nil, errors.New("cloudflare token is empty (set acme.cloudflare_token or CLOUDFLARE_API_TOKEN)")
		}
		issuer.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &cloudflaredns.Provider{APIToken: token},
			},
		}
	case "route53":
		// credentials come from the ambient AWS environment/profile
		issuer.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &route53dns.Provider{},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported acme.dns_provider %q", cfg.ACME.DNSProvider)
	}

	magic.Issuers = []certmagic.Issuer{issuer}

	tlsConf := magic.TLSConfig()
	tlsConf.MinVersion = tls.VersionTLS12
	tlsConf.NextProtos = []string{"h2", "http/1.1", acme.ALPNProto}
	return tlsConf, nil
}

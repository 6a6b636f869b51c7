// Command provider-mock runs a local sandbox of the payment provider. It
// reads the service's config.yaml: it listens on the host and path of
// provider.base-url and delivers webhooks to the service's own server port.
package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"net/url"

	"pix-billing/internal/config"
	"pix-billing/internal/logging"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	qrNotReady := flag.Int("qr-not-ready", 1, "number of 404 answers before a QR code is returned")
	webhookURL := flag.String("webhook-url", "", "webhook target (default http://localhost:<server.port>/pix/webhook)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.GetLogger(cfg.Logs).With("component", "provider-mock")

	base, err := url.Parse(cfg.Provider.BaseURL)
	if err != nil || base.Host == "" {
		log.Fatalf("Invalid provider.base-url %q: %v", cfg.Provider.BaseURL, err)
	}
	port := base.Port()
	if port == "" {
		port = "80"
	}

	target := *webhookURL
	if target == "" {
		target = "http://localhost:" + cfg.Server.Port + "/pix/webhook"
	}

	sandbox := NewSandbox(*qrNotReady, WebhookTarget{
		URL:    target,
		Header: cfg.Webhook.TokenHeader,
		Token:  cfg.Webhook.Token,
	}, logger)
	counter := newCallCounter()

	handler := loggingMiddleware(logger, counter.middleware(logger, sandbox.Routes(base.Path)))

	addr := net.JoinHostPort("", port)
	logger.Info("Provider sandbox listening", "addr", addr, "base_path", base.Path, "webhook_url", target)
	log.Fatal(http.ListenAndServe(addr, handler))
}

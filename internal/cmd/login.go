// Package cmd wires the configuration into the runnable gateway: the OAuth
// login flows and the long-running API service.
package cmd

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub002/internal/auth"
	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
	"github.com/Jasonzhangf/routecodex-sub002/internal/util"
)

// DoLogin runs the OAuth flow for a provider and persists the credential.
// Qwen uses the device-code flow, iFlow and the Gemini family the local
// callback authorization-code flow.
func DoLogin(cfg *config.Config, providerID, alias string, headless bool) {
	flow := auth.FlowFor(providerID)
	if flow == nil {
		log.Fatalf("provider %q has no OAuth flow; configure an api-key instead", providerID)
	}

	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: 30 * time.Second})
	ctx := context.Background()

	var cred *auth.Credential
	var err error
	if flow.DeviceEndpoint != "" {
		cred, err = auth.NewDeviceFlow(flow, httpClient).Authorize(ctx, alias)
	} else {
		runner := auth.NewAuthCodeFlow(flow, httpClient)
		runner.Headless = headless
		cred, err = runner.Authorize(ctx, alias)
	}
	if err != nil {
		log.Fatalf("%s login failed: %v", providerID, err)
	}

	store := auth.NewStore(cfg.AuthDir, httpClient)
	if err = store.Put(cred); err != nil {
		log.Fatalf("failed to persist %s credential: %v", providerID, err)
	}
	log.Infof("%s login successful, credential saved", providerID)
}

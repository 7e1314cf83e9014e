package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/fitsync/internal/blobstore"
	"github.com/marcus/fitsync/internal/catalog"
	"github.com/marcus/fitsync/internal/config"
	"github.com/marcus/fitsync/internal/netmon"
	"github.com/marcus/fitsync/internal/offline"
	"github.com/marcus/fitsync/internal/output"
	"github.com/marcus/fitsync/internal/remote"
	fssync "github.com/marcus/fitsync/internal/sync"
)

const probeTimeout = 2 * time.Second

// app is one command's view of the engine.
type app struct {
	svc   *offline.Service
	blobs *blobstore.SQLite
}

type appOptions struct {
	// drain runs a sync after initialization when online and enabled in
	// config. Read-only commands leave it off.
	drain bool
}

// openApp opens local storage, probes the remote and initializes the
// service. The caller must Close the result.
func openApp(ctx context.Context, cmd *cobra.Command, opts appOptions) (*app, error) {
	blobs, err := blobstore.OpenSQLite(config.GetDataDir())
	if err != nil {
		output.Error("open local storage: %v", err)
		return nil, err
	}

	cat, err := loadCatalog()
	if err != nil {
		blobs.Close()
		output.Error("load catalog: %v", err)
		return nil, err
	}

	client := remote.NewClient(config.GetRemoteURL(), config.GetAPIKey())
	forceOffline, _ := cmd.Flags().GetBool("offline")
	online := false
	if !forceOffline {
		online = probe(ctx, client)
	}

	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		owner = config.GetOwnerID()
	}

	svc, err := offline.New(offline.Options{
		Blobs:         blobs,
		Remote:        client,
		Catalog:       cat,
		InitialOnline: online,
		Providers:     providers(client),
		OwnerID:       owner,
		Sync: fssync.Options{
			InnerAttempts: config.GetInnerAttempts(),
			BaseDelay:     config.GetBackoffBase(),
			MaxDelay:      config.GetBackoffMax(),
		},
		MaxAttempts:      config.GetMaxAttempts(),
		AutoSyncInterval: config.GetAutoSyncInterval(),
		MinSyncInterval:  config.GetMinSyncInterval(),
	})
	if err != nil {
		blobs.Close()
		return nil, err
	}
	if err := svc.Initialize(ctx); err != nil {
		blobs.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	a := &app{svc: svc, blobs: blobs}
	if opts.drain && online && config.GetSyncOnStart() {
		if res := svc.Drain(ctx); !res.Success {
			slog.Warn("startup sync reported failures", "failed", res.Failed)
		}
	}
	return a, nil
}

// Close waits for background writes and releases storage.
func (a *app) Close() {
	a.svc.Close()
	if err := a.blobs.Close(); err != nil {
		slog.Warn("close local storage", "err", err)
	}
}

func loadCatalog() (*catalog.Catalog, error) {
	if path := config.GetCatalogPath(); path != "" {
		return catalog.Load(path)
	}
	return catalog.Default()
}

func probe(ctx context.Context, client *remote.Client) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := client.HealthCheck(ctx)
	if err != nil {
		slog.Debug("remote unreachable", "err", err)
	}
	return err == nil
}

// providers builds the connectivity sources used by long-running commands.
func providers(client *remote.Client) []netmon.Provider {
	if config.GetConnectivityMode() == "websocket" {
		wsURL, err := connectivityURL(config.GetRemoteURL())
		if err != nil {
			slog.Warn("websocket connectivity unavailable, falling back to probe", "err", err)
		} else {
			header := http.Header{}
			if key := config.GetAPIKey(); key != "" {
				header.Set("Authorization", "Bearer "+key)
			}
			return []netmon.Provider{&netmon.WebSocketProvider{URL: wsURL, Header: header}}
		}
	}
	return []netmon.Provider{&netmon.HealthProbe{
		Check: func(ctx context.Context) error {
			_, err := client.HealthCheck(ctx)
			return err
		},
		Interval: config.GetProbeInterval(),
		Timeout:  probeTimeout,
	}}
}

// connectivityURL maps the remote base URL onto the websocket endpoint.
func connectivityURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/connectivity"
	return u.String(), nil
}

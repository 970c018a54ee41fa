package cli

import (
	"fmt"

	"github.com/kilupskalvis/replica/internal/auth"
	"github.com/kilupskalvis/replica/internal/graphql"
	"github.com/kilupskalvis/replica/internal/network"
	"github.com/kilupskalvis/replica/internal/notify"
	"github.com/kilupskalvis/replica/internal/replication"
	"github.com/kilupskalvis/replica/internal/storage"
)

// engine is the replication stack of one CLI invocation.
type engine struct {
	Network     *network.Indicator
	Tokens      *auth.TokenProvider
	Auth        *auth.Indicator
	Coordinator *replication.Coordinator
	Notifier    *notify.WebhookNotifier

	subscriptions *graphql.SubscriptionClient
}

// Close stops replication, flushes webhooks and detaches the signals.
func (e *engine) Close() {
	e.Coordinator.Close()
	if e.subscriptions != nil {
		e.subscriptions.Close()
	}
	e.Notifier.Wait()
	e.Auth.Close()
}

// newEngine wires the signals, transports and object store from the config.
// Nothing runs until the coordinator is activated.
func (c *cmdContext) newEngine() (*engine, error) {
	cfg := c.Config
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured (set endpoint in %s or REPLICA_ENDPOINT)", cfg.Path())
	}

	tokens := auth.NewTokenProvider()
	if cfg.Token != "" {
		if err := tokens.SetToken(cfg.Token); err != nil {
			return nil, fmt.Errorf("REPLICA_TOKEN: %w", err)
		}
	}
	authInd := auth.NewIndicator(tokens)

	var prober network.Prober = network.AlwaysOnline
	if cfg.HealthURL != "" {
		prober = network.NewHTTPProber(cfg.HealthURL, cfg.RequestTimeout.Std())
	}
	net := network.NewIndicator(prober, c.Logger)

	retry := graphql.DefaultRetryConfig()
	client := graphql.NewRetryClient(graphql.NewHTTPClient(cfg.Endpoint, authInd.Credential), retry)

	var subs *graphql.SubscriptionClient
	if cfg.SubscriptionURL != "" {
		subs = graphql.NewSubscriptionClient(graphql.SubscriptionOptions{
			URL:              cfg.SubscriptionURL,
			ConnectionParams: graphql.BearerParams(authInd.Credential),
			Timeout:          cfg.RequestTimeout.Std(),
			Logger:           c.Logger,
		})
	}

	var objects storage.ObjectStore
	if cfg.StorageURL != "" {
		objects = storage.NewHTTPStore(cfg.StorageURL, authInd.Credential)
	} else {
		fs, err := storage.NewFSStore(cfg.ObjectsPath())
		if err != nil {
			authInd.Close()
			return nil, err
		}
		objects = fs
	}

	notifier := notify.NewWebhookNotifier(&notify.WebhookConfig{URLs: cfg.WebhookURLs}, c.Logger)

	coord, err := replication.NewCoordinator(c.Data, net, authInd, replication.Config{
		Client:        client,
		Subscriptions: subs,
		Objects:       objects,
		PullInterval:  cfg.PullInterval.Std(),
		Options: replication.Options{
			Logger:   c.Logger,
			Retry:    retry,
			Notifier: notifier,
		},
	})
	if err != nil {
		authInd.Close()
		if subs != nil {
			subs.Close()
		}
		return nil, err
	}

	return &engine{
		Network:       net,
		Tokens:        tokens,
		Auth:          authInd,
		Coordinator:   coord,
		Notifier:      notifier,
		subscriptions: subs,
	}, nil
}

// initEngine is newEngine for commands that cannot continue without one.
func (c *cmdContext) initEngine() *engine {
	e, err := c.newEngine()
	if err != nil {
		c.Close()
		exitError("%v", err)
	}
	return e
}

package main

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"camera-gateway-go/internal/analytics"
	"camera-gateway-go/internal/config"
	"camera-gateway-go/internal/device"
	"camera-gateway-go/internal/export"
	"camera-gateway-go/internal/fleet"
	"camera-gateway-go/internal/logging"
	"camera-gateway-go/internal/models"
	"camera-gateway-go/internal/pipeline"
	"camera-gateway-go/internal/provisioning"
	"camera-gateway-go/internal/registry"
	"camera-gateway-go/internal/store"
)

// gateway holds the fleet manager and the resources it borrows
type gateway struct {
	manager *fleet.Manager
	closers []io.Closer
}

func (g *gateway) close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release gateway resource")
		}
	}
}

func buildGateway(ctx context.Context, cfg *config.Config, nc *nats.Conn, kinds map[models.DetectionKind]device.Kind) (*gateway, error) {
	gw := &gateway{}

	regOpts := registry.Options{
		ConnectTimeout: cfg.NatsConnectTimeout,
		ReconnectWait:  cfg.NatsReconnectWait,
		MaxReconnects:  cfg.NatsMaxReconnects,
		TwinBucket:     cfg.TwinBucket,
	}
	local := cfg.ProvisioningMode == config.ProvisioningLocal || isMemEndpoint(cfg.RegistryEndpoint)
	if local {
		regOpts.Hub = registry.NewMemoryHub()
		if isMemEndpoint(cfg.RegistryEndpoint) {
			regOpts.Hub.RegisterDevice(cfg.GatewayID, cfg.GatewayKey)
		}
	}

	conn, err := registry.Dial(registry.Credentials{
		Endpoint: cfg.RegistryEndpoint,
		DeviceID: cfg.GatewayID,
		Key:      cfg.GatewayKey,
	}, regOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway registry session: %w", err)
	}

	dial := func(creds registry.Credentials) (registry.Connection, error) {
		return registry.Dial(creds, regOpts)
	}

	if len(cfg.KafkaBrokers) > 0 {
		sink := export.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTelemetryTopic)
		gw.closers = append(gw.closers, sink)
		conn = sink.Wrap(conn)
		dial = func(creds registry.Credentials) (registry.Connection, error) {
			c, err := registry.Dial(creds, regOpts)
			if err != nil {
				return nil, err
			}
			return sink.Wrap(c), nil
		}
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTelemetryTopic).Msg("Telemetry export enabled")
	}

	invoker, err := buildInvoker(cfg, nc, gw)
	if err != nil {
		return nil, err
	}

	templates, err := buildTemplates(cfg)
	if err != nil {
		return nil, err
	}

	devices, err := buildStore(ctx, cfg, nc)
	if err != nil {
		return nil, err
	}

	registrar, admin, err := buildProvisioning(cfg, regOpts.Hub)
	if err != nil {
		return nil, err
	}

	deps := device.Deps{
		Registrar:            registrar,
		Dial:                 dial,
		Invoker:              invoker,
		Templates:            templates,
		GatewayID:            cfg.GatewayID,
		ModuleID:             cfg.ModuleID,
		ScopeID:              cfg.ScopeID,
		MasterKey:            cfg.ProvisioningKey,
		DebugTelemetryCamera: cfg.DebugDeviceTelemetry,
		Images: device.SampleImages{
			Capture: cfg.SampleImageCaptureURL,
			Analyze: cfg.SampleImageAnalyzeURL,
			Motion:  cfg.SampleImageMotionURL,
		},
	}

	fleetLog := logging.NewServiceLogger(cfg, "fleet")
	gw.manager = fleet.NewManager(conn, deps, fleet.Options{
		GatewayID:          cfg.GatewayID,
		ModuleID:           cfg.ModuleID,
		Kinds:              kinds,
		HealthCheckRetries: cfg.HealthCheckRetries,
		RestartGracePeriod: cfg.RestartGracePeriod,
		Store:              devices,
		Admin:              admin,
		Lifecycle:          fleet.ProcessLifecycle{},
		System:             fleet.NewHostStats(fleetLog),
	}, fleetLog)

	return gw, nil
}

func isMemEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	return err == nil && u.Scheme == "mem"
}

func buildInvoker(cfg *config.Config, nc *nats.Conn, gw *gateway) (pipeline.Invoker, error) {
	timeouts := analytics.Timeouts{Connect: cfg.InvokeConnectTimeout, Response: cfg.InvokeResponseTimeout}
	switch cfg.AnalyticsTransport {
	case config.AnalyticsTransportGRPC:
		inv, err := analytics.NewGRPCInvoker(cfg.AnalyticsGRPCURL, timeouts)
		if err != nil {
			return nil, fmt.Errorf("failed to create analytics client: %w", err)
		}
		gw.closers = append(gw.closers, inv)
		return inv, nil

	default:
		inv := analytics.NewNATSInvoker(nc, "modules."+cfg.AnalyticsModuleID+".methods", timeouts)
		if cfg.SimulateAnalytics {
			sim := analytics.NewSimulator(logging.NewServiceLogger(cfg, "analytics-simulator"))
			sub, err := inv.Serve(sim.Handle)
			if err != nil {
				return nil, fmt.Errorf("failed to start analytics simulator: %w", err)
			}
			gw.closers = append(gw.closers, subscriptionCloser{sub})
			log.Warn().Str("subject", inv.Subject("*")).Msg("Analytics module simulated in process")
		}
		return inv, nil
	}
}

type subscriptionCloser struct {
	sub *nats.Subscription
}

func (s subscriptionCloser) Close() error { return s.sub.Unsubscribe() }

func buildTemplates(cfg *config.Config) (pipeline.TemplateSource, error) {
	if cfg.TemplateSource == config.TemplateSourceMinio {
		src, err := pipeline.NewMinioSource(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.MinioBucket, cfg.MinioPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create template store client: %w", err)
		}
		return src, nil
	}
	return pipeline.DirSource{Root: cfg.ContentRoot}, nil
}

func buildStore(ctx context.Context, cfg *config.Config, nc *nats.Conn) (store.DeviceStore, error) {
	if cfg.DeviceStore == config.DeviceStoreMemory {
		log.Warn().Msg("Device store is in memory, cameras are not recreated after a restart")
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewKVStore(ctx, nc, cfg.DeviceStoreBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	return s, nil
}

func buildProvisioning(cfg *config.Config, hub *registry.MemoryHub) (provisioning.Registrar, provisioning.DeviceAdmin, error) {
	if cfg.ProvisioningMode == config.ProvisioningLocal {
		// cameras share the gateway's endpoint
		h := provisioning.HubRegistrar{Hub: hub, Endpoint: cfg.RegistryEndpoint}
		return h, h, nil
	}

	client, err := provisioning.NewHTTPClient(provisioning.HTTPConfig{
		ProvisioningHost: cfg.ProvisioningHost,
		ScopeID:          cfg.ScopeID,
		AppHost:          cfg.AppHost,
		APIToken:         cfg.APIToken,
		Timeout:          cfg.ProvisioningTimeout,
	})
	if err != nil {
		// camera creation reports the missing settings
		log.Warn().Err(err).Msg("Provisioning client unavailable")
		return unavailableRegistrar{err: err}, unavailableRegistrar{err: err}, nil
	}
	return client, client, nil
}

// unavailableRegistrar fails every request with the configuration error
type unavailableRegistrar struct {
	err error
}

func (u unavailableRegistrar) Register(context.Context, provisioning.Request) (provisioning.Result, error) {
	return provisioning.Result{}, u.err
}

func (u unavailableRegistrar) DeleteDevice(context.Context, string) error { return u.err }

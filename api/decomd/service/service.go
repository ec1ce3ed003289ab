package service

import (
	"context"

	"github.com/idfleet/idfleet/api/decomd/gateway"
	"github.com/idfleet/idfleet/cloud"
	"github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/decommission/cleanup"
	"github.com/idfleet/idfleet/dns"
	"github.com/idfleet/idfleet/email"
	"github.com/idfleet/idfleet/fingerprint"
	"github.com/idfleet/idfleet/messaging"
	"github.com/idfleet/idfleet/mongodb"
	"github.com/idfleet/idfleet/notify"
	"github.com/idfleet/idfleet/util"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("decomd")

// Service wires the stores, cleanup handlers, orchestrator, scheduler and
// gateway of the decommission daemon.
type Service struct {
	config      Config
	collections *mongodb.Collections
	orch        *decommission.Orchestrator
	scheduler   *decommission.Scheduler
	gateway     *gateway.Gateway
}

type Config struct {
	ListenAddr ma.Multiaddr

	DBURI  string
	DBName string

	// Defaults are the decommission settings used where the settings
	// collection has no value.
	Defaults  decommission.Config
	Scheduler decommission.SchedulerConfig
	// DisableScheduler turns off the background loop.
	DisableScheduler bool

	Hetzner     cloud.Config
	Cloudflare  dns.Config
	Fingerprint fingerprint.Config
	Chat        messaging.Config
	Email       email.Config

	Debug bool
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if config.Debug {
		if err := util.SetLogLevels(map[string]logging.LogLevel{
			"decomd":        logging.LevelDebug,
			"decom":         logging.LevelDebug,
			"decom.cleanup": logging.LevelDebug,
			"decom.gateway": logging.LevelDebug,
			"decom.notify":  logging.LevelDebug,
			"mongodb":       logging.LevelDebug,
		}); err != nil {
			return nil, err
		}
	}

	collections, err := mongodb.NewCollections(ctx, config.DBURI, config.DBName, config.Defaults)
	if err != nil {
		return nil, err
	}

	handlers := decommission.Handlers{
		Account: cleanup.NewAccountHandler(collections.Accounts, collections.AuditLogs),
	}
	if config.Hetzner.Token != "" {
		config.Hetzner.Debug = config.Hetzner.Debug || config.Debug
		compute, err := cloud.NewClient(config.Hetzner)
		if err != nil {
			return nil, err
		}
		handlers.Compute = cleanup.NewComputeHandler(compute)
	} else {
		log.Warn("hetzner token not set, compute cleanup disabled")
	}
	if config.Cloudflare.APIKey != "" {
		config.Cloudflare.Debug = config.Cloudflare.Debug || config.Debug
		registrar, err := dns.NewClient(config.Cloudflare)
		if err != nil {
			return nil, err
		}
		handlers.Domain = cleanup.NewDomainHandler(registrar, registrar)
	} else {
		log.Warn("cloudflare key not set, domain cleanup disabled")
	}
	if config.Fingerprint.URL != "" {
		config.Fingerprint.Debug = config.Fingerprint.Debug || config.Debug
		profiles, err := fingerprint.NewClient(config.Fingerprint)
		if err != nil {
			return nil, err
		}
		handlers.Profile = cleanup.NewProfileHandler(profiles, collections.Profiles)
	} else {
		log.Warn("fingerprint provider not set, profile cleanup disabled")
	}
	config.Chat.Debug = config.Chat.Debug || config.Debug
	chat, err := messaging.NewChat(config.Chat)
	if err != nil {
		return nil, err
	}
	config.Email.Debug = config.Email.Debug || config.Debug
	mail, err := email.NewClient(config.Email)
	if err != nil {
		return nil, err
	}

	fleet := collections.Fleet()
	notifier := notify.NewDispatcher(collections.Notifications, chat, mail)
	orch := decommission.NewOrchestrator(
		collections.DecomJobs,
		fleet,
		handlers,
		notifier,
		config.Defaults,
	)
	scanner := decommission.NewScanner(fleet)

	s := &Service{
		config:      config,
		collections: collections,
		orch:        orch,
	}
	if !config.DisableScheduler {
		s.scheduler = decommission.NewScheduler(
			orch,
			scanner,
			collections.DecomJobs,
			fleet,
			collections.Settings,
			notifier,
			config.Scheduler,
		)
	}
	s.gateway, err = gateway.NewGateway(gateway.Config{
		Addr:     config.ListenAddr,
		Orch:     orch,
		Scanner:  scanner,
		Settings: collections.Settings,
		Debug:    config.Debug,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Collections returns the service's stores.
func (s *Service) Collections() *mongodb.Collections {
	return s.collections
}

func (s *Service) Start() error {
	s.gateway.Start()
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return err
		}
	}
	log.Info("service started")
	return nil
}

func (s *Service) Stop() error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if err := s.gateway.Stop(); err != nil {
		return err
	}
	return s.collections.Close()
}

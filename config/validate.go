package config

import (
	"errors"
	"fmt"
	"strings"

	"order-replicator-go/order"
)

// 存储驱动
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// 审计 sink
const (
	AuditFile     = "file"
	AuditPostgres = "postgres"
	AuditMemory   = "memory"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if err := validateBroker("source", cfg.Source, true); err != nil {
		return err
	}
	if err := validateBroker("destination", cfg.Destination, cfg.Ingestion.DestinationFeed); err != nil {
		return err
	}
	if err := cfg.Sizing.SizingEngineConfig().Validate(); err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	for p := range cfg.Sizing.MarginRates {
		if !knownProduct(order.ProductType(p)) {
			return ErrInvalid(fmt.Sprintf("sizing.marginRates: unknown product %q", p))
		}
	}
	if err := ValidateParams(cfg); err != nil {
		return err
	}

	switch cfg.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn is required for postgres (or " + EnvStoreDSN + ")")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}

	for _, s := range cfg.Audit.Sinks {
		switch s {
		case AuditFile:
			if cfg.Audit.FilePath == "" {
				return errors.New("audit.filePath is required for the file sink")
			}
		case AuditPostgres:
			if cfg.Store.Driver != StorePostgres {
				return errors.New("audit postgres sink requires store.driver postgres")
			}
		case AuditMemory:
			if cfg.Env == "prod" {
				return errors.New("audit memory sink is not durable and not allowed in prod")
			}
		default:
			return fmt.Errorf("audit sink %q is not supported", s)
		}
	}
	return nil
}

func validateBroker(name string, b BrokerConfig, needFeed bool) error {
	if b.ClientID == "" {
		return fmt.Errorf("%s.clientId is required", name)
	}
	if b.AccessToken == "" {
		return fmt.Errorf("%s.accessToken is required (or env overrides)", name)
	}
	if b.RESTURL == "" {
		return fmt.Errorf("%s.restURL is required", name)
	}
	if needFeed && b.FeedURL == "" {
		return fmt.Errorf("%s.feedURL is required", name)
	}
	if needFeed && !strings.HasPrefix(b.FeedURL, "ws") {
		return fmt.Errorf("%s.feedURL must be a ws:// or wss:// url", name)
	}
	return nil
}

func knownProduct(p order.ProductType) bool {
	switch p {
	case order.ProductCNC, order.ProductIntraday, order.ProductMargin, order.ProductMTF, order.ProductCO, order.ProductBO:
		return true
	}
	return false
}

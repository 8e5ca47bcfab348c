package config

// ValidateParams 额外验证非零的关键运行参数。
func ValidateParams(cfg AppConfig) error {
	if cfg.Outbound.RatePerSecond <= 0 || cfg.Outbound.Burst <= 0 {
		return ErrInvalid("outbound.ratePerSecond/burst must be > 0")
	}
	if cfg.Outbound.MaxAttempts < 1 {
		return ErrInvalid("outbound.maxAttempts must be >= 1")
	}
	if cfg.Replication.Shards <= 0 {
		return ErrInvalid("replication.shards must be > 0")
	}
	if cfg.Replication.PollInterval < 0 {
		return ErrInvalid("replication.pollInterval must be >= 0")
	}
	if cfg.Replication.StaleAfter <= cfg.Replication.ModifyHoldTimeout {
		return ErrInvalid("replication.staleAfter must exceed modifyHoldTimeout")
	}
	if cfg.Replication.OCOCancelAttempts < 1 {
		return ErrInvalid("replication.ocoCancelAttempts must be >= 1")
	}
	if cfg.Sizing.FundsTTL < 0 {
		return ErrInvalid("sizing.fundsTTL must be >= 0")
	}
	return nil
}

package config

import (
	"time"

	"github.com/harun/memledger/pkg/core"
	"github.com/harun/memledger/pkg/gate"
	"github.com/rs/zerolog"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// SecretProvider returns the gate secret source: the inline secret when set,
// else the configured environment variable.
func (c *Config) SecretProvider() gate.SecretProvider {
	if c.Gate.Secret != "" {
		return gate.StaticSecret(c.Gate.Secret)
	}
	name := c.Gate.SecretEnv
	if name == "" {
		name = DefaultSecretEnv
	}
	return gate.EnvSecret(name)
}

// CoreOptions maps the configuration onto the service options.
func (c *Config) CoreOptions(logger *zerolog.Logger) core.Options {
	dedup := millis(c.Tiers.DedupWindowMs)
	if c.Tiers.DedupWindowMs < 0 {
		dedup = -1
	}
	tokenMaxAge := seconds(c.Gate.TokenMaxAgeSec)
	if c.Gate.TokenMaxAgeSec < 0 {
		tokenMaxAge = -1
	}

	return core.Options{
		DataDir:      c.DataDir,
		WriterID:     c.WriterID,
		LockTimeout:  millis(c.Ledger.LockTimeoutMs),
		MaxFileBytes: c.Ledger.MaxFileBytes,
		MaxTextBytes: c.Tiers.MaxTextBytes,
		DedupWindow:  dedup,
		Watch:        c.Tiers.Watch,
		Retrieval: core.RetrievalOptions{
			MinScore:        c.Retrieval.MinScore,
			HalfLifeDays:    c.Retrieval.HalfLifeDays,
			ScopeBonus:      c.Retrieval.ScopeBonus,
			QuorumMin:       c.Retrieval.QuorumMin,
			QuorumTarget:    c.Retrieval.QuorumTarget,
			MaxFiles:        c.Retrieval.MaxFiles,
			DisableEvidence: !c.Retrieval.Evidence,
		},
		Gate: core.GateOptions{
			Mode:        gate.DiversityMode(c.Gate.Mode),
			PIIRules:    c.Gate.PIIRules,
			Secrets:     c.SecretProvider(),
			TokenMaxAge: tokenMaxAge,
			ClaimTTL:    seconds(c.Gate.ClaimTTLSec),
			SessionID:   c.Gate.SessionID,
		},
		RateLimit: core.RateLimitOptions{
			PerSecond: c.RateLimit.PerSecond,
			Burst:     c.RateLimit.Burst,
		},
		Logger: logger,
	}
}

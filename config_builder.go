package recordrule

// ConfigBuilder provides a fluent API for assembling rule bundles in code,
// the programmatic counterpart of the YAML/JSON/binary loaders.
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Engine:  EngineConfig{DefaultDeny: true},
			Rules:   []*Rule{},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) DefaultDeny(deny bool) *ConfigBuilder {
	b.cfg.Engine.DefaultDeny = deny
	return b
}

// RistrettoCache sizes the decision cache the bundle configures.
func (b *ConfigBuilder) RistrettoCache(numCounters, maxCost, bufferItems int64) *ConfigBuilder {
	b.cfg.Engine.RistrettoNumCounter = numCounters
	b.cfg.Engine.RistrettoMaxCost = maxCost
	b.cfg.Engine.RistrettoBuffer = bufferItems
	return b
}

func (b *ConfigBuilder) AddRule(r *Rule) *ConfigBuilder {
	b.cfg.Rules = append(b.cfg.Rules, r)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

func (b *ConfigBuilder) ToBinary() ([]byte, error) {
	return EncodeBinaryConfig(b.cfg)
}

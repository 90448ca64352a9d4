package recordrule

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Config is a loadable rule bundle plus engine settings.
type Config struct {
	Version uint16       `json:"version" yaml:"version"`
	Engine  EngineConfig `json:"engine" yaml:"engine"`
	Rules   []*Rule      `json:"rules" yaml:"rules"`
}

// EngineConfig carries the engine options a deployment tunes. default_deny
// is the single decision-affecting option; the rest size the optional
// ristretto decision cache.
type EngineConfig struct {
	DefaultDeny         bool  `json:"default_deny" yaml:"default_deny"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter,omitempty" yaml:"ristretto_num_counter,omitempty"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBuffer     int64 `json:"ristretto_buffer,omitempty" yaml:"ristretto_buffer,omitempty"`
}

// ConfigLoader loads rule bundles from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads the compact binary bundle format.
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	return decodeBinaryConfig(bytes.NewReader(data))
}

func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// EncodeBinaryConfig encodes the bundle to the binary format.
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate runs definition-time validation over every rule in the bundle.
func (c *Config) Validate() error {
	for i, r := range c.Rules {
		if r == nil {
			return fmt.Errorf("rule %d is empty", i)
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
		}
	}
	return nil
}

// ApplyConfig pushes engine settings and rule definitions into a live
// engine. It does not clear the decision cache; invalidation stays an
// explicit caller decision, same as DefineRule. Engine settings follow the
// configure-before-use contract of the Set* methods: apply bundles before
// serving concurrent access checks.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	e.defaultDeny = cfg.Engine.DefaultDeny
	if cfg.Engine.RistrettoNumCounter > 0 {
		if err := e.ConfigureRistrettoDecisionCache(cfg.Engine.RistrettoNumCounter, cfg.Engine.RistrettoMaxCost, cfg.Engine.RistrettoBuffer); err != nil {
			return fmt.Errorf("configure decision cache: %w", err)
		}
	}
	for _, r := range cfg.Rules {
		if _, err := e.DefineRule(ctx, r); err != nil {
			return fmt.Errorf("define rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// Binary bundle format: little-endian, magic + codec version + bundle
// version header, then length-prefixed tagged sections.
const (
	binaryMagic   = 0x5252 // "RR"
	binaryVersion = 1

	sectionEngine = 0x01
	sectionRules  = 0x02
)

const (
	permBitRead = 1 << iota
	permBitWrite
	permBitCreate
	permBitDelete
)

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	writeSection(buf, sectionEngine, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })
	writeSection(buf, sectionRules, func(b *bytes.Buffer) { encodeRules(b, cfg.Rules) })

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}

	var magic, ver, cfgVer uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)
	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, err
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		switch tag {
		case sectionEngine:
			cfg.Engine = decodeEngineConfig(data)
		case sectionRules:
			rules, err := decodeRules(data)
			if err != nil {
				return nil, err
			}
			cfg.Rules = rules
		}
	}
	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var l uint16
	if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read string body: %w", err)
	}
	return string(b), nil
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	buf.WriteByte(map[bool]byte{true: 1, false: 0}[cfg.DefaultDeny])
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBuffer)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	b, _ := r.ReadByte()
	cfg.DefaultDeny = b == 1
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBuffer)
	return cfg
}

func encodeRules(buf *bytes.Buffer, rules []*Rule) {
	binary.Write(buf, binary.LittleEndian, uint16(len(rules)))
	for _, r := range rules {
		writeString(buf, r.ID)
		writeString(buf, r.EntityName)
		writeString(buf, r.Name)
		writeString(buf, r.PluginID)
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[r.Global])
		var perms byte
		if r.Read {
			perms |= permBitRead
		}
		if r.Write {
			perms |= permBitWrite
		}
		if r.Create {
			perms |= permBitCreate
		}
		if r.Delete {
			perms |= permBitDelete
		}
		buf.WriteByte(perms)
		binary.Write(buf, binary.LittleEndian, uint16(len(r.Groups)))
		for _, g := range r.Groups {
			writeString(buf, g)
		}
		binary.Write(buf, binary.LittleEndian, uint16(len(r.Domain)))
		for _, p := range r.Domain {
			writeString(buf, p.Field)
			writeString(buf, p.Operator)
			valueJSON, _ := json.Marshal(p.Value)
			writeString(buf, string(valueJSON))
		}
	}
}

func decodeRules(data []byte) ([]*Rule, error) {
	r := bytes.NewReader(data)
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read rule count: %w", err)
	}
	rules := make([]*Rule, count)
	for i := range rules {
		rule := &Rule{}
		var err error
		if rule.ID, err = readString(r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.EntityName, err = readString(r); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if rule.Name, err = readString(r); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if rule.PluginID, err = readString(r); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		g, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("rule %s: read flags: %w", rule.ID, err)
		}
		rule.Global = g == 1
		perms, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("rule %s: read perms: %w", rule.ID, err)
		}
		rule.Read = perms&permBitRead != 0
		rule.Write = perms&permBitWrite != 0
		rule.Create = perms&permBitCreate != 0
		rule.Delete = perms&permBitDelete != 0
		var groupCount uint16
		if err := binary.Read(r, binary.LittleEndian, &groupCount); err != nil {
			return nil, fmt.Errorf("rule %s: read group count: %w", rule.ID, err)
		}
		if groupCount > 0 {
			rule.Groups = make([]string, groupCount)
			for j := range rule.Groups {
				if rule.Groups[j], err = readString(r); err != nil {
					return nil, fmt.Errorf("rule %s group %d: %w", rule.ID, j, err)
				}
			}
		}
		var predCount uint16
		if err := binary.Read(r, binary.LittleEndian, &predCount); err != nil {
			return nil, fmt.Errorf("rule %s: read predicate count: %w", rule.ID, err)
		}
		if predCount > 0 {
			rule.Domain = make([]Predicate, predCount)
			for j := range rule.Domain {
				if rule.Domain[j].Field, err = readString(r); err != nil {
					return nil, fmt.Errorf("rule %s predicate %d: %w", rule.ID, j, err)
				}
				if rule.Domain[j].Operator, err = readString(r); err != nil {
					return nil, fmt.Errorf("rule %s predicate %d: %w", rule.ID, j, err)
				}
				valueJSON, err := readString(r)
				if err != nil {
					return nil, fmt.Errorf("rule %s predicate %d: %w", rule.ID, j, err)
				}
				if err := json.Unmarshal([]byte(valueJSON), &rule.Domain[j].Value); err != nil {
					return nil, fmt.Errorf("rule %s predicate %d: %w", rule.ID, j, err)
				}
			}
		}
		rules[i] = rule
	}
	return rules, nil
}

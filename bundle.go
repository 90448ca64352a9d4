package recordrule

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// SignedRuleBundle is a rule bundle in the binary format plus an ed25519
// signature over the payload, the unit pushed to downstream evaluators.
type SignedRuleBundle struct {
	Payload   []byte         `json:"payload"`
	Signature string         `json:"signature"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// SignRuleBundle encodes cfg to the binary format and signs the payload.
func SignRuleBundle(priv ed25519.PrivateKey, cfg *Config) (*SignedRuleBundle, error) {
	payload, err := EncodeBinaryConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	sig := ed25519.Sign(priv, payload)
	return &SignedRuleBundle{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyRuleBundle checks the signature with pub and decodes the payload.
// A bundle that fails verification is never decoded.
func VerifyRuleBundle(pub ed25519.PublicKey, b *SignedRuleBundle) (*Config, error) {
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, b.Payload, sig) {
		return nil, fmt.Errorf("bundle signature verification failed")
	}
	return NewConfigLoader().LoadBinary(b.Payload)
}

// ApplySignedBundle verifies a bundle against pub and applies its contents.
// Nothing is applied when verification or decoding fails.
func (e *Engine) ApplySignedBundle(ctx context.Context, pub ed25519.PublicKey, b *SignedRuleBundle) error {
	cfg, err := VerifyRuleBundle(pub, b)
	if err != nil {
		return err
	}
	return e.ApplyConfig(ctx, cfg)
}

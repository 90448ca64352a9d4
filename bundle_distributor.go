package recordrule

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/recordrule/logger"
)

// BundleSubscriber receives signed rule bundles for an entity.
type BundleSubscriber interface {
	OnBundle(ctx context.Context, entity string, pub ed25519.PublicKey, bundle *SignedRuleBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, entity string, pub ed25519.PublicKey, bundle *SignedRuleBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, entity string, pub ed25519.PublicKey, bundle *SignedRuleBundle) error {
	return f(ctx, entity, pub, bundle)
}

// RuleBundleDistributor pushes signed rule bundles to subscribers whenever
// an entity's rules change. Bundles carry the full rule set for the entity,
// signed with a periodically rotated ed25519 key.
type RuleBundleDistributor struct {
	store            RuleStore
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan string
	stopCh           chan struct{}
	subscribers      map[string][]BundleSubscriber
	log              logger.Logger
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type RuleBundleDistributorOption func(*RuleBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if priv != nil && len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithBundleRotationInterval(interval time.Duration) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l logger.Logger) RuleBundleDistributorOption {
	return func(d *RuleBundleDistributor) {
		if l != nil {
			d.log = l
		}
	}
}

func NewRuleBundleDistributor(store RuleStore, opts ...RuleBundleDistributorOption) (*RuleBundleDistributor, error) {
	if store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &RuleBundleDistributor{
		store:            store,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan string, 1024),
		stopCh:           make(chan struct{}),
		subscribers:      make(map[string][]BundleSubscriber),
		log:              logger.NewPhuslu(),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *RuleBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case entity := <-d.notifyCh:
				if entity == "" {
					continue
				}
				if err := d.distributeEntity(ctx, entity); err != nil {
					d.log.Error("bundle distribution failed", "entity", entity, "error", err)
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.log.Error("bundle key rotation failed", "error", err)
				}
			}
		}
	}()
}

func (d *RuleBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyRuleChange queues a redistribution for the entity. Drops the
// notification when the queue is full; the next change will catch up.
func (d *RuleBundleDistributor) NotifyRuleChange(entity string) {
	if entity == "" {
		return
	}
	select {
	case d.notifyCh <- entity:
	default:
	}
}

// RegisterSubscriber subscribes to bundles for one entity, or every entity
// when entity is empty.
func (d *RuleBundleDistributor) RegisterSubscriber(entity string, sub BundleSubscriber) {
	if sub == nil {
		return
	}
	if entity == "" {
		entity = "*"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[entity] = append(d.subscribers[entity], sub)
}

func (d *RuleBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *RuleBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

// keyPair snapshots both halves together so a concurrent rotation cannot
// pair a payload signed with the old key with the new public key.
func (d *RuleBundleDistributor) keyPair() (ed25519.PublicKey, ed25519.PrivateKey) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...), d.priv
}

func (d *RuleBundleDistributor) distributeEntity(ctx context.Context, entity string) error {
	rules, err := d.store.ListRules(ctx, entity)
	if err != nil {
		return err
	}
	cfg := &Config{
		Version: 1,
		Engine:  EngineConfig{DefaultDeny: true},
		Rules:   rules,
	}
	pub, priv := d.keyPair()
	bundle, err := SignRuleBundle(priv, cfg)
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"entity":       entity,
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}

	for _, sub := range d.collectSubscribers(entity) {
		if err := sub.OnBundle(ctx, entity, pub, bundle); err != nil {
			d.log.Error("bundle subscriber error", "entity", entity, "error", err)
		}
	}
	return nil
}

func (d *RuleBundleDistributor) collectSubscribers(entity string) []BundleSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := make([]BundleSubscriber, 0, len(d.subscribers[entity])+len(d.subscribers["*"]))
	subs = append(subs, d.subscribers[entity]...)
	subs = append(subs, d.subscribers["*"]...)
	return subs
}

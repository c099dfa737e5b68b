// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package dsledger keeps usage records in Google Cloud Datastore.
// See https://cloud.google.com/datastore/ for more details.
//
// Configuration
// -------------
// Records are stored as entities of a configurable kind, named by usage id, under one ancestor
// key per tenant so that range queries by timestamp stay within an entity group. Each entity
// carries an ExpiresAt property; configure a Datastore TTL policy on it to have expired records
// deleted server side. Queries never return expired records either way.
//
// Credentials are taken from a JSON service account file if one is given, otherwise from the
// environment's application default credentials. DATASTORE_EMULATOR_HOST is honoured.
package dsledger

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/option"
	"k8s.io/utils/clock"

	"github.com/square/llmquota"
	"github.com/square/llmquota/logging"
)

const (
	DefaultKind = "UsageRecord"
	tenantKind  = "Tenant"
	storeName   = "ledger"
)

// storedRecord is the persisted form of a usage record. Tenant and usage id live in the key.
type storedRecord struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	Timestamp    int64
	Metadata     string `datastore:",noindex"`
	ExpiresAt    time.Time
}

type Config struct {
	ProjectID       string
	CredentialsFile string
	Namespace       string
	// Kind defaults to DefaultKind.
	Kind  string
	Clock clock.PassiveClock
}

// LedgerStore is a llmquota.LedgerStore backed by Datastore.
type LedgerStore struct {
	client    *datastore.Client
	namespace string
	kind      string
	clock     clock.PassiveClock
}

func New(ctx context.Context, cfg Config) (*LedgerStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := datastore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	logging.Infof("Connected to Datastore project %v, namespace %q", cfg.ProjectID, cfg.Namespace)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client. ProjectID and CredentialsFile in cfg are ignored.
func NewWithClient(client *datastore.Client, cfg Config) *LedgerStore {
	if cfg.Kind == "" {
		cfg.Kind = DefaultKind
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &LedgerStore{client: client, namespace: cfg.Namespace, kind: cfg.Kind, clock: cfg.Clock}
}

func (s *LedgerStore) Close() error {
	return s.client.Close()
}

func (s *LedgerStore) tenantKey(tenantID string) *datastore.Key {
	k := datastore.NameKey(tenantKind, tenantID, nil)
	k.Namespace = s.namespace
	return k
}

func (s *LedgerStore) recordKey(tenantID, usageID string) *datastore.Key {
	k := datastore.NameKey(s.kind, usageID, s.tenantKey(tenantID))
	k.Namespace = s.namespace
	return k
}

func (s *LedgerStore) Put(ctx context.Context, rec *llmquota.UsageRecord, expiresAt time.Time) error {
	e, err := toStored(rec, expiresAt)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, s.recordKey(rec.TenantID, rec.UsageID), e); err != nil {
		return llmquota.StoreUnavailable(storeName, err)
	}
	return nil
}

func (s *LedgerStore) Query(ctx context.Context, tenantID string, start, end int64) ([]*llmquota.UsageRecord, error) {
	q := datastore.NewQuery(s.kind).
		Namespace(s.namespace).
		Ancestor(s.tenantKey(tenantID)).
		FilterField("Timestamp", ">=", start).
		FilterField("Timestamp", "<=", end).
		Order("Timestamp")

	var entities []*storedRecord
	keys, err := s.client.GetAll(ctx, q, &entities)
	if err != nil {
		return nil, llmquota.StoreUnavailable(storeName, err)
	}

	now := s.clock.Now()
	recs := make([]*llmquota.UsageRecord, 0, len(entities))
	for i, e := range entities {
		// TTL policies delete lazily, so filter here too.
		if !now.Before(e.ExpiresAt) {
			continue
		}
		recs = append(recs, fromStored(tenantID, keys[i].Name, e))
	}
	return recs, nil
}

func toStored(rec *llmquota.UsageRecord, expiresAt time.Time) (*storedRecord, error) {
	e := &storedRecord{
		Model:        rec.Model,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Timestamp:    rec.Timestamp,
		ExpiresAt:    expiresAt.UTC()}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, err
		}
		e.Metadata = string(b)
	}
	return e, nil
}

func fromStored(tenantID, usageID string, e *storedRecord) *llmquota.UsageRecord {
	rec := &llmquota.UsageRecord{
		UsageID:      usageID,
		TenantID:     tenantID,
		Model:        e.Model,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		Timestamp:    e.Timestamp}
	if e.Metadata != "" {
		if err := json.Unmarshal([]byte(e.Metadata), &rec.Metadata); err != nil {
			logging.Warnf("Dropping undecodable metadata of usage record %v: %v", usageID, err)
		}
	}
	return rec
}

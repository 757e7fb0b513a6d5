package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	imagePrefix = "/boxforge/images/"
	runPrefix   = "/boxforge/runs/"
)

// EtcdLedger handles ledger persistence using Etcd
type EtcdLedger struct {
	client *clientv3.Client
	kv     clientv3.KV
}

// NewEtcdLedger creates a new EtcdLedger
func NewEtcdLedger(endpoints []string) (*EtcdLedger, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdLedger{client: cli, kv: cli}, nil
}

// newEtcdLedgerWithKV builds a ledger over an existing key-value client.
func newEtcdLedgerWithKV(kv clientv3.KV) *EtcdLedger {
	return &EtcdLedger{kv: kv}
}

// Close closes the etcd client connection
func (l *EtcdLedger) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

// put bounds every write by WriteTimeout.
func (l *EtcdLedger) put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	if _, err := l.kv.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to save %s to etcd: %w", key, err)
	}
	return nil
}

// RecordImage saves an image record
func (l *EtcdLedger) RecordImage(ctx context.Context, record ImageRecord) error {
	return l.put(ctx, imagePrefix+record.Identity, record)
}

// Image retrieves the record of one image
func (l *EtcdLedger) Image(ctx context.Context, identity string) (ImageRecord, bool, error) {
	var record ImageRecord
	resp, err := l.kv.Get(ctx, imagePrefix+identity)
	if err != nil {
		return record, false, fmt.Errorf("failed to get image record from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return record, false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return record, false, fmt.Errorf("failed to unmarshal image record: %w", err)
	}
	return record, true, nil
}

// Images lists every image record, ordered by identity
func (l *EtcdLedger) Images(ctx context.Context) ([]ImageRecord, error) {
	resp, err := l.kv.Get(ctx, imagePrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list images from etcd: %w", err)
	}
	records := make([]ImageRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record ImageRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", kv.Key, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// RecordRun saves a run record
func (l *EtcdLedger) RecordRun(ctx context.Context, record RunRecord) error {
	return l.put(ctx, runPrefix+record.ID, record)
}

// Runs lists every run record, oldest first
func (l *EtcdLedger) Runs(ctx context.Context) ([]RunRecord, error) {
	resp, err := l.kv.Get(ctx, runPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list runs from etcd: %w", err)
	}
	records := make([]RunRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record RunRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", kv.Key, err)
		}
		records = append(records, record)
	}
	sortRuns(records)
	return records, nil
}

func sortRuns(records []RunRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

package state

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the etcd driver. Each slot is one key under Prefix.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

const defaultEtcdPrefix = "/dcfsync/slots/"

// etcdKV is the part of clientv3.KV the driver uses.
type etcdKV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
}

// EtcdBackend stores one key per slot.
type EtcdBackend struct {
	kv     etcdKV
	closer io.Closer
	prefix string
}

func newEtcdBackend(kv etcdKV, closer io.Closer, prefix string) *EtcdBackend {
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdBackend{kv: kv, closer: closer, prefix: prefix}
}

func openEtcd(_ context.Context, cfg Config) (Backend, error) {
	ec := cfg.Etcd
	if len(ec.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}
	if ec.DialTimeout == 0 {
		ec.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   ec.Endpoints,
		DialTimeout: ec.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return newEtcdBackend(cli, cli, ec.Prefix), nil
}

func (b *EtcdBackend) Get(ctx context.Context, slot string) (string, error) {
	resp, err := b.kv.Get(ctx, b.prefix+slot)
	if err != nil {
		return "", fmt.Errorf("etcd get %s: %w", slot, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (b *EtcdBackend) Set(ctx context.Context, slot, value string) error {
	if _, err := b.kv.Put(ctx, b.prefix+slot, value); err != nil {
		return fmt.Errorf("etcd put %s: %w", slot, err)
	}
	return nil
}

func (b *EtcdBackend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

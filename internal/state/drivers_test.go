package state

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

// exerciseBackend checks the behavior every driver shares.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	got, err := b.Get(ctx, "connections_current")
	require.NoError(t, err)
	assert.Empty(t, got, "unwritten slot reads empty")

	require.NoError(t, b.Set(ctx, "connections_current", "1/2/5/-9;3/4"))
	require.NoError(t, b.Set(ctx, "connections_pending", "1/2/7"))

	got, err = b.Get(ctx, "connections_current")
	require.NoError(t, err)
	assert.Equal(t, "1/2/5/-9;3/4", got)

	require.NoError(t, b.Set(ctx, "connections_current", ""))
	got, err = b.Get(ctx, "connections_current")
	require.NoError(t, err)
	assert.Empty(t, got, "overwrite with empty value")

	got, err = b.Get(ctx, "connections_pending")
	require.NoError(t, err)
	assert.Equal(t, "1/2/7", got, "slots are independent")

	require.NoError(t, b.Close())
}

func TestDrivers(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) Backend
	}{
		{"memory", func(t *testing.T) Backend { return NewMemoryBackend() }},
		{"file", func(t *testing.T) Backend {
			return NewLocalBackend(filepath.Join(t.TempDir(), "slots.json"))
		}},
		{"redis", func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			return NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
		}},
		{"etcd", func(t *testing.T) Backend { return newEtcdBackend(newFakeKV(), nil, "/test") }},
		{"postgres", func(t *testing.T) Backend {
			b, err := newPostgresBackend(context.Background(), newFakePG(), nil, "")
			require.NoError(t, err)
			return b
		}},
		{"s3", func(t *testing.T) Backend { return newS3Backend(newFakeS3(), "bucket", "") }},
		{"badger", func(t *testing.T) Backend {
			b, err := OpenBadger(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			return b
		}},
		{"sqlite", func(t *testing.T) Backend {
			b, err := OpenSQLite(filepath.Join(t.TempDir(), "slots.db"))
			require.NoError(t, err)
			return b
		}},
		{"configmap", func(t *testing.T) Backend {
			return NewConfigMapBackend(fake.NewClientset(), "ops", "")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exerciseBackend(t, tt.open(t))
		})
	}
}

func TestRedisBackendUsesOneHash(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "site-a")
	defer b.Close()

	require.NoError(t, b.Set(context.Background(), "startup", "1/2;1/3"))
	assert.Equal(t, "1/2;1/3", mr.HGet("site-a", "startup"))
}

func TestOpenRedisFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), Config{Type: "redis", Redis: RedisConfig{URL: "redis://" + mr.Addr()}})
	require.NoError(t, err)
	exerciseBackend(t, b)
}

func TestEtcdBackendKeys(t *testing.T) {
	kv := newFakeKV()
	b := newEtcdBackend(kv, nil, "/site")
	require.NoError(t, b.Set(context.Background(), "slot", "v"))
	assert.Equal(t, "v", kv.data["/site/slot"])
}

func TestConfigMapBackendUpdatesExisting(t *testing.T) {
	ctx := context.Background()
	client := fake.NewClientset()
	b := NewConfigMapBackend(client, "ops", "slots")

	require.NoError(t, b.Set(ctx, "a", "1"))
	require.NoError(t, b.Set(ctx, "b", "2"))

	cm, err := client.CoreV1().ConfigMaps("ops").Get(ctx, "slots", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, cm.Data)
	assert.Equal(t, "dcfsync", cm.Labels["app.kubernetes.io/managed-by"])
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "floppy"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpenDefaultsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.json")
	b, err := Open(context.Background(), Config{File: FileConfig{Path: path}})
	require.NoError(t, err)
	local, ok := b.(*LocalBackend)
	require.True(t, ok, "got %T", b)
	assert.Equal(t, path, local.Path)
}

func TestDriversRegistered(t *testing.T) {
	assert.Equal(t,
		[]string{"badger", "configmap", "etcd", "file", "memory", "postgres", "redis", "s3", "sqlite"},
		Drivers())
}

func TestOpenRequiresSettings(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []Config{
		{Type: "etcd"},
		{Type: "postgres"},
		{Type: "s3"},
		{Type: "sqlite"},
		{Type: "badger"},
	} {
		_, err := Open(ctx, cfg)
		assert.Error(t, err, cfg.Type)
	}
}

// fakeKV implements etcdKV over a map.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string]string{}} }

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &clientv3.GetResponse{}
	if v, ok := f.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}
		resp.Count = 1
	}
	return resp, nil
}

func (f *fakeKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	return &clientv3.PutResponse{}, nil
}

// fakePG understands the three statements the postgres driver issues.
type fakePG struct {
	mu      sync.Mutex
	created bool
	rows    map[[2]string]string
}

func newFakePG() *fakePG { return &fakePG{rows: map[[2]string]string{}} }

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasPrefix(sql, "CREATE TABLE"):
		f.created = true
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	case strings.HasPrefix(sql, "INSERT"):
		if !f.created {
			return pgconn.CommandTag{}, errors.New("relation does not exist")
		}
		f.rows[[2]string{args[0].(string), args[1].(string)}] = args[2].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement")
}

func (f *fakePG) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[[2]string{args[0].(string), args[1].(string)}]
	return fakeRow{value: v, found: ok}
}

type fakeRow struct {
	value string
	found bool
}

func (r fakeRow) Scan(dest ...any) error {
	if !r.found {
		return pgx.ErrNoRows
	}
	*dest[0].(*string) = r.value
	return nil
}

// fakeS3 implements s3API over a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string]string{}} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

package collection

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type EtcdBackend struct {
	client    *clientv3.Client
	namespace string
}

func NewEtcdBackend(client *clientv3.Client, namespace string) *EtcdBackend {
	return &EtcdBackend{
		client:    client,
		namespace: namespace,
	}
}

func (etcd *EtcdBackend) Name() string { return "etcd" }

func (etcd *EtcdBackend) namespacePrefix() string {
	return "/" + etcd.namespace
}

// collectionPrefix escapes the collection key so that a key never
// contains the path separator and prefixes of two keys never overlap.
func (etcd *EtcdBackend) collectionPrefix(kind string, key string) string {
	return etcd.namespacePrefix() + "/" + kind + "/" + url.PathEscape(key) + "/"
}

func (etcd *EtcdBackend) Set(key string) Set {
	return &etcdSet{client: etcd.client, prefix: etcd.collectionPrefix("sets", key)}
}

func (etcd *EtcdBackend) Map(key string) Map {
	return &etcdMap{client: etcd.client, prefix: etcd.collectionPrefix("maps", key)}
}

func (etcd *EtcdBackend) Ping(ctx context.Context) error {
	if _, err := etcd.client.Get(ctx, etcd.namespacePrefix(), clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("failed to reach etcd: %w", err)
	}
	return nil
}

func (etcd *EtcdBackend) Close(ctx context.Context) error {
	return etcd.client.Close()
}

type etcdSet struct {
	client *clientv3.Client
	prefix string
}

func (s *etcdSet) Add(ctx context.Context, member string) error {
	// Only create the key when it does not exist yet, so re-adding a
	// member does not bump its revision.
	key := s.prefix + member
	_, err := s.client.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
	).Then(
		clientv3.OpPut(key, ""),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to add %q to etcd set: %w", member, err)
	}
	return nil
}

func (s *etcdSet) Remove(ctx context.Context, member string) error {
	if _, err := s.client.Delete(ctx, s.prefix+member); err != nil {
		return fmt.Errorf("failed to remove %q from etcd set: %w", member, err)
	}
	return nil
}

func (s *etcdSet) Contains(ctx context.Context, member string) (bool, error) {
	resp, err := s.client.Get(ctx, s.prefix+member, clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("failed to get %q from etcd set: %w", member, err)
	}
	return resp.Count > 0, nil
}

func (s *etcdSet) Members(ctx context.Context) ([]string, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list etcd set: %w", err)
	}

	members := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members = append(members, strings.TrimPrefix(string(kv.Key), s.prefix))
	}
	return members, nil
}

type etcdMap struct {
	client *clientv3.Client
	prefix string
}

func (m *etcdMap) Put(ctx context.Context, field string, value string) error {
	if _, err := m.client.Put(ctx, m.prefix+field, value); err != nil {
		return fmt.Errorf("failed to put %q in etcd map: %w", field, err)
	}
	return nil
}

func (m *etcdMap) Get(ctx context.Context, field string) (string, bool, error) {
	resp, err := m.client.Get(ctx, m.prefix+field)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q from etcd map: %w", field, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (m *etcdMap) Delete(ctx context.Context, field string) error {
	if _, err := m.client.Delete(ctx, m.prefix+field); err != nil {
		return fmt.Errorf("failed to delete %q from etcd map: %w", field, err)
	}
	return nil
}

func (m *etcdMap) Entries(ctx context.Context) (map[string]string, error) {
	resp, err := m.client.Get(ctx, m.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list etcd map: %w", err)
	}

	entries := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		entries[strings.TrimPrefix(string(kv.Key), m.prefix)] = string(kv.Value)
	}
	return entries, nil
}

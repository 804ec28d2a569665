package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"cellarsync/collection"
	"cellarsync/configstore"
)

// openBackend connects to the data store holding the distributed
// collections.
func openBackend(ctx context.Context, conf backendConfig, log *zap.Logger) (collection.Backend, error) {
	switch conf.Type {
	case "memory":
		log.Warn("using the in-memory backend, state is not shared with other nodes")
		return collection.NewMemoryBackend(), nil

	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   conf.Etcd.Endpoints,
			DialTimeout: conf.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return collection.NewEtcdBackend(client, conf.Etcd.Namespace), nil

	case "dynamodb":
		awsConf, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsConf, func(o *dynamodb.Options) {
			if conf.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(conf.DynamoDB.Endpoint)
			}
		})
		backend := collection.NewDynamoDBBackend(client, conf.DynamoDB.Table, log)
		if err := backend.InitTable(ctx); err != nil {
			return nil, err
		}
		return backend, nil

	case "postgres":
		backend, err := collection.ConnectPostgres(ctx, conf.Postgres.URL)
		if err != nil {
			return nil, err
		}
		if err := backend.Setup(ctx); err != nil {
			backend.Close(ctx)
			return nil, err
		}
		return backend, nil

	case "mongo":
		return collection.ConnectMongo(ctx, conf.Mongo.URL, conf.Mongo.Database)

	case "redis":
		return collection.ConnectRedis(ctx, conf.Redis.Addr, conf.Redis.Password, conf.Redis.DB, conf.Redis.Prefix)

	default:
		return nil, fmt.Errorf("unknown backend %q", conf.Type)
	}
}

// newConfigStore layers the cluster-wide configuration, stored in the
// backend, over the defaults of the config file.
func newConfigStore(backend collection.Backend, conf config) (configstore.Store, error) {
	props, err := conf.staticProperties()
	if err != nil {
		return nil, err
	}
	return configstore.Layered{
		configstore.NewCollectionStore(backend),
		configstore.NewStatic(map[string]map[string]string{configstore.GroupsPID: props}),
	}, nil
}

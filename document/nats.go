package document

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/cloudkit/config"
	"github.com/c360/cloudkit/natsclient"
)

// BucketName returns the KV bucket holding collection
func BucketName(prefix, collection string) string {
	return prefix + "_" + collection
}

// NATSOpener opens one JetStream KV bucket per collection, creating it on first use
func NATSOpener(client *natsclient.Client, cfg config.DocumentsConfig) Opener {
	return func(ctx context.Context, collection string) (Bucket, error) {
		kvCfg := jetstream.KeyValueConfig{
			Bucket:      BucketName(cfg.BucketPrefix, collection),
			Description: "cloudkit collection " + collection,
			History:     uint8(max(cfg.History, 1)),
			Replicas:    max(cfg.Replicas, 1),
		}
		store, err := client.OpenKVStore(ctx, kvCfg, func(o *natsclient.KVOptions) {
			if cfg.OperationTimeout > 0 {
				o.Timeout = cfg.OperationTimeout
			}
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

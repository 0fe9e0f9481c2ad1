package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dan-solli/thingdb/pkg/store"
)

// DefaultRedisPrefix namespaces every key written by RedisBackend.
const DefaultRedisPrefix = "thingdb:"

// RedisBackend shares artifacts between processes. Each slot is a hash with a
// native expiry; a set per source lists the types stored for it.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) slotKey(source string, typ store.ArtifactType) string {
	return r.prefix + "artifact:" + source + "#" + string(typ)
}

func (r *RedisBackend) tagKey(source string) string {
	return r.prefix + "tag:" + source
}

func (r *RedisBackend) GetArtifact(ctx context.Context, source string, typ store.ArtifactType) (*store.Artifact, error) {
	fields, err := r.client.HGetAll(ctx, r.slotKey(source, typ)).Result()
	if err != nil {
		return nil, store.Wrap("get_artifact", fmt.Errorf("hgetall: %w", err))
	}
	if len(fields) == 0 {
		return nil, store.NotFound("get_artifact", source+"#"+string(typ))
	}
	a, err := decodeArtifact(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s#%s: %w", source, typ, err)
	}
	return a, nil
}

func (r *RedisBackend) PutArtifact(ctx context.Context, a *store.Artifact) error {
	slot := r.slotKey(a.Source, a.Type)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, slot)
		pipe.HSet(ctx, slot, encodeArtifact(a))
		if a.ExpiresAt != nil {
			pipe.PExpireAt(ctx, slot, *a.ExpiresAt)
		}
		pipe.SAdd(ctx, r.tagKey(a.Source), string(a.Type))
		return nil
	})
	if err != nil {
		return store.Wrap("put_artifact", fmt.Errorf("store artifact: %w", err))
	}
	return nil
}

func (r *RedisBackend) DeleteArtifacts(ctx context.Context, source string, types ...store.ArtifactType) (int, error) {
	tag := r.tagKey(source)
	if len(types) == 0 {
		members, err := r.client.SMembers(ctx, tag).Result()
		if err != nil {
			return 0, store.Wrap("invalidate", fmt.Errorf("smembers: %w", err))
		}
		for _, m := range members {
			types = append(types, store.ArtifactType(m))
		}
	}
	if len(types) == 0 {
		return 0, nil
	}

	keys := make([]string, len(types))
	members := make([]interface{}, len(types))
	for i, t := range types {
		keys[i] = r.slotKey(source, t)
		members[i] = string(t)
	}

	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.SRem(ctx, tag, members...)
		return nil
	})
	if err != nil {
		return 0, store.Wrap("invalidate", fmt.Errorf("delete artifacts: %w", err))
	}
	return int(del.Val()), nil
}

func (r *RedisBackend) ListArtifacts(ctx context.Context, tag string) ([]*store.Artifact, error) {
	members, err := r.client.SMembers(ctx, r.tagKey(tag)).Result()
	if err != nil {
		return nil, store.Wrap("list_artifacts", fmt.Errorf("smembers: %w", err))
	}

	var out []*store.Artifact
	for _, m := range members {
		a, err := r.GetArtifact(ctx, tag, store.ArtifactType(m))
		if store.CodeOf(err) == store.CodeNotFound {
			continue // expired by redis
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// DeleteExpiredArtifacts prunes tag entries whose slot redis already expired
// and returns how many were pruned. Slots themselves expire natively.
func (r *RedisBackend) DeleteExpiredArtifacts(ctx context.Context, now time.Time) (int, error) {
	pruned := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"tag:*", 100).Iterator()
	for iter.Next(ctx) {
		tag := iter.Val()
		source := tag[len(r.prefix+"tag:"):]

		members, err := r.client.SMembers(ctx, tag).Result()
		if err != nil {
			return pruned, store.Wrap("sweep", fmt.Errorf("smembers: %w", err))
		}
		for _, m := range members {
			exists, err := r.client.Exists(ctx, r.slotKey(source, store.ArtifactType(m))).Result()
			if err != nil {
				return pruned, store.Wrap("sweep", fmt.Errorf("exists: %w", err))
			}
			if exists > 0 {
				continue
			}
			n, err := r.client.SRem(ctx, tag, m).Result()
			if err != nil {
				return pruned, store.Wrap("sweep", fmt.Errorf("srem: %w", err))
			}
			pruned += int(n)
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, store.Wrap("sweep", fmt.Errorf("scan: %w", err))
	}
	return pruned, nil
}

func encodeArtifact(a *store.Artifact) map[string]interface{} {
	fields := map[string]interface{}{
		"key":         a.Key,
		"type":        string(a.Type),
		"source":      a.Source,
		"source_hash": a.SourceHash,
		"content":     a.Content,
		"size":        a.Size,
		"created_at":  a.CreatedAt.UnixNano(),
	}
	if a.ExpiresAt != nil {
		fields["expires_at"] = a.ExpiresAt.UnixNano()
	}
	return fields
}

func decodeArtifact(fields map[string]string) (*store.Artifact, error) {
	a := &store.Artifact{
		Key:        fields["key"],
		Type:       store.ArtifactType(fields["type"]),
		Source:     fields["source"],
		SourceHash: fields["source_hash"],
		Content:    []byte(fields["content"]),
	}

	var err error
	if a.Size, err = strconv.ParseInt(fields["size"], 10, 64); err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	a.CreatedAt = time.Unix(0, created).UTC()

	if v, ok := fields["expires_at"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expires_at: %w", err)
		}
		t := time.Unix(0, n).UTC()
		a.ExpiresAt = &t
	}
	return a, nil
}

var _ Backend = (*RedisBackend)(nil)

package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Index using Redis GEO commands plus one metadata hash
// per actor.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.ActorLocation) error {
	if loc.Updated.IsZero() {
		loc.Updated = time.Now()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Location.Lng, Latitude: loc.Location.Lat, Name: loc.ActorID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", loc.ActorID, err)
	}
	if err := r.client.HSet(ctx, MetaKey(loc.ActorID), map[string]interface{}{
		"role":    string(loc.Role),
		"updated": loc.Updated.Format(time.RFC3339),
	}).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", loc.ActorID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, actorID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, actorID)
	pipe.Del(ctx, MetaKey(actorID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.ActorLocation, error) {
	if radiusMeters <= 0 {
		radiusMeters = 5000
	}
	res, err := r.client.GeoRadius(ctx, r.key, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.ActorLocation, 0, len(res))
	for _, g := range res {
		a := models.ActorLocation{
			ActorID:  g.Name,
			Location: models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			Distance: g.Dist,
		}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			a.Role = models.Role(m["role"])
			if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
				a.Updated = ts
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// MetaKey is the hash holding per-actor metadata next to the GEO set.
func MetaKey(id string) string { return "actor:meta:" + id }

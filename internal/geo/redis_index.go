package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-dispatch/internal/models"
)

// CarrierIndex tracks carrier positions for candidate lookup. Entries are
// advisory; acceptance always goes through the ledger's atomic claim.
type CarrierIndex interface {
	Upsert(ctx context.Context, c models.Carrier) error
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Carrier, error)
}

// RedisCarrierIndex implements CarrierIndex using Redis GEO commands plus
// a metadata hash per carrier.
type RedisCarrierIndex struct {
	client *redis.Client
	key    string
}

func NewRedisCarrierIndex(addr, password, key string) *RedisCarrierIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisCarrierIndex{client: c, key: key}
}

func (r *RedisCarrierIndex) Upsert(ctx context.Context, c models.Carrier) error {
	if c.Loc != nil {
		if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Loc.Lng, Latitude: c.Loc.Lat, Name: c.ID}).Result(); err != nil {
			return err
		}
	}
	return r.client.HSet(ctx, metaKey(c.ID), map[string]interface{}{
		"rating":  fmt.Sprintf("%f", c.Rating),
		"online":  strconv.FormatBool(c.Online),
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisCarrierIndex) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Carrier, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Carrier, 0, len(res))
	for _, g := range res {
		c := models.Carrier{ID: g.Name, Loc: &models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					c.Rating = f
				}
			}
			if v, ok := m["online"]; ok {
				c.Online = v == "true"
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *RedisCarrierIndex) Close() error { return r.client.Close() }

func (r *RedisCarrierIndex) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func metaKey(id string) string { return "carrier:meta:" + id }

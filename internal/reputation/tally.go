package reputation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/storage"
)

// Tally is the running aggregate of one driver's ratings. Sum holds the
// total of smoothness+comfort over Count ratings.
type Tally struct {
	Sum   int64 `json:"sum" bson:"sum"`
	Count int64 `json:"count" bson:"count"`
}

// Points is the tally contribution of a single rating.
func Points(r models.Rating) int64 { return int64(r.Smoothness + r.Comfort) }

// Stars converts a tally into the displayed 5-star rating: the mean of
// (smoothness+comfort)/2 over all ratings, halved and rounded to one
// decimal. Sum/2 is exact in float64 and there is a single division by
// Count, so the value is the same whatever order ratings arrived in.
// Rounding works on the exact binary value, ties to even, which is how
// round(x, 1) behaves on a float.
func Stars(t Tally) float64 {
	if t.Count <= 0 {
		return 0
	}
	mean := float64(t.Sum) / 2 / float64(t.Count)
	v, err := strconv.ParseFloat(strconv.FormatFloat(mean/2, 'f', 1, 64), 64)
	if err != nil {
		return 0
	}
	return v
}

// TallyStore keeps the per-driver (sum, count) pair.
type TallyStore interface {
	// Add folds one rating worth points into the driver's tally and returns
	// the tally after the increment.
	Add(ctx context.Context, driverID string, points int64) (Tally, error)
	// Reset overwrites the driver's tally.
	Reset(ctx context.Context, driverID string, t Tally) error
}

type tallyDoc struct {
	ID    string `json:"id" bson:"id"`
	Sum   int64  `json:"sum" bson:"sum"`
	Count int64  `json:"count" bson:"count"`
}

// GatewayTally keeps tallies as documents in the rating_tallies collection.
type GatewayTally struct {
	Store storage.Gateway
	mu    sync.Mutex
}

func NewGatewayTally(store storage.Gateway) *GatewayTally {
	return &GatewayTally{Store: store}
}

func (g *GatewayTally) Add(ctx context.Context, driverID string, points int64) (Tally, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.Store.UpdateOne(ctx, models.RatingTalliesCollection,
		storage.Filter{"id": driverID},
		storage.Update{Inc: map[string]any{"sum": points, "count": int64(1)}})
	if err != nil {
		return Tally{}, fmt.Errorf("increment tally: %w", err)
	}
	if n == 0 {
		err := g.Store.Insert(ctx, models.RatingTalliesCollection, tallyDoc{ID: driverID, Sum: points, Count: 1})
		if err == nil {
			return Tally{Sum: points, Count: 1}, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return Tally{}, fmt.Errorf("create tally: %w", err)
		}
		// another process created it first
		if _, err := g.Store.UpdateOne(ctx, models.RatingTalliesCollection,
			storage.Filter{"id": driverID},
			storage.Update{Inc: map[string]any{"sum": points, "count": int64(1)}}); err != nil {
			return Tally{}, fmt.Errorf("increment tally: %w", err)
		}
	}
	return g.load(ctx, driverID)
}

func (g *GatewayTally) Reset(ctx context.Context, driverID string, t Tally) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.Store.UpdateOne(ctx, models.RatingTalliesCollection,
		storage.Filter{"id": driverID},
		storage.Update{Set: map[string]any{"sum": t.Sum, "count": t.Count}})
	if err != nil {
		return fmt.Errorf("reset tally: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := g.Store.Insert(ctx, models.RatingTalliesCollection, tallyDoc{ID: driverID, Sum: t.Sum, Count: t.Count}); err != nil {
		return fmt.Errorf("create tally: %w", err)
	}
	return nil
}

func (g *GatewayTally) load(ctx context.Context, driverID string) (Tally, error) {
	var d tallyDoc
	if err := g.Store.FindOne(ctx, models.RatingTalliesCollection, storage.Filter{"id": driverID}, &d); err != nil {
		return Tally{}, fmt.Errorf("load tally: %w", err)
	}
	return Tally{Sum: d.Sum, Count: d.Count}, nil
}

// HashCounter is the subset of redis hash operations the tally needs.
type HashCounter interface {
	// IncrFields increments every field of key in one transaction and
	// returns the new values.
	IncrFields(ctx context.Context, key string, deltas map[string]int64) (map[string]int64, error)
	// ReplaceFields drops key and writes values in one transaction.
	ReplaceFields(ctx context.Context, key string, values map[string]int64) error
}

// RedisTally keeps each driver's tally in a redis hash {sum, count}.
type RedisTally struct {
	hashes HashCounter
	prefix string
}

func NewRedisTally(hashes HashCounter, prefix string) *RedisTally {
	if prefix == "" {
		prefix = "rating:tally:"
	}
	return &RedisTally{hashes: hashes, prefix: prefix}
}

// NewRedisTallyFromClient wires a RedisTally to a go-redis client.
func NewRedisTallyFromClient(c redis.Cmdable, prefix string) *RedisTally {
	return NewRedisTally(&redisHashes{c: c}, prefix)
}

func (r *RedisTally) Add(ctx context.Context, driverID string, points int64) (Tally, error) {
	vals, err := r.hashes.IncrFields(ctx, r.prefix+driverID, map[string]int64{"sum": points, "count": 1})
	if err != nil {
		return Tally{}, fmt.Errorf("redis tally: %w", err)
	}
	return Tally{Sum: vals["sum"], Count: vals["count"]}, nil
}

func (r *RedisTally) Reset(ctx context.Context, driverID string, t Tally) error {
	if err := r.hashes.ReplaceFields(ctx, r.prefix+driverID, map[string]int64{"sum": t.Sum, "count": t.Count}); err != nil {
		return fmt.Errorf("redis tally reset: %w", err)
	}
	return nil
}

type redisHashes struct{ c redis.Cmdable }

func (h *redisHashes) IncrFields(ctx context.Context, key string, deltas map[string]int64) (map[string]int64, error) {
	cmds := make(map[string]*redis.IntCmd, len(deltas))
	_, err := h.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for field, d := range deltas {
			cmds[field] = p.HIncrBy(ctx, key, field, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(cmds))
	for field, cmd := range cmds {
		out[field] = cmd.Val()
	}
	return out, nil
}

func (h *redisHashes) ReplaceFields(ctx context.Context, key string, values map[string]int64) error {
	fields := make([]any, 0, 2*len(values))
	for k, v := range values {
		fields = append(fields, k, strconv.FormatInt(v, 10))
	}
	_, err := h.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, fields...)
		return nil
	})
	return err
}

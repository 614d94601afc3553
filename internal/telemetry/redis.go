package telemetry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis mirrors the latest snapshot into a hash and announces changed
// fields on a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	key     string
	channel string
	prev    *Snapshot
}

func NewRedis(client redis.UniversalClient, key, channel string) *Redis {
	return &Redis{client: client, key: key, channel: channel}
}

func DialRedis(addr, password string, db int, key, channel string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedis(client, key, channel)
}

func (r *Redis) Publish(ctx context.Context, snap Snapshot) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key, Fields(snap))
	for _, name := range Changed(r.prev, snap) {
		pipe.Publish(ctx, r.channel, name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: redis %s: %w", r.key, err)
	}
	r.prev = &snap
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }

// Fields flattens a snapshot into hash fields.
func Fields(snap Snapshot) map[string]interface{} {
	f := map[string]interface{}{
		"state":           snap.State,
		"state-code":      strconv.Itoa(int(snap.StateCode)),
		"pack-voltage":    snap.Pack,
		"min-cell":        snap.MinCell,
		"max-cell":        snap.MaxCell,
		"avg-cell":        snap.AvgCell,
		"state-of-charge": snap.StateOfCharge,
		"current":         snap.Current,
		"charging":        snap.Charging,
		"balancing":       snap.Balancing,
		"comm-error":      snap.CommError,
	}
	for i, v := range snap.Cells {
		f[fmt.Sprintf("cell-voltage:%d", i)] = v
	}
	for i, v := range snap.Temperatures {
		f[fmt.Sprintf("temperature:%d", i)] = v
	}
	for name, on := range snap.Indicators {
		f["indicator:"+name] = on
	}
	return f
}

// Changed lists the notification names whose value differs from prev.
// Everything counts as changed on the first snapshot.
func Changed(prev *Snapshot, cur Snapshot) []string {
	if prev == nil {
		return []string{"state", "charging", "balancing", "comm-error"}
	}
	var out []string
	if prev.StateCode != cur.StateCode {
		out = append(out, "state")
	}
	if prev.Charging != cur.Charging {
		out = append(out, "charging")
	}
	if prev.Balancing != cur.Balancing {
		out = append(out, "balancing")
	}
	if prev.CommError != cur.CommError {
		out = append(out, "comm-error")
	}
	return out
}

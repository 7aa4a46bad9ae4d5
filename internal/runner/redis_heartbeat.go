package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// heartbeatPayload is the JSON structure published to Redis for runner
// discovery.
type heartbeatPayload struct {
	RunnerID  string `json:"runner_id"`
	Region    string `json:"region"`
	AdminAddr string `json:"admin_addr"`
	Capacity  int    `json:"capacity"`  // total allocatable IPs
	Allocated int    `json:"allocated"` // IPs currently in use
	BridgeUp  bool   `json:"bridge_up"`
}

// RedisHeartbeat publishes periodic heartbeats to Redis. Each heartbeat:
//  1. SETs vm0:runner:{id} with a 30s TTL (auto-expires if the runner dies)
//  2. PUBLISHes to vm0:runners:heartbeat for real-time notification
type RedisHeartbeat struct {
	rdb       *redis.Client
	runnerID  string
	region    string
	adminAddr string
	getStats  func() (capacity, allocated int, bridgeUp bool)
	stop      chan struct{}
}

// NewRedisHeartbeat creates a new heartbeat publisher.
func NewRedisHeartbeat(redisURL, runnerID, region, adminAddr string) (*RedisHeartbeat, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisHeartbeat{
		rdb:       rdb,
		runnerID:  runnerID,
		region:    region,
		adminAddr: adminAddr,
		stop:      make(chan struct{}),
	}, nil
}

// Start begins publishing heartbeats every 10 seconds.
func (h *RedisHeartbeat) Start(getStats func() (capacity, allocated int, bridgeUp bool)) {
	h.getStats = getStats

	go func() {
		h.publish()

		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.publish()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *RedisHeartbeat) publish() {
	capacity, allocated, bridgeUp := h.getStats()

	payload := heartbeatPayload{
		RunnerID:  h.runnerID,
		Region:    h.region,
		AdminAddr: h.adminAddr,
		Capacity:  capacity,
		Allocated: allocated,
		BridgeUp:  bridgeUp,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("redis_heartbeat: marshal error: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := "vm0:runner:" + h.runnerID
	if err := h.rdb.Set(ctx, key, data, 30*time.Second).Err(); err != nil {
		log.Printf("redis_heartbeat: SET failed: %v", err)
	}

	if err := h.rdb.Publish(ctx, "vm0:runners:heartbeat", data).Err(); err != nil {
		log.Printf("redis_heartbeat: PUBLISH failed: %v", err)
	}
}

// Stop stops the heartbeat publisher and closes the Redis connection.
func (h *RedisHeartbeat) Stop() {
	close(h.stop)

	// Remove the key so the control plane sees us gone immediately
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.rdb.Del(ctx, "vm0:runner:"+h.runnerID)

	h.rdb.Close()
	log.Println("redis_heartbeat: stopped")
}

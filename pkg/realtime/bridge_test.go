package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBridge_RelaysBetweenReplicas(t *testing.T) {
	mr := miniredis.RunT(t)

	newReplica := func() (*Hub, *RedisBridge) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		hub := NewHub(8, nil)
		return hub, NewRedisBridge(client, hub, "", nil, nil)
	}
	hubA, bridgeA := newReplica()
	hubB, bridgeB := newReplica()
	assert.NotEqual(t, bridgeA.Origin(), bridgeB.Origin())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridgeA.Run(ctx) }()
	go func() { _ = bridgeB.Run(ctx) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	subA := hubA.Subscribe("t1", TopicSession)
	subB := hubB.Subscribe("t1", TopicSession)
	defer subA.Close()
	defer subB.Close()

	require.NoError(t, NewBroadcaster(hubA).BroadcastSession("t1", map[string]bool{"isActive": false}))

	assert.Equal(t, TopicSession, recv(t, subB).Type)
	assert.Equal(t, "t1", recv(t, subA).TenantID)

	// A's own message comes back over Redis but must not be delivered twice
	time.Sleep(100 * time.Millisecond)
	assertEmpty(t, subA)
}

func TestRedisBridge_IgnoresMalformedPayload(t *testing.T) {
	hub := NewHub(1, nil)
	bridge := NewRedisBridge(redis.NewClient(&redis.Options{Addr: "localhost:0"}), hub, "", nil, nil)
	sub := hub.Subscribe("t1")
	defer sub.Close()

	bridge.receive("not json")
	assertEmpty(t, sub)
}

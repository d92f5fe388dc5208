package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-lis/internal/domain"
)

func TestRegistryConnectDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newPipeDialer(0)
	reg := NewRegistry(testOptions(), dialer, &memJournal{}, newRecordingSink(), nil, zap.NewNop())

	var (
		mu      sync.Mutex
		stopped []string
	)
	reg.OnStop(func(id string) {
		mu.Lock()
		stopped = append(stopped, id)
		mu.Unlock()
	})

	inactive := analyzer(domain.ProtocolHL7)
	inactive.AnalyzerID = "AN-OFF"
	inactive.IsActive = false
	reg.Start(ctx, []domain.Analyzer{analyzer(domain.ProtocolHL7), inactive})

	dialer.next(t).drain()
	require.Eventually(t, func() bool { return reg.Status("AN-1").State == StateReady }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, reg.Status("AN-OFF").State)
	require.Len(t, reg.Statuses(), 1)

	// 重复 Connect 不新建会话
	require.NoError(t, reg.Connect(analyzer(domain.ProtocolHL7)))
	dialer.mu.Lock()
	assert.Equal(t, 1, dialer.dials)
	dialer.mu.Unlock()

	require.NoError(t, reg.Disconnect("AN-1"))
	assert.Equal(t, StateDisconnected, reg.Status("AN-1").State)
	assert.ErrorIs(t, reg.Disconnect("AN-1"), domain.ErrNotFound)
	assert.ErrorIs(t, reg.Submit(ctx, "AN-1", Outbound{}), domain.ErrNotFound)

	mu.Lock()
	assert.Equal(t, []string{"AN-1"}, stopped)
	mu.Unlock()

	bad := analyzer("SMTP")
	assert.ErrorIs(t, reg.Connect(bad), domain.ErrInvalidArgument)

	reg.Stop()
}

func TestStateCacheWritesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewStateCache(NewRedisKVStore(client), "lis:analyzer", time.Hour, zap.NewNop())
	ctx := context.Background()

	_, err := cache.Get(ctx, "AN-1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	cache.OnStateChange(Status{AnalyzerID: "AN-1", State: StateReady, SessionID: "s-1"}, StateHandshaking)

	got, err := cache.Get(ctx, "AN-1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, got.State)
	assert.Equal(t, "s-1", got.SessionID)
	assert.True(t, mr.Exists("lis:analyzer:AN-1:state"))
	assert.Greater(t, mr.TTL("lis:analyzer:AN-1:state"), time.Duration(0))
}

func TestSerialMode(t *testing.T) {
	mode, err := serialMode(domain.Analyzer{BaudRate: 19200, Parity: "even", StopBits: 2})
	require.NoError(t, err)
	assert.Equal(t, 19200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)

	_, err = serialMode(domain.Analyzer{Parity: "weird"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = serialMode(domain.Analyzer{StopBits: 3})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

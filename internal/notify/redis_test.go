package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/internal/testutil"
)

type RedisNotifierSuite struct {
	suite.Suite
	client *redis.Client
}

func TestRedisNotifierSuite(t *testing.T) {
	testutil.RequireIntegration(t)
	suite.Run(t, new(RedisNotifierSuite))
}

func (s *RedisNotifierSuite) SetupSuite() {
	addr := testutil.StartRedisContainer(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	s.Require().NoError(s.client.Ping(context.Background()).Err())
}

func (s *RedisNotifierSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

// listen starts l.Listen and returns once the subscription is active.
func (s *RedisNotifierSuite) listen(ctx context.Context, l *RedisNotifier, wake func()) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.Listen(ctx, wake) }()
	s.Require().Eventually(func() bool {
		n, err := s.client.PubSubNumSub(ctx, l.channel).Result()
		return err == nil && n[l.channel] > 0
	}, 5*time.Second, 10*time.Millisecond)
	return done
}

func (s *RedisNotifierSuite) TestWakesOtherInstances() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "test:" + s.T().Name()
	a := NewRedisNotifier(s.client, channel, nil)
	b := NewRedisNotifier(s.client, channel, nil)

	var woken atomic.Int32
	done := s.listen(ctx, b, func() { woken.Add(1) })

	s.Require().NoError(a.Notify(ctx))
	s.Require().Eventually(func() bool { return woken.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	s.Require().NoError(<-done)
}

func (s *RedisNotifierSuite) TestIgnoresOwnMessages() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "test:" + s.T().Name()
	a := NewRedisNotifier(s.client, channel, nil)
	other := NewRedisNotifier(s.client, channel, nil)

	var woken atomic.Int32
	s.listen(ctx, a, func() { woken.Add(1) })

	s.Require().NoError(a.Notify(ctx))
	s.Require().NoError(other.Notify(ctx))

	// Messages on one channel arrive in order, so once the second wakeup
	// lands the first one has been skipped.
	s.Require().Eventually(func() bool { return woken.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	s.Require().EqualValues(1, woken.Load())
}

func TestNewRedisNotifier_Defaults(t *testing.T) {
	n := NewRedisNotifier(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "", nil)
	if n.channel != DefaultChannel {
		t.Fatalf("channel = %q, want %q", n.channel, DefaultChannel)
	}
	if n.Instance() == "" || n.Instance() == NewRedisNotifier(n.client, "", nil).Instance() {
		t.Fatal("instances must have distinct ids")
	}
}

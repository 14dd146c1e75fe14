// smoketest 对运行中的依赖做冒烟测试：
//
//	go run ./cmd/smoketest rate lock bus live
//
// rate/lock/bus 需要 REDIS_ADDR，live 需要一个已启动的服务（SERVER_URL）和相同的 JWT_SECRET。
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"realtime-poll-backend/auth"
	"realtime-poll-backend/cache"
	"realtime-poll-backend/config"
	"realtime-poll-backend/logging"
	"realtime-poll-backend/models"
	"realtime-poll-backend/mq"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = logging.For("smoketest", "main")

func redisClient(ctx context.Context, cfg *config.Config) *redis.Client {
	client, err := cache.InitRedis(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("初始化Redis失败")
	}
	return client
}

// 测试限流器
func testRateLimiter(ctx context.Context, cfg *config.Config) {
	fmt.Println("=== 测试限流器 ===")
	client := redisClient(ctx, cfg)
	defer cache.CloseRedis(client)

	// 每个用户每秒3个请求
	limiter := cache.NewUserRateLimiter(client, fmt.Sprintf("smoke:%d", time.Now().UnixNano()), 100, 3)

	count := func(n int) int {
		allowed := 0
		for i := 0; i < n; i++ {
			ok, err := limiter.Allow(ctx, "smoke-user")
			if err != nil {
				log.WithError(err).Warn("限流检查错误")
				continue
			}
			if ok {
				allowed++
			}
		}
		return allowed
	}

	log.Infof("快速连续发送10个请求，允许通过 %d 个（期望 3）", count(10))
	time.Sleep(time.Second)
	log.Infof("等待1秒后发送5个请求，允许通过 %d 个（期望 3）", count(5))
}

// 测试分布式锁
func testDistributedLock(ctx context.Context, cfg *config.Config) {
	fmt.Println("\n=== 测试分布式锁 ===")
	client := redisClient(ctx, cfg)
	defer cache.CloseRedis(client)

	locks := cache.NewDistributedLockService(client)
	const concurrent = 10
	var acquired atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			err := locks.WithLock(ctx, "smoke:expiry-sweep", 5*time.Second, func(context.Context) error {
				acquired.Add(1)
				time.Sleep(time.Second)
				return nil
			})
			if err != nil && !errors.Is(err, cache.ErrLockNotAcquired) {
				log.WithError(err).WithField("request", idx+1).Warn("锁操作错误")
			}
		}(i)
	}
	wg.Wait()

	if acquired.Load() == 1 {
		log.Info("分布式锁正常工作")
	} else {
		log.Errorf("分布式锁异常，%d 个请求获取了锁", acquired.Load())
	}
}

// 测试 Redis 事件总线的往返
func testBus(ctx context.Context, cfg *config.Config) {
	fmt.Println("\n=== 测试事件总线 ===")
	client := redisClient(ctx, cfg)
	defer cache.CloseRedis(client)

	received := make(chan models.UpdateEvent, 1)
	bus := mq.NewRedisBus(client, "smoke:poll-updates", 16)
	if err := bus.Start(ctx, mq.PublisherFunc(func(ev models.UpdateEvent) { received <- ev })); err != nil {
		log.WithError(err).Fatal("启动事件总线失败")
	}
	defer bus.Close()

	bus.Publish(models.UpdateEvent{Kind: models.EventPollUpdated, PollID: "smoke", Version: 1, At: time.Now()})
	select {
	case ev := <-received:
		log.WithFields(logrus.Fields{"poll_id": ev.PollID, "version": ev.Version}).Info("事件总线往返正常")
	case <-time.After(5 * time.Second):
		log.Error("5秒内没有收到事件")
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func call(method, url, token string, body, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(env.Data) > 0 {
		return resp.StatusCode, json.Unmarshal(env.Data, out)
	}
	return resp.StatusCode, nil
}

// 并发投票，检查实时通道收到的版本号严格递增
func testLive(cfg *config.Config) {
	fmt.Println("\n=== 测试实时推送 ===")
	if cfg.JWTSecret == "" {
		log.Fatal("live 测试需要与服务端相同的 JWT_SECRET")
	}
	server := strings.TrimRight(config.GetEnv("SERVER_URL", "http://localhost:"+cfg.ServerPort), "/")
	voters := config.GetEnvInt("SMOKE_VOTERS", 50)
	authn := auth.NewJWTAuthenticator(cfg.JWTSecret)
	token := func(id string) string {
		t, err := authn.Issue(auth.Session{UserID: id, Name: id}, 10*time.Minute)
		if err != nil {
			log.WithError(err).Fatal("签发令牌失败")
		}
		return t
	}

	var poll models.Poll
	status, err := call(http.MethodPost, server+"/api/polls", token("smoke-owner"), map[string]interface{}{
		"question":    "Smoke test poll",
		"options":     []string{"A", "B", "C"},
		"isPublished": true,
	}, &poll)
	if err != nil || status != http.StatusCreated {
		log.WithError(err).WithField("status", status).Fatal("创建投票失败")
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server, "http")+"/ws", nil)
	if err != nil {
		log.WithError(err).Fatal("连接 WebSocket 失败")
	}
	defer ws.Close()
	join, _ := models.NewFrame(models.EventJoinPoll, models.PollRef{PollID: poll.ID})
	if err := ws.WriteMessage(websocket.TextMessage, join); err != nil {
		log.WithError(err).Fatal("加入房间失败")
	}

	versions := make(chan int64, voters+1)
	go func() {
		defer close(versions)
		for {
			_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f models.Frame
			if json.Unmarshal(msg, &f) != nil || f.Event != models.EventPollUpdated {
				continue
			}
			var p struct {
				Version int64 `json:"version"`
			}
			if json.Unmarshal(f.Data, &p) == nil {
				versions <- p.Version
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			option := poll.Options[idx%len(poll.Options)].ID
			status, err := call(http.MethodPost, server+"/api/votes", token(fmt.Sprintf("smoke-voter-%d", idx)),
				map[string]string{"pollId": poll.ID, "pollOptionId": option}, nil)
			if err != nil || status != http.StatusCreated {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	log.WithFields(logrus.Fields{"voters": voters, "failed": failed.Load(), "took": time.Since(start).String()}).Info("投票完成")

	var last int64 = -1
	inOrder := true
	for v := range versions {
		if v <= last {
			inOrder = false
		}
		last = v
		if v >= int64(voters) {
			break
		}
	}
	if inOrder && last == int64(voters)-int64(failed.Load()) {
		log.WithField("version", last).Info("实时推送版本有序且完整")
	} else {
		log.WithFields(logrus.Fields{"last": last, "in_order": inOrder}).Error("实时推送版本异常")
	}

	if _, err := call(http.MethodDelete, server+"/api/polls/"+poll.ID, token("smoke-owner"), nil, nil); err != nil {
		log.WithError(err).Warn("清理投票失败")
	}
}

func main() {
	defer fmt.Println("所有测试完成！")

	cfg := config.Load()
	logging.SetLevel(cfg.LogLevel)
	ctx := context.Background()

	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"rate", "lock", "bus"}
	}
	for _, arg := range args {
		switch arg {
		case "rate":
			testRateLimiter(ctx, cfg)
		case "lock":
			testDistributedLock(ctx, cfg)
		case "bus":
			testBus(ctx, cfg)
		case "live":
			testLive(cfg)
		default:
			log.Warnf("未知测试: %s", arg)
		}
	}
}

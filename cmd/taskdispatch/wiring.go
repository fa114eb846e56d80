package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/yuhang1130/taskdispatch"
	"github.com/yuhang1130/taskdispatch/internal/config"
	"github.com/yuhang1130/taskdispatch/pkg/redislock"
	"github.com/yuhang1130/taskdispatch/pkg/storage"
)

// deps bundles the shared collaborators every subcommand wires the same way.
type deps struct {
	store  storage.TaskStore
	rdb    redis.UniversalClient
	locks  *redislock.Client
	queue  *redislock.NotifyQueue
	remote taskdispatch.RemoteDeviceClient
}

func buildDeps() (*deps, error) {
	store, err := storage.OpenSQLite(config.String("SQLITE_PATH", "taskdispatch.db"))
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.String("REDIS_ADDR", "127.0.0.1:6379"),
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
	remote, err := taskdispatch.NewHTTPRemoteClient(config.String("CENTRAL_CONTROL_URL", "http://127.0.0.1:8080"))
	if err != nil {
		store.Close()
		return nil, err
	}
	return &deps{
		store:  store,
		rdb:    rdb,
		locks:  redislock.New(rdb, ""),
		queue:  redislock.NewNotifyQueue(rdb),
		remote: remote,
	}, nil
}

func (d *deps) close() {
	if d.store != nil {
		d.store.Close()
	}
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
}

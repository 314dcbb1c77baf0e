package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/caarlos0/env/v11"
)

const defaultOutboundQueueDepth = 1024

type SleepConfig struct {
	ServerName string `json:"server_name" env:"CS_SERVER_NAME"`
	ListenPort int    `json:"listen_port" env:"CS_LISTEN_PORT"`
	WSPort     int    `json:"ws_port" env:"CS_WS_PORT"`

	RoomCapacity       int   `json:"room_capacity" env:"CS_ROOM_CAPACITY"`
	BedCount           int64 `json:"bed_count" env:"CS_BED_COUNT"`
	VoteDurationSec    int   `json:"vote_duration_sec" env:"CS_VOTE_DURATION_SEC"`
	OutboundQueueDepth int   `json:"outbound_queue_depth" env:"CS_OUTBOUND_QUEUE_DEPTH"`

	MaxConnsPerIP int   `json:"max_conns_per_ip" env:"CS_MAX_CONNS_PER_IP"`
	MaxBitsPerSec int64 `json:"max_bits_per_sec" env:"CS_MAX_BITS_PER_SEC"`

	BlacklistMode   string `json:"blacklist_mode" env:"CS_BLACKLIST_MODE"`
	BlacklistDBPath string `json:"blacklist_db_path" env:"CS_BLACKLIST_DB_PATH"`
	RedisAddr       string `json:"redis_addr" env:"CS_REDIS_ADDR"`

	TrafficDSN      string `json:"traffic_dsn" env:"CS_TRAFFIC_DSN"`
	TrafficFlushSec int    `json:"traffic_flush_sec" env:"CS_TRAFFIC_FLUSH_SEC"`
}

func defaultSleepConfig() SleepConfig {
	return SleepConfig{
		ServerName:         "Wheat CloudSleep Server",
		ListenPort:         8011,
		WSPort:             0,
		RoomCapacity:       512,
		BedCount:           256,
		VoteDurationSec:    60,
		OutboundQueueDepth: defaultOutboundQueueDepth,
		MaxConnsPerIP:      8,
		MaxBitsPerSec:      512 * 1024,
		BlacklistMode:      blacklistSQLite,
		BlacklistDBPath:    "data/blacklist.db",
		TrafficFlushSec:    60,
	}
}

// loadSleepConfig reads config.json when present, then applies CS_*
// environment overrides. Broken values fall back to defaults rather than
// refusing to start.
func loadSleepConfig(path string) SleepConfig {
	cfg := defaultSleepConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Printf("config %s unreadable, using defaults: %v", path, err)
			cfg = defaultSleepConfig()
		}
	}

	if err := env.Parse(&cfg); err != nil {
		log.Printf("env overrides rejected: %v", err)
	}

	if cfg.ServerName == "" {
		cfg.ServerName = "Wheat CloudSleep Server"
	}
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = 8011
	}
	if cfg.RoomCapacity <= 0 {
		cfg.RoomCapacity = 512
	}
	if cfg.BedCount <= 0 {
		cfg.BedCount = 256
	}
	if cfg.VoteDurationSec <= 0 {
		cfg.VoteDurationSec = 60
	}
	if cfg.OutboundQueueDepth <= 0 {
		cfg.OutboundQueueDepth = defaultOutboundQueueDepth
	}
	if cfg.BlacklistMode == "" {
		cfg.BlacklistMode = blacklistSQLite
	}

	return cfg
}

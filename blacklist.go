package main

import (
	"context"
	"database/sql"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"
	_ "modernc.org/sqlite"
)

const (
	blacklistMemory = "memory"
	blacklistSQLite = "sqlite"
	blacklistRedis  = "redis"
	blacklistHybrid = "hybrid"
)

const blacklistRedisKey = "cloudsleep:blocked_ips"

// Blacklist is the block-list store consulted at accept time and written by
// the violation path. The in-memory set is authoritative for the lifetime of
// the process; sqlite and redis modes additionally make blocks durable or
// shared across processes. hybrid writes sqlite and mirrors to redis
// best-effort.
type Blacklist struct {
	mode string

	mu      sync.RWMutex
	blocked map[string]bool

	db  *sql.DB
	rdb *redis.Client
}

func NewBlacklist(cfg SleepConfig) *Blacklist {
	b := &Blacklist{
		mode:    cfg.BlacklistMode,
		blocked: map[string]bool{},
	}

	switch b.mode {
	case blacklistMemory:
	case blacklistSQLite, blacklistHybrid:
		db, err := openBlacklistDB(cfg.BlacklistDBPath)
		if err != nil {
			log.Printf("blacklist db unavailable, falling back to memory: %v", err)
		} else {
			b.db = db
			b.loadFromDB()
		}
		if b.mode == blacklistHybrid {
			b.rdb = newBlacklistRedis(cfg.RedisAddr)
		}
	case blacklistRedis:
		b.rdb = newBlacklistRedis(cfg.RedisAddr)
	default:
		log.Printf("unknown blacklist mode %q, using memory", b.mode)
		b.mode = blacklistMemory
	}

	log.Printf("blacklist mode: %s", b.mode)
	return b
}

func openBlacklistDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	schema := `
CREATE TABLE IF NOT EXISTS blocked_ips (
  ip TEXT PRIMARY KEY,
  reason TEXT NOT NULL DEFAULT '',
  blocked_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newBlacklistRedis(addr string) *redis.Client {
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func (b *Blacklist) loadFromDB() {
	rows, err := b.db.Query(`SELECT ip FROM blocked_ips`)
	if err != nil {
		log.Printf("blacklist load failed: %v", err)
		return
	}
	defer rows.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			log.Printf("blacklist row scan failed: %v", err)
			return
		}
		b.blocked[ip] = true
	}
}

func (b *Blacklist) AddToBlockList(ip string) {
	if ip == "" {
		return
	}

	b.mu.Lock()
	already := b.blocked[ip]
	b.blocked[ip] = true
	b.mu.Unlock()
	if already {
		return
	}

	log.Printf("ip added to block list: %s", ip)

	if b.db != nil {
		_, err := b.db.Exec(
			`INSERT INTO blocked_ips(ip) VALUES(?) ON CONFLICT(ip) DO NOTHING`, ip)
		if err != nil {
			log.Printf("blacklist db write failed for %s: %v", ip, err)
		}
	}
	if b.rdb != nil {
		if err := b.rdb.SAdd(context.Background(), blacklistRedisKey, ip).Err(); err != nil {
			log.Printf("blacklist redis write failed for %s: %v", ip, err)
		}
	}
}

func (b *Blacklist) IsBlocked(ip string) bool {
	b.mu.RLock()
	hit := b.blocked[ip]
	b.mu.RUnlock()
	if hit {
		return true
	}

	// redis mode shares blocks across processes; consult the set and cache
	// a hit. Errors fail open so a dead redis never locks everyone out.
	if b.mode == blacklistRedis && b.rdb != nil {
		found, err := b.rdb.SIsMember(context.Background(), blacklistRedisKey, ip).Result()
		if err != nil {
			log.Printf("blacklist redis check failed for %s: %v", ip, err)
			return false
		}
		if found {
			b.mu.Lock()
			b.blocked[ip] = true
			b.mu.Unlock()
		}
		return found
	}
	return false
}

func (b *Blacklist) Close() {
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
}

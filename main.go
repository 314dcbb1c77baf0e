package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	activeConfig    SleepConfig
	trafficRecorder *TrafficRecorder
	violations      *ViolationDetector
	blockList       *Blacklist
)

func main() {
	cfg := loadSleepConfig("config.json")
	activeConfig = cfg

	log.Println("=================================")
	log.Println(cfg.ServerName)
	log.Println("Status: STARTED")
	log.Println("=================================")

	violations = NewViolationDetector()
	trafficRecorder = NewTrafficRecorder(cfg, violations)
	blockList = NewBlacklist(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TrafficDSN != "" {
		store, err := openTrafficStore(ctx, cfg.TrafficDSN)
		if err != nil {
			log.Printf("traffic store unavailable, rollups disabled: %v", err)
		} else {
			defer store.Close()
			trafficRecorder.StartFlusher(ctx, store, time.Duration(cfg.TrafficFlushSec)*time.Second)
		}
	}

	room := NewRoom(cfg)

	listenAddr := fmt.Sprintf(":%d", cfg.ListenPort)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatalf("failed to start CloudSleep server: %v", err)
	}
	log.Printf("listening on %s, room capacity %d, beds %d",
		listenAddr, cfg.RoomCapacity, cfg.BedCount)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					log.Printf("accept error: %v", err)
					continue
				}
			}
			ip := peerHost(conn.RemoteAddr().String())
			if blockList.IsBlocked(ip) {
				log.Printf("blocked ip rejected at accept: %s", ip)
				_ = conn.Close()
				continue
			}
			NewSleeper(room, conn).Start()
		}
	}()

	var wsServer *http.Server
	if cfg.WSPort > 0 {
		wsServer = startWSGateway(cfg, room)
	}

	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-ticker.C:
				log.Printf("status: sleepers online:%d members:%d", sessionCount(), room.MemberCount())
			case <-ctx.Done():
				return
			}
		}
	}()

	<-sigChan
	log.Println("shutting down")
	cancel()
	ticker.Stop()
	_ = listener.Close()
	if wsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = wsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	forEachSession(func(s *Sleeper) { s.Stop() })
	blockList.Close()
	log.Println("CloudSleep server shut down cleanly")
}

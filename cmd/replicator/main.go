package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"order-replicator-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	stopTimeout := flag.Duration("stopTimeout", 30*time.Second, "优雅退出的最长等待")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}
	notify(daemon.SdNotifyReady)

	exitCode := 0
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("收到信号 %s，开始退出", sig)
	case err := <-c.Fatal():
		log.Printf("推送连接不可恢复: %v", err)
		exitCode = 1
	}
	notify(daemon.SdNotifyStopping)

	done := make(chan error, 1)
	go func() { done <- c.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			log.Printf("退出时出错: %v", err)
			exitCode = 1
		}
	case <-time.After(*stopTimeout):
		log.Printf("退出超时 (%s)", *stopTimeout)
		exitCode = 1
	}
	cancel()
	os.Exit(exitCode)
}

// notify 非 systemd 环境下 SdNotify 返回 false，忽略即可
func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Printf("sd_notify %s: %v", state, err)
	}
}

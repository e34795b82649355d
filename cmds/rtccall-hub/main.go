package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"

	"github.com/binzume/rtccall/store/memstore"
	"github.com/binzume/rtccall/store/wsstore"
)

type Config struct {
	ListenAddr   string
	Path         string
	SignalingKey string
	LogLevel     string
}

func DefaultConfig() *Config {
	var config Config
	config.ListenAddr = ":8080"
	config.Path = "/signaling"
	return &config
}

func loadConfig(confPath string) *Config {
	config := DefaultConfig()

	_, err := toml.DecodeFile(confPath, config)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("WARN: %s not found. use default settings.\n", confPath)
	} else if err != nil {
		log.Fatal("Failed to load ", confPath, err)
	}
	return config
}

func main() {
	confPath := flag.String("conf", "hub.toml", "conf path")
	addr := flag.String("addr", "", "listen address")
	flag.Parse()

	config := loadConfig(*confPath)
	if *addr != "" {
		config.ListenAddr = *addr
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	if config.LogLevel == "debug" {
		loggerFactory.DefaultLogLevel = logging.LogLevelDebug
	}

	st := memstore.New()
	defer st.Close()
	hub := wsstore.NewServer(st, config.SignalingKey)
	hub.Logger = loggerFactory.NewLogger("hub")

	mux := http.NewServeMux()
	mux.Handle(config.Path, hub)
	server := &http.Server{Addr: config.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Println("Listening on ", config.ListenAddr, config.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Println(err)
	}
}

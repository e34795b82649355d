package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"golang.org/x/sync/errgroup"

	"github.com/binzume/rtccall/callog"
	"github.com/binzume/rtccall/media"
	"github.com/binzume/rtccall/rtccall"
	"github.com/binzume/rtccall/store"
	"github.com/binzume/rtccall/store/rtdb"
	"github.com/binzume/rtccall/store/wsstore"
)

type Config struct {
	SelfID      string
	DisplayName string
	Emoji       string

	// Backend is "rtdb" or "hub"
	Backend      string
	DatabaseURL  string
	AuthToken    string
	HubURL       string
	SignalingKey string

	ICEServers []string
	UDPPort    int

	AudioFile   string
	VideoFile   string
	RecordDir   string
	HistoryPath string

	AutoAccept bool
	LogLevel   string
	TimeoutSec int
}

func DefaultConfig() *Config {
	var config Config
	config.Backend = "hub"
	config.HubURL = "ws://localhost:8080/signaling"
	config.ICEServers = []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}
	config.HistoryPath = "history.db"
	config.LogLevel = "warn"
	config.TimeoutSec = 10
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

func parseLogLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	}
	return logging.LogLevelWarn
}

type app struct {
	config   *Config
	client   *rtccall.Client
	history  *callog.Log
	provider *media.PionProvider
	hub      *wsstore.Conn
	closers  []func() error

	ended chan callog.Outcome
}

func openStore(config *Config, loggerFactory logging.LoggerFactory) (store.Store, *wsstore.Conn, error) {
	timeout := time.Duration(config.TimeoutSec) * time.Second
	switch config.Backend {
	case "rtdb":
		st, err := rtdb.New(config.DatabaseURL, &rtdb.Options{
			AuthToken: config.AuthToken,
			Timeout:   timeout,
			Logger:    loggerFactory.NewLogger("rtdb"),
		})
		return st, nil, err
	case "hub":
		conn, err := wsstore.Dial(config.HubURL, config.SelfID, config.SignalingKey)
		if err != nil {
			return nil, nil, err
		}
		conn.Timeout = timeout
		conn.Logger = loggerFactory.NewLogger("wsstore")
		return conn, conn, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", config.Backend)
}

func newApp(config *Config) (*app, error) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = parseLogLevel(config.LogLevel)

	a := &app{config: config, ended: make(chan callog.Outcome, 1)}
	st, hub, err := openStore(config, loggerFactory)
	if err != nil {
		return nil, err
	}
	a.hub = hub
	if hub != nil {
		a.closers = append(a.closers, hub.Close)
	}

	a.provider, err = media.NewPionProvider(media.ProviderOptions{
		AudioFile:     config.AudioFile,
		VideoFile:     config.VideoFile,
		UDPPort:       config.UDPPort,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.provider.Close)

	if config.HistoryPath != "" {
		a.history, err = callog.Open(config.HistoryPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.history.Close)
	}

	var iceServers []webrtc.ICEServer
	if len(config.ICEServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: config.ICEServers})
	}
	a.client, err = rtccall.NewClient(&rtccall.Options{
		SelfID:        config.SelfID,
		DisplayName:   config.DisplayName,
		Store:         st,
		Media:         a.provider,
		ICEServers:    iceServers,
		Handler:       a.handler(),
		History:       a.history,
		Timeout:       time.Duration(config.TimeoutSec) * time.Second,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	// client first
	a.closers = append([]func() error{a.client.Close}, a.closers...)
	return a, nil
}

func (a *app) handler() rtccall.CallHandler {
	return &rtccall.CallCallback{
		OnRingFunc: func(call rtccall.CallInfo) {
			log.Printf("Incoming %s call from %s %s (%s)\n", call.Kind, call.PeerEmoji, call.PeerName, call.PeerID)
			if a.config.AutoAccept {
				go func() {
					if err := a.client.Accept(context.Background()); err != nil {
						log.Println("accept: ", err)
					}
				}()
			}
		},
		OnDismissedFunc: func(call rtccall.CallInfo) {
			log.Println("Missed call from ", call.PeerID)
		},
		OnStateChangeFunc: func(call rtccall.CallInfo, state rtccall.State) {
			log.Printf("[%s] %s\n", call.RoomID, state)
		},
		OnRemoteTrackFunc: func(call rtccall.CallInfo, track media.RemoteTrack) {
			log.Printf("Remote track %s %s\n", track.Kind(), track.Codec().MimeType)
			if a.config.RecordDir == "" {
				return
			}
			prefix := fmt.Sprintf("%s-%s", call.PeerID, call.Started.Format("20060102-150405"))
			go func() {
				path, err := media.SaveTrack(track, a.config.RecordDir, prefix)
				if err != nil {
					log.Println("record: ", err)
					return
				}
				log.Println("Saved ", path)
				if track.Kind() != webrtc.RTPCodecTypeVideo {
					return
				}
				snapshot := strings.TrimSuffix(path, filepath.Ext(path)) + ".jpg"
				if err := media.SnapshotIVF(path, snapshot); err != nil {
					log.Println("snapshot: ", err)
					return
				}
				log.Println("Saved ", snapshot)
			}()
		},
		OnAlertFunc: func(err error) {
			log.Println("ERROR: ", err)
		},
		OnEndedFunc: func(call rtccall.CallInfo, outcome callog.Outcome, err error) {
			if err != nil {
				log.Printf("Call with %s ended: %s (%v)\n", call.PeerID, outcome, err)
			} else {
				log.Printf("Call with %s ended: %s\n", call.PeerID, outcome)
			}
			select {
			case a.ended <- outcome:
			default:
			}
		},
	}
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wait blocks until ctx is done or the hub connection is lost.
func (a *app) wait(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if a.hub != nil {
		g.Go(func() error {
			select {
			case <-a.hub.Done():
				if err := a.hub.LastError(); err != nil {
					return fmt.Errorf("hub connection closed: %w", err)
				}
				return errors.New("hub connection closed")
			case <-ctx.Done():
				return nil
			}
		})
	}
	return g.Wait()
}

func Listen(ctx context.Context, a *app) error {
	if err := a.client.Start(ctx); err != nil {
		return err
	}
	log.Printf("Listening as %s\n", a.client.SelfID())
	return a.wait(ctx)
}

func MakeCall(ctx context.Context, a *app, peerID string, kind rtccall.CallKind) error {
	if err := a.client.Call(ctx, peerID, kind); err != nil {
		return err
	}
	select {
	case <-a.ended:
		return nil
	case <-ctx.Done():
		return a.client.Hangup(context.Background())
	}
}

func main() {
	confPath := flag.String("conf", "config.toml", "conf path")
	selfID := flag.String("id", "", "user id")
	name := flag.String("name", "", "display name")
	video := flag.Bool("video", false, "video call")
	auto := flag.Bool("auto", false, "accept incoming calls automatically")
	flag.Parse()

	config := loadConfig(*confPath)
	if *selfID != "" {
		config.SelfID = *selfID
	}
	if *name != "" {
		config.DisplayName = *name
	}
	if *auto {
		config.AutoAccept = true
	}
	kind := rtccall.KindAudio
	if *video {
		kind = rtccall.KindVideo
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(config)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	cmd := flag.Arg(0)
	switch cmd {
	case "", "listen":
		err = Listen(ctx, a)
	case "call":
		if flag.Arg(1) == "" {
			log.Fatal("usage: rtccall call PEER_ID")
		}
		err = MakeCall(ctx, a, flag.Arg(1), kind)
	case "console":
		err = StartConsole(ctx, a)
	default:
		err = consoleExecCmd(ctx, a, cmd, strings.Join(flag.Args()[1:], " "))
	}
	if err != nil {
		log.Println(err)
	}
}

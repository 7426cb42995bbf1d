package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/sdn_firewall/pkg/api"
	"github.com/haolipeng/sdn_firewall/pkg/config"
	"github.com/haolipeng/sdn_firewall/pkg/controller"
	"github.com/haolipeng/sdn_firewall/pkg/metrics"
	"github.com/haolipeng/sdn_firewall/pkg/openflow"
	"github.com/haolipeng/sdn_firewall/pkg/pipeline"
	"github.com/haolipeng/sdn_firewall/pkg/processor"
	"github.com/haolipeng/sdn_firewall/pkg/ruleEngine"
	"github.com/haolipeng/sdn_firewall/pkg/sink"
	"github.com/haolipeng/sdn_firewall/pkg/source"
)

func InitLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	var level logrus.Level
	switch cfg.Log.Level {
	case "DEBUG":
		level = logrus.DebugLevel
	case "WARN":
		level = logrus.WarnLevel
	case "INFO":
		level = logrus.InfoLevel
	case "ERROR":
		level = logrus.ErrorLevel
	case "FATAL":
		level = logrus.FatalLevel
	case "PANIC":
		level = logrus.PanicLevel
	default:
		level = logrus.WarnLevel //默认
	}
	logger.SetLevel(level)

	//1、判断日志目录是否存在，不存在则创建
	if _, err := os.Stat(cfg.Log.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
			return nil, err
		}
	}
	logFileName := path.Join(cfg.Log.Dir, cfg.Log.Filename)

	//2、日志切割功能，按时间来切割
	options := []rotates.Option{
		rotates.WithMaxAge(time.Duration(cfg.Log.MaxAge) * time.Hour),           //文件最大保存时间
		rotates.WithRotationTime(time.Duration(cfg.Log.RotateTime) * time.Hour), //文件切割间隔
	}
	if runtime.GOOS != "windows" {
		options = append(options, rotates.WithLinkName(logFileName)) //文件软链接
	}
	logWriter, err := rotates.New(logFileName+".%Y%m%d%H%M", options...)
	if err != nil {
		return nil, err
	}

	//3、所有级别写入同一个切割文件
	lfHook := lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: logWriter,
		logrus.InfoLevel:  logWriter,
		logrus.WarnLevel:  logWriter,
		logrus.ErrorLevel: logWriter,
		logrus.FatalLevel: logWriter,
		logrus.PanicLevel: logWriter,
	}, &logrus.TextFormatter{})

	logger.AddHook(lfHook)
	return logger, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	rulesPath := flag.String("rules", "", "rule file or directory, overrides rules.file in the config")
	replayPath := flag.String("replay", "", "replay a pcap capture against the rules of -switch and exit")
	replaySwitch := flag.Uint64("switch", ruleEngine.DefaultSwitchID, "switch id used by -replay")
	droppedPath := flag.String("dropped", "", "write frames that -replay would drop to this pcap file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *rulesPath != "" {
		cfg.Rules.File = *rulesPath
	}

	// 初始化日志
	logger, err := InitLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting SDN firewall controller...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	fwMetrics := metrics.NewFirewallMetrics(registry)

	// 加载规则，加载失败时以空规则集继续运行
	load := ruleEngine.NewRuleLoader(logger.WithField("component", "rule_loader")).Load(cfg.Rules.File)
	fwMetrics.ObserveLoad(load.Valid, len(load.Rejected), load.Err != nil)

	dispatcher := processor.NewSwitchRuleDispatcher(load.RuleSet,
		logger.WithField("component", "dispatcher"),
		processor.WithControlledSwitches(cfg.Controller.ControlledSwitches),
		processor.WithMetrics(fwMetrics),
	)
	dispatcher.UncontrolledRuleSwitches()

	if *replayPath != "" {
		if err := runReplay(ctx, logger, dispatcher, *replayPath, *replaySwitch, *droppedPath); err != nil {
			logger.Fatalf("Replay failed: %v", err)
		}
		return
	}

	ofServer := openflow.NewServer(cfg.Controller.ListenAddr,
		logger.WithField("component", "openflow"),
		openflow.WithHandshakeTimeout(time.Duration(cfg.Controller.HandshakeTimeout)*time.Second),
	)

	// 规则集就绪后再订阅连接事件
	controller.NewConnectionEventAdapter(ofServer, dispatcher, logger.WithField("component", "adapter")).Register()

	if err := ofServer.Start(ctx); err != nil {
		logger.Fatalf("Failed to start OpenFlow server: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.Enable {
		apiLogger := logger.WithField("component", "api")
		apiServer = api.NewServer(cfg.APIAddr())
		apiServer.RegisterFirewallService(api.NewFirewallService(cfg.Rules.File, load, dispatcher, apiLogger))
		apiServer.RegisterMetrics(registry)

		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				apiLogger.Errorf("API server stopped: %v", err)
			}
		}()
		apiLogger.WithField("addr", cfg.APIAddr()).Info("API server started")
	}

	logger.WithField("rules", load.RuleSet.Len()).Info("Firewall controller started successfully")

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received signal %v, shutting down...", sig)

	// 优雅退出
	cancel()
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Errorf("Error stopping API server: %v", err)
		}
		shutdownCancel()
	}
	if err := ofServer.Stop(); err != nil {
		logger.Errorf("Error stopping OpenFlow server: %v", err)
	}

	logger.Info("Shutdown complete")
}

// runReplay 离线回放抓包文件，报告哪些帧会被规则丢弃
func runReplay(ctx context.Context, logger *logrus.Logger, dispatcher *processor.SwitchRuleDispatcher, capture string, switchID uint64, dropped string) error {
	src, err := source.NewPcapFileSource(capture, 256, logger.WithField("component", "source"))
	if err != nil {
		return err
	}

	var out pipeline.Sink
	if dropped != "" {
		pcapSink, err := sink.NewPcapSink(dropped, logger.WithField("component", "sink"))
		if err != nil {
			return err
		}
		out = pcapSink
	} else {
		out = sink.NewDiscardSink()
	}

	summary, err := pipeline.NewReplay(src, dispatcher, out, switchID, logger.WithField("component", "replay")).Run(ctx)
	if err != nil {
		return err
	}

	report, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(report))
	return nil
}

// Package main provides the entry point for contimgd, the DSA-110
// continuum-imaging ingest-to-conversion daemon.
//
// Usage:
//
//	contimgd                    Start the daemon (default)
//	contimgd serve              Start the daemon
//	contimgd version            Show version
//	contimgd status             Show daemon status
//	contimgd stop                Stop the running daemon
//	contimgd init-config         Create example configuration file
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dsa110/contimg/internal/api"
	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/logger"
	"github.com/dsa110/contimg/internal/service"
	"github.com/dsa110/contimg/pkg/convert"
	"github.com/dsa110/contimg/pkg/ingest"
	"github.com/dsa110/contimg/pkg/queue"
	"github.com/dsa110/contimg/pkg/recovery"
	"github.com/dsa110/contimg/pkg/registry"
	"github.com/dsa110/contimg/pkg/staging"
)

// version is set via -ldflags at build time.
var version = "dev"

var configPath string

func main() {
	api.SetVersion(version)

	args := os.Args[1:]
	command := ""
	cmdArgs := []string{}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "-"):
			// unrecognized flag, ignore
		case command == "":
			command = arg
		default:
			cmdArgs = append(cmdArgs, arg)
		}
	}

	if command == "" {
		command = "serve"
	}

	var err error
	switch command {
	case "serve", "start":
		err = cmdServe(cmdArgs)
	case "version", "-v", "--version":
		fmt.Printf("contimgd version %s\n", version)
	case "status":
		err = cmdStatus()
	case "stop":
		err = cmdStop()
	case "init-config":
		err = cmdInitConfig()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`contimgd - DSA-110 continuum-imaging ingest pipeline

Usage:
  contimgd [flags] [command] [args]

Commands:
  serve         Start the daemon (default)
  version       Show version information
  status        Show daemon status
  stop          Stop the running daemon
  init-config   Create example configuration file
  help          Show this help

Flags:
  --config PATH   Path to configuration file (default: ~/.contimgd/config.toml)

Environment:
  CONTIMG_CONFIG    Path to configuration file (alternative to --config)
  CONTIMG_DATA_DIR  Override data directory
  CONTIMG_HOST      Override API bind host
  CONTIMG_PORT      Override API bind port`)
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("CONTIMG_CONFIG"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if envDataDir := os.Getenv("CONTIMG_DATA_DIR"); envDataDir != "" {
		cfg.Service.DataDir = envDataDir
	}
	return cfg, nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	log := logger.SetupLogger(cfg)
	defer logger.Stop()

	// Storage layer: registry and queue databases.
	regStore, err := registry.NewStore(cfg.Registry.DBPath)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	defer regStore.Close()

	queueStore, err := queue.NewStore(cfg.Queue.DBPath)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer queueStore.Close()

	broker := queue.NewLogBroker()

	stagingMgr, err := staging.NewManager(cfg.Staging.ScratchDir, cfg.Staging.TmpfsPath, cfg.Staging.StageToTmpfs, cfg.Staging.TmpfsMinFreePc)
	if err != nil {
		return fmt.Errorf("create staging manager: %w", err)
	}
	if n, err := staging.Sweep([]string{cfg.Staging.ScratchDir, cfg.Staging.TmpfsPath}, time.Duration(cfg.Staging.SweepAgeHours)*time.Hour); err != nil {
		log.Warn().Err(err).Msg("scratch sweep failed")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("removed stale scratch directories")
	}

	converter := convert.NewConverter(convert.Config{
		WriterStrategy:        cfg.Convert.WriterStrategy,
		MaxWorkers:            cfg.Convert.MaxWorkers,
		ConcurrentConversions: cfg.Convert.ConcurrentConversions,
		ConcatTimeout:         time.Duration(cfg.Convert.ConcatTimeoutS) * time.Second,
		MergeSPWs:             cfg.Convert.MergeSPWs,
		StripSigmaSpectrum:    cfg.Convert.StripSigmaSpectrum,
		SubbandTool:           cfg.Convert.SubbandTool,
		ConcatTool:            cfg.Convert.ConcatTool,
		OutputDir:             cfg.Staging.OutputDir,
	}, stagingMgr, log)

	runner := queue.NewRunner(queueStore, broker, externalToolDispatcher{cfg: cfg}, time.Duration(cfg.Queue.GracePeriodS)*time.Second,
		cfg.Queue.LogFlushLines, time.Duration(cfg.Queue.LogFlushMs)*time.Millisecond, log)

	// The convert job type runs the conversion orchestrator in-process
	// instead of shelling out a second time; the orchestrator already owns
	// its own subprocess pipeline.
	runner.RegisterNative(queue.JobConvert, func(ctx context.Context, job queue.Job) queue.JobOutcome {
		group, err := convert.DecodeGroup(job.Payload)
		if err != nil {
			return queue.JobOutcome{Err: &queue.ErrBadInput{Reason: err.Error()}, Retriable: false}
		}
		result, err := converter.Convert(ctx, group)
		if err != nil {
			return queue.JobOutcome{Err: err, Retriable: true}
		}
		return queue.JobOutcome{Succeeded: true, Artifacts: []string{result.MeasurementSetPath}}
	})

	workerPool := queue.NewWorkerPool(queueStore, runner, regStore, cfg.Convert.ConcurrentConversions,
		time.Duration(cfg.Queue.LeaseSeconds)*time.Second, time.Duration(cfg.Queue.StaleSeconds)*time.Second,
		time.Duration(cfg.Queue.SweepIntervalS)*time.Second, log)

	// Ingest layer: grouper feeds completed subband groups into the queue
	// as convert jobs, the watcher feeds the grouper from the filesystem.
	grouper := ingest.NewGrouper(cfg.Ingest.ExpectedSubbands, cfg.Ingest.MinViableSubbands,
		time.Duration(cfg.Ingest.GroupTimeoutS)*time.Second,
		func(g *ingest.Group) {
			payload, err := convert.EncodeGroup(g)
			if err != nil {
				log.Warn().Err(err).Msg("failed to encode completed subband group")
				return
			}
			if _, err := queueStore.Enqueue(queue.JobConvert, payload, 0, cfg.Queue.MaxRetries); err != nil {
				log.Warn().Err(err).Msg("failed to enqueue convert job")
			}
		},
		func(g *ingest.Group, event ingest.GroupEvent) {
			log.Warn().Str("event", event.String()).Time("group_timestamp", g.Timestamp).Msg("subband group abandoned")
		},
		func(existing, incoming ingest.SubbandFile) {
			log.Warn().Str("existing", existing.Path).Str("incoming", incoming.Path).Msg("duplicate subband file observed")
		},
	)

	watcher, err := ingest.New(cfg.Ingest.InputDir, time.Duration(cfg.Ingest.SettleIntervalMs)*time.Millisecond,
		cfg.Ingest.QueueHighWater, cfg.Ingest.QueueLowWater, queueStore, grouper, log)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Recovery layer: sweep the registry for stalled/failed publishes.
	metricsReg := prometheus.NewRegistry()
	metrics := recovery.NewMetrics(metricsReg)
	alerts := recovery.NewAlertBroker()
	monitor := recovery.NewMonitor(regStore, time.Duration(cfg.Publish.SweepIntervalS)*time.Second,
		time.Duration(cfg.Publish.StalledAfterS)*time.Second, cfg.Publish.MaxPublishRetries, metrics, alerts, log)

	apiServer := api.NewServer(cfg, queueStore, broker, regStore, monitor, alerts, grouper, log)

	daemon := service.NewDaemon(cfg, log)
	daemon.Register(workerPool)
	daemon.Register(monitor)
	daemon.Register(watcherComponent{w: watcher})

	ctx := context.Background()
	if err := daemon.Start(ctx, apiServer.Handler()); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("contimgd v%s started on %s\n", version, cfg.Address())
	fmt.Printf("API: http://%s/health\n", cfg.Address())

	daemon.Wait()
	return nil
}

// watcherComponent adapts ingest.Watcher's (chan, error) Start signature to
// the daemon's Component interface.
type watcherComponent struct {
	w *ingest.Watcher
}

func (c watcherComponent) Name() string { return "ingest-watcher" }

func (c watcherComponent) Start(ctx context.Context) error {
	fatalCh, err := c.w.Start()
	if err != nil {
		return err
	}
	go func() {
		if err, ok := <-fatalCh; ok && err != nil {
			fmt.Fprintf(os.Stderr, "fatal ingest error: %v\n", err)
			os.Exit(3)
		}
	}()
	return nil
}

func (c watcherComponent) Stop(ctx context.Context) error {
	return c.w.Stop()
}

// externalToolDispatcher maps non-convert job types to their external tool
// invocation. Convert jobs are handled natively (see runner.RegisterNative
// above) and never reach Dispatch.
type externalToolDispatcher struct {
	cfg *config.Config
}

type calibratePayload struct {
	MeasurementSetPath string `json:"measurement_set_path"`
	OutputDir          string `json:"output_dir"`
}

type applyPayload struct {
	MeasurementSetPath string `json:"measurement_set_path"`
	CalTablePath       string `json:"cal_table_path"`
	OutputDir          string `json:"output_dir"`
}

type imagePayload struct {
	MeasurementSetPath string `json:"measurement_set_path"`
	OutputDir          string `json:"output_dir"`
}

func (d externalToolDispatcher) Dispatch(job queue.Job) (queue.JobSpec, error) {
	switch job.Type {
	case queue.JobCalibrate:
		var p calibratePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.JobSpec{}, err
		}
		return queue.JobSpec{
			Command:          []string{"dsa110-calibrate", "-i", p.MeasurementSetPath, "-o", p.OutputDir},
			ArtifactDir:      p.OutputDir,
			ArtifactPatterns: []string{"*.bcal", "*.gcal"},
		}, nil
	case queue.JobApply:
		var p applyPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.JobSpec{}, err
		}
		return queue.JobSpec{
			Command:          []string{"dsa110-applycal", "-i", p.MeasurementSetPath, "-c", p.CalTablePath, "-o", p.OutputDir},
			ArtifactDir:      p.OutputDir,
			ArtifactPatterns: []string{"*.ms"},
		}, nil
	case queue.JobImage:
		var p imagePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return queue.JobSpec{}, err
		}
		return queue.JobSpec{
			Command:          []string{"dsa110-image", "-i", p.MeasurementSetPath, "-o", p.OutputDir},
			ArtifactDir:      p.OutputDir,
			ArtifactPatterns: []string{"*.fits"},
		}, nil
	default:
		return queue.JobSpec{}, fmt.Errorf("no dispatcher for job type %q", job.Type)
	}
}

func cmdStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	running, pid := service.IsRunning(cfg)
	if running {
		fmt.Printf("contimgd: running (PID %d)\n", pid)
		fmt.Printf("Address: %s\n", cfg.Address())
		fmt.Printf("Config: %s\n", getConfigPath())
		fmt.Printf("Data: %s\n", cfg.Service.DataDir)
	} else {
		fmt.Println("contimgd: stopped")
	}
	return nil
}

func cmdStop() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	running, pid := service.IsRunning(cfg)
	if !running {
		fmt.Println("contimgd is not running")
		return nil
	}
	fmt.Printf("Stopping contimgd (PID %d)...\n", pid)
	if err := service.StopRunning(cfg); err != nil {
		return err
	}
	fmt.Println("contimgd stopped")
	return nil
}

func cmdInitConfig() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := config.WriteExampleConfig(path); err != nil {
		return err
	}
	fmt.Printf("Created example configuration: %s\n", path)
	return nil
}

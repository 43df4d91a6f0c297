package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	commonconfig "github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/model/relabel"
	"github.com/samber/lo"

	pushv1 "github.com/grafana/pyroscope/api/gen/proto/go/push/v1"
	"github.com/grafana/pyroscope/api/gen/proto/go/push/v1/pushv1connect"
	typesv1 "github.com/grafana/pyroscope/api/gen/proto/go/types/v1"

	"github.com/grafana/pyroscope/addrspace"
	"github.com/grafana/pyroscope/addrspace/ingest"
	"github.com/grafana/pyroscope/addrspace/metrics"
	"github.com/grafana/pyroscope/addrspace/perfmap"
	"github.com/grafana/pyroscope/addrspace/pprof"
	"github.com/grafana/pyroscope/addrspace/sd"
)

var configFile = flag.String("config", "", "config file path")
var server = flag.String("server", "http://localhost:4040", "")
var outputDir = flag.String("output", "",
	"write profiles as .pb.gz files to this directory instead of pushing")
var kallsymsPath = flag.String("kallsyms", "",
	"kallsyms dump for kernel symbolization, e.g. /proc/kallsyms")
var seedProc = flag.Bool("seed.proc", false,
	"seed processes and mappings from /proc before replaying (linux only)")
var clockRef = flag.Int64("clock.reference", 0,
	"trace clock reading at profile start; 0 keeps event timestamps as recorded")

var (
	config *Config
	logger log.Logger
)

type splitLog struct {
	err  log.Logger
	rest log.Logger
}

func (s splitLog) Log(keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		return s.err.Log(keyvals...)
	}
	for i := 0; i < len(keyvals); i += 2 {
		if keyvals[i] == "level" {
			vv := keyvals[i+1]
			vvs, ok := vv.(fmt.Stringer)
			if ok && vvs.String() == "error" {
				return s.err.Log(keyvals...)
			}
		}
	}
	return s.rest.Log(keyvals...)
}

func main() {
	config = getConfig()

	logger = &splitLog{
		err:  log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
		rest: log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout)),
	}

	traces := flag.Args()
	if len(traces) == 0 {
		_ = level.Error(logger).Log("msg", "no trace files given")
		os.Exit(1)
	}

	targetFinder, err := sd.NewTargetFinder(os.DirFS("/"), logger, convertTargetOptions())
	if err != nil {
		panic(fmt.Errorf("target finder create: %w", err))
	}

	reference := *clockRef
	if *seedProc && reference == 0 {
		reference, err = ingest.TraceClockNow()
		if err != nil {
			panic(err)
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	profile := addrspace.NewProfile(addrspace.ProfileOptions{
		Name:             "playground",
		SamplingInterval: time.Second / time.Duration(config.Pipeline.SampleRate),
		Metrics:          m.Resolver,
	})
	builders := pprof.NewProfileBuilders(profile, pprof.BuildersOptions{
		SampleRate:    config.Pipeline.SampleRate,
		PerPIDProfile: true,
	})
	collector := pprof.NewCollector(builders, targetFinder)

	pipeline, err := ingest.NewPipeline(logger, profile, collector, ingest.Options{
		Filter:              config.Pipeline.Filter,
		Recycle:             config.Pipeline.Recycle,
		TraceClockReference: reference,
		PerfMapRoot:         config.Pipeline.PerfMapRoot,
		CacheSize:           config.Pipeline.CacheSize,
		DemangleOptions:     perfmap.ConvertDemangleOptions(config.Pipeline.DemangleOptions),
		Metrics:             m,
	})
	if err != nil {
		panic(err)
	}

	if *kallsymsPath != "" {
		kallsyms, err := os.ReadFile(*kallsymsPath)
		if err != nil {
			panic(err)
		}
		if err := ingest.LoadKernelSymbolsFromData(logger, profile, kallsyms); err != nil {
			panic(err)
		}
	}
	if *seedProc {
		if err := pipeline.SeedLiveProcesses(); err != nil {
			_ = level.Error(logger).Log("msg", "seeding from /proc failed", "err", err)
		}
	}

	profiles := make(chan *pushv1.PushRequest, 128)

	var g run.Group
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		defer close(profiles)
		if err := pipeline.ProcessSources(ctx, traces); err != nil {
			return err
		}
		pipeline.Finish()
		collectProfiles(builders, profiles)
		return nil
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return deliverProfiles(profiles)
	}, func(error) {
		// unblocks when the replay actor closes the channel
	})

	if err := g.Run(); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			_ = level.Info(logger).Log("msg", "stopping", "signal", sig.Signal.String())
			return
		}
		_ = level.Error(logger).Log("err", err)
		os.Exit(1)
	}
	debug := pipeline.DebugInfo()
	_ = level.Debug(logger).Log("msg", "replay done",
		"events_read", debug.EventsRead,
		"events_applied", debug.EventsApplied)
}

func collectProfiles(builders *pprof.ProfileBuilders, profiles chan *pushv1.PushRequest) {
	_ = level.Debug(logger).Log("msg", "collectProfiles done", "profiles", len(builders.Builders))

	for _, builder := range builders.Builders {
		protoLabels := lo.Map(builder.Labels, func(l labels.Label, _ int) *typesv1.LabelPair {
			return &typesv1.LabelPair{Name: l.Name, Value: l.Value}
		})

		buf := bytes.NewBuffer(nil)
		_, err := builder.Write(buf)
		if err != nil {
			panic(err)
		}
		req := &pushv1.PushRequest{Series: []*pushv1.RawProfileSeries{{
			Labels: protoLabels,
			Samples: []*pushv1.RawSample{{
				RawProfile: buf.Bytes(),
			}},
		}}}
		select {
		case profiles <- req:
		default:
			_ = level.Error(logger).Log("err", "dropping profile", "target", builder.Labels.String())
		}
	}
}

func deliverProfiles(profiles chan *pushv1.PushRequest) error {
	if *outputDir != "" {
		return writeProfiles(profiles)
	}
	return pushProfiles(profiles)
}

func pushProfiles(profiles chan *pushv1.PushRequest) error {
	httpClient, err := commonconfig.NewClientFromConfig(commonconfig.DefaultHTTPClientConfig, "http_playground")
	if err != nil {
		return err
	}
	client := pushv1connect.NewPusherServiceClient(httpClient, *server)

	for it := range profiles {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.PushTimeout))
		res, err := client.Push(ctx, connect.NewRequest(it))
		cancel()
		if err != nil {
			_ = level.Error(logger).Log("msg", "push failed", "err", err)
			continue
		}
		_ = level.Debug(logger).Log("msg", "pushed", "response", fmt.Sprintf("%v", res))
	}
	return nil
}

func writeProfiles(profiles chan *pushv1.PushRequest) error {
	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		return err
	}
	i := 0
	for it := range profiles {
		name := "profile"
		for _, l := range it.Series[0].Labels {
			if l.Name == "service_name" && l.Value != "" {
				name = strings.ReplaceAll(l.Value, "/", "_")
			}
		}
		path := filepath.Join(*outputDir, fmt.Sprintf("%s.%d.pb.gz", name, i))
		if err := os.WriteFile(path, it.Series[0].Samples[0].RawProfile, 0o644); err != nil {
			return err
		}
		_ = level.Info(logger).Log("msg", "wrote profile", "path", path)
		i++
	}
	return nil
}

func convertTargetOptions() sd.TargetsOptions {
	o := config.TargetsOptions
	targets := o.Targets
	if *seedProc {
		targets = append(targets, getProcessTargets()...)
	}
	o.Targets = relabelProcessTargets(targets, config.RelabelConfig)
	return o
}

func getConfig() *Config {
	flag.Parse()

	var config = new(Config)
	*config = defaultConfig
	if *configFile == "" {
		return config
	}
	configBytes, err := os.ReadFile(*configFile)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(configBytes, config)
	if err != nil {
		panic(err)
	}
	return config
}

var defaultConfig = Config{
	TargetsOptions: sd.TargetsOptions{
		Targets:            nil,
		TargetsOnly:        false,
		DefaultTarget:      nil,
		ContainerCacheSize: 1024,
	},
	RelabelConfig: nil,
	PushTimeout:   model.Duration(10 * time.Second),
	Pipeline: PipelineConfig{
		SampleRate:      97,
		Filter:          nil,
		PerfMapRoot:     "",
		CacheSize:       239,
		DemangleOptions: "full",
		Recycle:         true,
	},
}

type Config struct {
	TargetsOptions sd.TargetsOptions
	RelabelConfig  []*RelabelConfig
	PushTimeout    model.Duration
	Pipeline       PipelineConfig
}

type PipelineConfig struct {
	SampleRate      int64
	Filter          *sd.TargetFilter
	PerfMapRoot     string
	CacheSize       int
	DemangleOptions string
	Recycle         bool
}

type RelabelConfig struct {
	SourceLabels []string

	Separator string

	Regex string

	TargetLabel string `yaml:"target_label,omitempty"`

	Replacement string `yaml:"replacement,omitempty"`

	Action string
}

func getProcessTargets() []sd.DiscoveryTarget {
	dir, err := os.ReadDir("/proc")
	if err != nil {
		panic(err)
	}
	var res []sd.DiscoveryTarget
	for _, entry := range dir {
		if !entry.IsDir() {
			continue
		}
		spid := entry.Name()
		pid, err := strconv.ParseUint(spid, 10, 32)
		if err != nil {
			continue
		}
		if pid == 0 {
			continue
		}
		cwd, err := os.Readlink(fmt.Sprintf("/proc/%s/cwd", spid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(logger).Log("err", err, "msg", "reading cwd", "pid", spid)
			}
			continue
		}
		cwd = strings.TrimSpace(cwd)

		exe, err := os.Readlink(fmt.Sprintf("/proc/%s/exe", spid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(logger).Log("err", err, "msg", "reading exe", "pid", spid)
			}
			continue
		}
		comm, err := os.ReadFile(fmt.Sprintf("/proc/%s/comm", spid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(logger).Log("err", err, "msg", "reading comm", "pid", spid)
			}
		}
		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%s/cmdline", spid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(logger).Log("err", err, "msg", "reading cmdline", "pid", spid)
			}
		} else {
			cmdline = bytes.ReplaceAll(cmdline, []byte{0}, []byte(" "))
		}
		target := sd.DiscoveryTarget{
			"__process_pid__": spid,
			"cwd":             cwd,
			"comm":            strings.TrimSpace(string(comm)),
			"pid":             spid,
			"exe":             exe,
			"service_name":    fmt.Sprintf("%s @ %s", cmdline, cwd),
		}
		res = append(res, target)
	}
	return res
}

func relabelProcessTargets(targets []sd.DiscoveryTarget, cfg []*RelabelConfig) []sd.DiscoveryTarget {
	var promConfig []*relabel.Config
	for _, c := range cfg {
		var srcLabels model.LabelNames
		for _, label := range c.SourceLabels {
			srcLabels = append(srcLabels, model.LabelName(label))
		}
		promConfig = append(promConfig, &relabel.Config{
			SourceLabels: srcLabels,
			Separator:    c.Separator,
			Regex:        relabel.MustNewRegexp(c.Regex),
			TargetLabel:  c.TargetLabel,
			Replacement:  c.Replacement,
			Action:       relabel.Action(c.Action),
		})
	}
	var res []sd.DiscoveryTarget
	for _, target := range targets {
		lbls := labels.FromMap(target)
		lbls, keep := relabel.Process(lbls, promConfig...)

		if !keep {
			continue
		}
		tt := sd.DiscoveryTarget(lbls.Map())
		res = append(res, tt)
	}
	return res
}

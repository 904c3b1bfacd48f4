package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/autofocus/config"
	"github.com/nasa-jpl/autofocus/device"
	"github.com/nasa-jpl/autofocus/extract"
	"github.com/nasa-jpl/autofocus/focus"
	"github.com/nasa-jpl/autofocus/imgrec"
	"github.com/nasa-jpl/autofocus/logger"
	"github.com/nasa-jpl/autofocus/metrics"
	"github.com/nasa-jpl/autofocus/rts2"
	"github.com/nasa-jpl/autofocus/session"
	"github.com/nasa-jpl/autofocus/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "autofocus.yml"
)

func root() {
	str := `autofocus drives a telescope focuser through a list of positions,
takes an exposure at each and measures the FWHM of the stars in every image.

Usage:
	autofocus <command>

Commands:
	run       scan once with the devices of the RTS2 proxy
	serve     expose scans over HTTP
	simulate  scan once with simulated devices
	analyze   measure the given FITS files
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `autofocus is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command mkconf
generates the configuration file with the default values.  Any key may be
overridden by an environment variable prefixed AUTOFOCUS_, with a double
underscore between levels, for example AUTOFOCUS_SCAN__WRITE_TO_DEVICES=false.

All times are in seconds.  Focuser positions are offsets from FOC_DEF unless
scan.blind is true, in which case they are absolute targets.  When
scan.write_to_devices is false nothing is written to the devices; the scan
only logs what it would do, which together with scan.dry_images replays a
previous run.

The HTTP interface of serve lists its routes at GET /endpoints.`
	fmt.Println(str)
}

func loadConfig() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	return c
}

func mkconf() {
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	defer f.Close()
	if err = yml.NewEncoder(f).Encode(config.Default()); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func printconf() {
	c := loadConfig()
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func pversion() {
	fmt.Printf("autofocus version %v\n", Version)
}

// stack is the assembled pipeline
type stack struct {
	cfg  config.Config
	log  zerolog.Logger
	reg  *prometheus.Registry
	m    *metrics.Metrics
	rec  *imgrec.Recorder
	ext  *extract.Extractor
	req  focus.ScanRequest
	sup  *session.Supervisor
	prox device.Proxy
}

func build(cfg config.Config, proxy device.Proxy) *stack {
	lg := logger.New(cfg.LogOptions())
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	det, err := cfg.NewDetector()
	if err != nil {
		lg.Fatal().Err(err).Msg("creating star detector")
	}
	req, err := cfg.ScanRequest()
	if err != nil {
		lg.Fatal().Err(err).Msg("focuser positions")
	}
	s := &stack{cfg: cfg, log: lg, reg: reg, m: m, req: req, prox: proxy}
	s.rec = imgrec.NewRecorder(cfg.Store.Root, "")
	s.ext = extract.New(cfg.ExtractConfig(), det, logger.Named(lg, "extract"), m)
	if proxy != nil {
		s.sup = session.New(cfg.SessionConfig(), proxy, s.rec, s.ext, logger.Named(lg, "scan"), m)
	}
	return s
}

func connect(cfg config.Config) *rts2.Client {
	c, err := rts2.New(cfg.RTS2())
	if err != nil {
		log.Fatal().Err(err).Msg("creating RTS2 client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.SecsToDuration(cfg.Device.ConnectTimeout))
	defer cancel()
	if err := c.Connect(ctx, util.SecsToDuration(cfg.Device.ConnectTimeout)); err != nil {
		log.Fatal().Err(err).Str("url", cfg.Device.URL).Msg("connecting to RTS2")
	}
	return c
}

// scanOnce runs one session to completion, stopping it on SIGINT or SIGTERM
func (s *stack) scanOnce() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := s.sup.Start(ctx, s.req)
	if err != nil {
		s.log.Fatal().Err(err).Msg("starting scan")
	}

	sp, err := yacspin.New(yacspin.Config{
		Frequency:         250 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " scanning",
		SuffixAutoColon:   true,
		StopCharacter:     "done",
		StopFailCharacter: "failed",
		Writer:            os.Stdout,
	})
	if err == nil {
		err = sp.Start()
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("no progress spinner")
		sp = nil
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-sess.Done():
			break loop
		case <-sig:
			s.log.Warn().Msg("stopping scan")
			if err := s.sup.Stop(); err != nil {
				s.log.Error().Err(err).Send()
			}
		case <-tick.C:
			if sp != nil {
				st := sess.Status()
				sp.Message(fmt.Sprintf("%d/%d images measured, %d rejected", st.Accepted, st.Positions, st.Rejected))
			}
		}
	}
	err = sess.Err()
	if sp != nil {
		if err != nil {
			sp.StopFail()
		} else {
			sp.Stop()
		}
	}
	printSamples(sess.Samples())
	if err != nil {
		s.log.Fatal().Err(err).Str("state", string(sess.Status().State)).Msg("scan failed")
	}
}

func printSamples(samples []focus.FocusSample) {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "FOC_POS\tFWHM\tSTD\tSTARS\tBINNING\tTEMP\tFILTER\tFILE")
	for _, s := range samples {
		temp := "NoTemp"
		if s.HasTemperature() {
			temp = fmt.Sprintf("%.1f", *s.AmbientTemp)
		}
		fmt.Fprintf(w, "%.0f\t%.3f\t%.3f\t%d\t%d\t%s\t%s\t%s\n",
			s.FocPos, s.FWHM, s.StdFWHM, s.NStars, s.Binning, temp, s.Filter, s.Path)
	}
	w.Flush()
}

func run() {
	cfg := loadConfig()
	build(cfg, connect(cfg)).scanOnce()
}

func simulate() {
	cfg := loadConfig()
	dir, err := os.MkdirTemp("", "autofocus-sim")
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	m := newSimulator(cfg, dir)
	s := build(cfg, m)
	s.sup.Sleep = compressed(simSpeedup)
	s.log.Info().Str("dir", dir).Int("best", cfg.Focuser.Default+simBestOffset).Msg("simulating focuser and camera")
	s.scanOnce()
}

func analyze() {
	cfg := loadConfig()
	files := os.Args[2:]
	if len(files) == 0 {
		log.Fatal().Msg("usage: autofocus analyze <file.fits>...")
	}
	s := build(cfg, nil)
	in := make(chan focus.ImageHandle, len(files))
	for i, f := range files {
		in <- focus.ImageHandle{Path: f, Source: f, Index: i}
	}
	close(in)
	var samples []focus.FocusSample
	acc, rej, err := s.ext.Run(context.Background(), in, func(fs focus.FocusSample) {
		samples = append(samples, fs)
	})
	if err != nil {
		s.log.Fatal().Err(err).Send()
	}
	printSamples(samples)
	s.log.Info().Int("accepted", acc).Int("rejected", rej).Send()
}

func serve() {
	cfg := loadConfig()
	s := build(cfg, connect(cfg))
	var gatherer prometheus.Gatherer
	if cfg.HTTP.Metrics {
		gatherer = s.reg
	}
	h := session.NewHTTPSupervisor(s.sup, s.req, s.rec, gatherer)

	rootR := chi.NewRouter()
	rootR.Use(middleware.Logger)
	mux := chi.NewRouter()
	mux.Use(h.Locker.Check)
	h.RT().Bind(mux)
	pfx := "/" + strings.Trim(cfg.HTTP.Root, "/")
	rootR.Mount(pfx, mux)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		if s.sup.Busy() {
			if err := s.sup.Stop(); err != nil {
				s.log.Error().Err(err).Msg("stopping scan on exit")
			}
			<-s.sup.Current().Done()
		}
		os.Exit(0)
	}()
	s.log.Info().Str("addr", cfg.HTTP.Addr+pfx).Msg("now listening for requests")
	s.log.Fatal().Err(http.ListenAndServe(cfg.HTTP.Addr, rootR)).Send()
}

func main() {
	if len(os.Args) == 1 {
		root()
		return
	}
	var cmd string
	cmd = os.Args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "run":
		run()
	case "serve":
		serve()
	case "simulate":
		simulate()
	case "analyze":
		analyze()
	default:
		log.Fatal().Msgf("unknown command %s", cmd)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/gencam/camera"
	"github.com/nasa-jpl/gencam/camera/remote"
	"github.com/nasa-jpl/gencam/camera/simulator"
	"github.com/nasa-jpl/gencam/fitsheader"
	"github.com/nasa-jpl/gencam/gencam"
	httpcam "github.com/nasa-jpl/gencam/generichttp/camera"
	"github.com/nasa-jpl/gencam/imgrec"
	"github.com/nasa-jpl/gencam/lfa"
	"github.com/nasa-jpl/gencam/server"
	"github.com/nasa-jpl/gencam/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "gencam.yml"

	// EnvPrefix prefixes environment variables which override the config file
	EnvPrefix = "GENCAM_"

	k = koanf.New(".")
)

// mount points of the mock services on the server's own router
const (
	mockHeaderStem = "/mock/header-service"
	mockLFAStem    = "/mock/lfa"
)

type simulatorConfig struct {
	Width       int           `yaml:"Width"`
	Height      int           `yaml:"Height"`
	ReadoutTime time.Duration `yaml:"ReadoutTime"`
}

type remoteConfig struct {
	// Addr is the base URL of the camera server
	Addr    string        `yaml:"Addr"`
	Timeout time.Duration `yaml:"Timeout"`
}

type headerConfig struct {
	// URL is the header service, snapshots are fetched from URL/<image name>
	URL      string        `yaml:"URL"`
	Retries  int           `yaml:"Retries"`
	Timeout  time.Duration `yaml:"Timeout"`
	Template string        `yaml:"Template"`

	// Mock serves an in-memory header service and uses it in place of URL
	Mock bool `yaml:"Mock"`
}

type lfaConfig struct {
	// Mode is "" for no annex, "http" or "mock"
	Mode    string `yaml:"Mode"`
	URL     string `yaml:"URL"`
	Bucket  string `yaml:"Bucket"`
	Retries int    `yaml:"Retries"`
}

type streamingConfig struct {
	MaxFPS     float64 `yaml:"MaxFPS"`
	QueueDepth int     `yaml:"QueueDepth"`
}

type autoExposureConfig struct {
	// Interval is the cadence of auto exposure images
	Interval time.Duration `yaml:"Interval"`

	// MinBackground and MaxBackground bound the median image level in DN
	MinBackground float64 `yaml:"MinBackground"`
	MaxBackground float64 `yaml:"MaxBackground"`
}

type config struct {
	Addr           string                 `yaml:"Addr"`
	Root           string                 `yaml:"Root"`
	Index          int                    `yaml:"Index"`
	CameraCode     string                 `yaml:"CameraCode"`
	ControllerCode string                 `yaml:"ControllerCode"`
	OutputRoot     string                 `yaml:"OutputRoot"`
	AlwaysSave     bool                   `yaml:"AlwaysSave"`
	Driver         string                 `yaml:"Driver"`
	DriverOptions  map[string]interface{} `yaml:"DriverOptions"`
	Simulator      simulatorConfig        `yaml:"Simulator"`
	Remote         remoteConfig           `yaml:"Remote"`
	HeaderService  headerConfig           `yaml:"HeaderService"`
	LFA            lfaConfig              `yaml:"LFA"`
	Streaming      streamingConfig        `yaml:"Streaming"`
	AutoExposure   autoExposureConfig     `yaml:"AutoExposure"`
	PollInterval   time.Duration          `yaml:"PollInterval"`
	TimeoutMargin  time.Duration          `yaml:"TimeoutMargin"`
}

func defaults() config {
	return config{
		Addr:           ":8000",
		Root:           "/",
		Index:          1,
		CameraCode:     "GC1",
		ControllerCode: "O",
		OutputRoot:     "/data/gencam",
		Driver:         "simulator",
		DriverOptions:  map[string]interface{}{},
		Simulator: simulatorConfig{
			Width:       simulator.DefaultWidth,
			Height:      simulator.DefaultHeight,
			ReadoutTime: 50 * time.Millisecond},
		Remote: remoteConfig{
			Addr:    "http://localhost:8001",
			Timeout: remote.DefaultTimeout},
		HeaderService: headerConfig{
			Retries: 3,
			Timeout: 2 * time.Second},
		LFA: lfaConfig{
			Bucket:  "rubinobs-lfa",
			Retries: 3},
		Streaming: streamingConfig{
			QueueDepth: 4},
		AutoExposure: autoExposureConfig{
			Interval:      30 * time.Second,
			MinBackground: 10000,
			MaxBackground: 40000},
		PollInterval:  10 * time.Millisecond,
		TimeoutMargin: time.Second,
	}
}

// envKey maps GENCAM_HEADERSERVICE_URL to the existing key
// HeaderService.URL, so environment variables are not case-sensitive
func envKey(s string) string {
	key := strings.Replace(strings.TrimPrefix(s, EnvPrefix), "_", ".", -1)
	for _, have := range k.Keys() {
		if strings.EqualFold(have, key) {
			return have
		}
	}
	return key
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func loadconfig() config {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `gencamsrv controls a generic observatory camera over HTTP.
Images are taken on command, given FITS headers from the header service
and written locally and to the large file annex.  Events are streamed
over a websocket.

Usage:
	gencamsrv <command>

Commands:
	run
	expose
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `gencamsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.
Any key may be overridden by an environment variable, GENCAM_ followed by the
key path joined with underscores, for example GENCAM_HEADERSERVICE_URL.
Durations are given in nanoseconds or as strings such as "250ms".

Driver is simulator or remote.  DriverOptions are applied with the configure
command once the camera is initialized; if the camera rejects one of them the
server does not start.

HeaderService.Mock serves an in-memory header service on this server at
/mock/header-service and uses it.  LFA.Mode mock does the same for the large
file annex at /mock/lfa.

expose takes images through a running server:
	gencamsrv expose -addr http://localhost:8000 -t 5 -n 1 -type OBJECT`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("gencamsrv version %v\n", Version)
}

// selfURL is the URL of this server for an absolute path, used to point the
// clients at the mock services
func selfURL(cfg config, path string) string {
	host := cfg.Addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host + path
}

func newDriver(cfg config) (camera.Driver, error) {
	switch strings.ToLower(cfg.Driver) {
	case "simulator", "":
		sim := simulator.New(cfg.Simulator.Width, cfg.Simulator.Height)
		sim.ReadoutTime = cfg.Simulator.ReadoutTime
		return sim, nil
	case "remote":
		return remote.New(cfg.Remote.Addr, cfg.Remote.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown driver %q, must be simulator or remote", cfg.Driver)
	}
}

func run() {
	cfg := loadconfig()
	logger := log.Default()

	drv, err := newDriver(cfg)
	if err != nil {
		log.Fatal(err)
	}

	tmpl, err := fitsheader.LoadTemplate(cfg.HeaderService.Template)
	if err != nil {
		log.Fatal(err)
	}
	asm := &fitsheader.Assembler{Template: tmpl, Log: logger}

	// the server's own router, the controller's routes are mounted beneath
	// cfg.Root
	top := chi.NewRouter()
	top.Use(middleware.Logger)

	switch {
	case cfg.HeaderService.Mock:
		top.Mount(mockHeaderStem, fitsheader.NewMockService().Handler())
		asm.Service = &fitsheader.Client{URL: selfURL(cfg, mockHeaderStem), Retries: cfg.HeaderService.Retries, Timeout: cfg.HeaderService.Timeout}
		log.Println("serving a mock header service at", asm.Service.URL)
	case cfg.HeaderService.URL != "":
		asm.Service = &fitsheader.Client{URL: cfg.HeaderService.URL, Retries: cfg.HeaderService.Retries, Timeout: cfg.HeaderService.Timeout}
	default:
		log.Println("no header service configured, headers are built from the template only")
	}

	wr := &imgrec.Writer{Root: cfg.OutputRoot, AlwaysSave: cfg.AlwaysSave, Retries: cfg.LFA.Retries, Log: logger}
	switch strings.ToLower(cfg.LFA.Mode) {
	case "":
	case "http":
		wr.Uploader = &lfa.Client{URL: cfg.LFA.URL, Bucket: cfg.LFA.Bucket}
	case "mock":
		store := lfa.NewMemoryStore(selfURL(cfg, mockLFAStem+"/"+cfg.LFA.Bucket))
		top.Mount(mockLFAStem, store.Handler())
		wr.Uploader = store
		log.Println("serving a mock large file annex at", store.BaseURL)
	default:
		log.Fatalf("unknown LFA mode %q, must be empty, http or mock", cfg.LFA.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub()
	go hub.Run(ctx)

	ctrl := gencam.New(gencam.Config{
		CameraCode:     cfg.CameraCode,
		ControllerCode: cfg.ControllerCode,
		Index:          cfg.Index,
		OutputRoot:     cfg.OutputRoot,
		PollInterval:   cfg.PollInterval,
		TimeoutMargin:  cfg.TimeoutMargin,
		MaxFPS:         cfg.Streaming.MaxFPS,
		QueueDepth:     cfg.Streaming.QueueDepth,

		AutoExposureInterval: cfg.AutoExposure.Interval,
		MinBackground:        cfg.AutoExposure.MinBackground,
		MaxBackground:        cfg.AutoExposure.MaxBackground,
		Log:                  logger,
	}, drv, asm, wr, httpcam.Publisher(hub, logger))
	ran := make(chan error, 1)
	go func() { ran <- ctrl.Run(ctx) }()

	if len(cfg.DriverOptions) > 0 {
		if err := ctrl.ConfigureCamera(ctx, cfg.DriverOptions); err != nil {
			log.Fatalf("applying DriverOptions: %v", err)
		}
	}
	log.Printf("%s camera initialized, state %s", drv.Name(), ctrl.State())

	h := httpcam.NewHTTPController(ctrl, hub, cfg.OutputRoot)
	top.Mount(server.SanitizeStem(cfg.Root), h.Router())

	srv := &http.Server{Addr: cfg.Addr, Handler: top}
	go func() {
		<-ctx.Done()
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shut)
	}()
	log.Println("now listening for requests at ", cfg.Addr+server.SanitizeStem(cfg.Root))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	<-ran
	log.Println("shut down")
}

// parseExposure reads seconds, or any input to time.ParseDuration
func parseExposure(s string) (float64, error) {
	if util.AllElementsNumbers(s) {
		s += "s"
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d.Seconds(), nil
}

// expose takes images through a running server with a spinner for progress
func expose(args []string) {
	fs := flag.NewFlagSet("expose", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8000", "base URL of the gencamsrv server")
	texp := fs.String("t", "1", "exposure time, seconds or a duration such as 250ms")
	n := fs.Int("n", 1, "number of images")
	typ := fs.String("type", "OBJECT", "image type")
	dark := fs.Bool("dark", false, "keep the shutter closed")
	kvm := fs.String("kv", "", "additional header keywords, \"key: value, key2: value2\"")
	fs.Parse(args)

	expTime, err := parseExposure(*texp)
	if err != nil {
		log.Fatal(err)
	}
	req := camera.Request{ExposureTime: expTime, NumImages: *n, Shutter: !*dark, ImageType: *typ, KeyValueMap: *kvm}
	body, err := json.Marshal(req)
	if err != nil {
		log.Fatal(err)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           fmt.Sprintf("taking %d x %gs %s", *n, expTime, *typ),
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	url := strings.TrimRight(*addr, "/") + "/take-image"
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e := server.ErrorBody{}
		json.NewDecoder(resp.Body).Decode(&e)
		spinner.StopFailMessage(fmt.Sprintf("%s: %s", resp.Status, e.Error))
		spinner.StopFail()
		os.Exit(1)
	}
	res := []gencam.ImageResult{}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage(fmt.Sprintf("took %d images", len(res)))
	spinner.Stop()
	for _, r := range res {
		where := r.URL
		if where == "" {
			where = r.Path
		}
		line := r.ImageName + "\t" + where
		if len(r.Degraded) > 0 {
			line += "\tdegraded: " + strings.Join(r.Degraded, ",")
		}
		fmt.Println(line)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "expose":
		expose(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}

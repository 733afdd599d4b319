package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"btserial/internal/config"
	"btserial/internal/connmgr"
	"btserial/internal/logger"
	"btserial/internal/transport/bluez"
	"btserial/internal/transport/tcp"
)

const (
	modeScan    = "scan"
	modeServe   = "serve"
	modeConnect = "connect"
)

type options struct {
	configPath string
	mode       string
	device     string
	timeout    time.Duration
	verbose    int
	dryRun     bool
	help       bool
}

// transport is what the CLI needs from either backend.
type transport interface {
	connmgr.Transport
	Close() error
}

type discoverer interface {
	Discover(ctx context.Context) ([]bluez.Device, error)
}

// line is one stdin line sent to the peer, newline-terminated.
type line string

func (l line) Pack() ([]byte, error) { return []byte(string(l) + "\n"), nil }

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cfg, o, err := parseArgs(args)
	if err != nil || o.help {
		return err
	}
	if o.dryRun {
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = stdout.Write(b)
		return err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if o.verbose > 0 {
		level = zerolog.DebugLevel
	}
	log := logger.Console("btserial", level)

	tr, disc := newTransport(cfg, log)
	defer func() {
		if err := tr.Close(); err != nil {
			log.Warn("close transport", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	in := bufio.NewReader(stdin)

	if o.mode == modeScan {
		return runScan(ctx, disc, o.timeout, stdout)
	}

	q := connmgr.NewQueue()
	m := connmgr.New(tr, q, connmgr.Options{
		ReadBufferSize: cfg.Session.ReadBufferSize,
		DialTimeout:    cfg.Session.DialTimeout,
		Logger:         log,
	})

	switch o.mode {
	case modeServe:
		if err := startWithRetry(ctx, m, log); err != nil {
			q.Close()
			return err
		}
	case modeConnect:
		target := o.device
		if target == "" {
			if target, err = choose(ctx, disc, o.timeout, stdin, in, stdout); err != nil {
				q.Close()
				return err
			}
		}
		log.Info("connecting", logger.Field{Key: "target", Value: target})
		if err := m.Connect(target); err != nil {
			q.Close()
			return err
		}
	}
	return chat(ctx, m, q, in, stdout)
}

func parseArgs(args []string) (*config.Config, *options, error) {
	o := &options{}
	fs := flag.NewFlagSet("btserial", flag.ContinueOnError)

	var (
		transportName, name, uuid, dialUUID, adapter, listen, level string
		channel                                         uint16
		dialTimeout                                     time.Duration
	)

	fs.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	fs.StringVarP(&o.mode, "mode", "m", modeServe, "mode: scan|serve|connect")
	fs.StringVarP(&o.device, "device", "d", "", "connect target: MAC, device path or host:port (tcp)")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "scan duration")

	fs.StringVarP(&transportName, "transport", "t", config.TransportBlueZ, "transport: bluez|tcp")
	fs.StringVar(&name, "name", config.DefaultServiceName, "service name advertised when listening")
	fs.StringVar(&uuid, "uuid", config.SPPUUID, "service UUID")
	fs.StringVar(&dialUUID, "dial-uuid", "", "profile UUID requested when connecting (default: --uuid)")
	fs.Uint16Var(&channel, "channel", config.DefaultRFCOMMChannel, "RFCOMM channel")
	fs.StringVar(&adapter, "adapter", config.DefaultAdapter, "Bluetooth adapter")
	fs.StringVar(&listen, "listen", config.DefaultTCPListenAddr, "listen address (tcp)")
	fs.DurationVar(&dialTimeout, "dial-timeout", 0, "bound on a single connect attempt")
	fs.StringVar(&level, "log-level", config.DefaultLogLevel, "log level: debug|info|warn|error")

	fs.CountVarP(&o.verbose, "verbose", "v", "debug logging")
	fs.BoolVar(&o.dryRun, "dry-run", false, "print the effective config and exit")
	fs.BoolVarP(&o.help, "help", "h", false, "show this help")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: btserial [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if o.help {
		fs.Usage()
		return nil, o, nil
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}

	// Flags override the file and the environment.
	if fs.Changed("transport") {
		cfg.Transport = strings.ToLower(transportName)
	}
	if fs.Changed("name") {
		cfg.Service.Name = name
	}
	if fs.Changed("uuid") {
		cfg.Service.UUID = strings.ToLower(uuid)
	}
	if fs.Changed("dial-uuid") {
		cfg.Service.DialUUID = strings.ToLower(dialUUID)
	}
	if fs.Changed("channel") {
		cfg.Service.Channel = channel
	}
	if fs.Changed("adapter") {
		cfg.Service.Adapter = adapter
	}
	if fs.Changed("listen") {
		cfg.TCP.ListenAddr = listen
	}
	if fs.Changed("dial-timeout") {
		cfg.Session.DialTimeout = dialTimeout
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	o.mode = strings.ToLower(o.mode)
	switch o.mode {
	case modeServe, modeConnect:
	case modeScan:
		if cfg.Transport != config.TransportBlueZ {
			return nil, nil, errors.New("scan mode needs the bluez transport")
		}
	default:
		return nil, nil, fmt.Errorf("unknown mode: %s", o.mode)
	}
	if o.mode == modeConnect && o.device == "" && cfg.Transport != config.TransportBlueZ {
		return nil, nil, errors.New("--device is required for tcp connect")
	}
	return cfg, o, nil
}

func newTransport(cfg *config.Config, log logger.Logger) (transport, discoverer) {
	if cfg.Transport == config.TransportTCP {
		return tcp.New(cfg.TCP.ListenAddr, cfg.Session.DialTimeout), nil
	}
	bt := bluez.New(bluez.OptionsFromConfig(cfg.Service, log))
	return bt, bt
}

// startWithRetry retries Start a few times; the service channel may still
// be held by a previous process.
func startWithRetry(ctx context.Context, m connmgr.Mgr, log logger.Logger) error {
	return retry.Do(m.Start,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("start failed, retrying",
				logger.Field{Key: "attempt", Value: n + 1},
				logger.Field{Key: "error", Value: err.Error()})
		}),
	)
}

func scan(ctx context.Context, disc discoverer, timeout time.Duration) ([]bluez.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return disc.Discover(ctx)
}

func printDevices(out io.Writer, devs []bluez.Device) {
	for i, d := range devs {
		fmt.Fprintf(out, "[%d] Path=%s MAC=%s Name=%s Alias=%s\n", i, d.Path, d.MAC, d.Name, d.Alias)
	}
}

func runScan(ctx context.Context, disc discoverer, timeout time.Duration, out io.Writer) error {
	devs, err := scan(ctx, disc, timeout)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Fprintln(out, "no devices found")
		return nil
	}
	printDevices(out, devs)
	return nil
}

// choose scans and lets the user pick a device on an interactive stdin.
func choose(ctx context.Context, disc discoverer, timeout time.Duration, stdin io.Reader, in *bufio.Reader, out io.Writer) (string, error) {
	if f, ok := stdin.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return "", errors.New("--device is required when stdin is not a terminal")
	}
	fmt.Fprintf(out, "Scanning for %s...\n", timeout)
	devs, err := scan(ctx, disc, timeout)
	if err != nil {
		return "", err
	}
	if len(devs) == 0 {
		return "", errors.New("no devices found")
	}
	printDevices(out, devs)
	fmt.Fprint(out, "Choose index: ")
	idx, err := readIndex(in, len(devs), out)
	if err != nil {
		return "", err
	}
	return devs[idx].Path, nil
}

func readIndex(r *bufio.Reader, n int, out io.Writer) (int, error) {
	for {
		s, err := r.ReadString('\n')
		i, convErr := strconv.Atoi(strings.TrimSpace(s))
		if convErr == nil && i >= 0 && i < n {
			return i, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read choice: %w", err)
		}
		fmt.Fprintf(out, "enter 0..%d: ", n-1)
	}
}

// chat prints events and forwards stdin lines until ctx is done.
func chat(ctx context.Context, m connmgr.Mgr, q *connmgr.Queue, in io.Reader, out io.Writer) error {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range q.Events() {
			printEvent(out, e)
		}
	}()

	// Blocks on stdin; left behind on exit.
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			m.Write(line(sc.Text()))
		}
	}()

	<-ctx.Done()
	m.Stop()
	q.Close()
	<-printed
	return nil
}

func printEvent(out io.Writer, e connmgr.Event) {
	switch e := e.(type) {
	case connmgr.StateChanged:
		fmt.Fprintf(out, "[state] %s\n", e.State)
	case connmgr.PeerIdentified:
		fmt.Fprintf(out, "[peer] %s\n", e.Name)
	case connmgr.Notice:
		fmt.Fprintf(out, "[notice] %s\n", e.Message)
	case connmgr.DataReceived:
		_, _ = out.Write(e.Data)
	}
}

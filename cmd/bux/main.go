package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/posener/complete"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/banksean/bux/internal/ociimage"
	"github.com/banksean/bux/internal/runtime"
)

// Context is the shared state every subcommand's Run receives: opened
// collaborators plus the options common to all of them. Built once in
// main after kong parses the top-level flags, torn down (Images/Registry
// closed) right before the process exits.
type Context struct {
	DataDir    string
	KernelPath string
	Images     *ociimage.Store
	Registry   *runtime.Registry
}

type CLI struct {
	DataDir    string `placeholder:"<dir>" help:"bux's state directory (images, rootfs, vm registry, disks). Defaults to $BUX_HOME or ~/.bux."`
	KernelPath string `placeholder:"<path>" help:"kernel image path; required for run. It is stored in each VM's spawn config; the shim does not pass it to libkrun."`
	LogFile    string `default:"" placeholder:"<path>" help:"log file path (leave empty for a random tmp/ path)"`
	LogLevel   string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level"`

	Run        RunCmd        `cmd:"" help:"pull an image if needed, build its disk, and start a new VM"`
	Pull       PullCmd       `cmd:"" help:"pull an image into the local store"`
	Images     ImagesCmd     `cmd:"" help:"list pulled images"`
	Rmi        RmiCmd        `cmd:"" help:"remove an image"`
	Ps         PsCmd         `cmd:"" help:"list VMs"`
	Inspect    InspectCmd    `cmd:"" help:"print full detail about one VM"`
	Stop       StopCmd       `cmd:"" help:"stop a running VM"`
	Kill       KillCmd       `cmd:"" help:"kill a VM's shim process"`
	Rm         RmCmd         `cmd:"" help:"remove a VM's registry record"`
	Exec       ExecCmd       `cmd:"" help:"run a command inside a running VM"`
	Cp         CpCmd         `cmd:"" help:"copy a file to or from a VM's guest filesystem"`
	Version    VersionCmd    `cmd:"" help:"print version information"`

	Completion kongcompletion.Cmd `cmd:"" help:"print a shell completion script"`
}

func (c *CLI) initSlog() {
	level := parseLevel(c.LogLevel)

	var w *lumberjack.Logger
	logPath := c.LogFile
	if logPath == "" {
		f, err := os.CreateTemp("", "bux-log-*")
		if err != nil {
			panic(err)
		}
		logPath = f.Name()
		f.Close()
	} else if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		panic(err)
	}
	w = &lumberjack.Logger{Filename: logPath, MaxSize: 20, MaxBackups: 3}

	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// imagePredictor lists the image references in the local store. main
// registers it as kong-completion's "image" predictor; no command argument
// carries that predictor tag, so shell completion does not call it.
func imagePredictor(args complete.Args) []string {
	dir, err := defaultDataDir()
	if err != nil {
		return nil
	}
	store, err := ociimage.Open(filepath.Join(dir, "images"))
	if err != nil {
		return nil
	}
	defer store.Close()

	list, err := store.List(context.Background())
	if err != nil {
		return nil
	}
	out := make([]string, len(list))
	for i, img := range list {
		out[i] = img.Ref.String()
	}
	return out
}

func defaultDataDir() (string, error) {
	if d := os.Getenv("BUX_HOME"); d != "" {
		return d, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("bux: home directory: %w", err)
	}
	return filepath.Join(home, ".bux"), nil
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("bux"),
		kong.Description("Run untrusted workloads in hardware-isolated micro-VMs."),
		kong.Configuration(kongyaml.Loader, "~/.bux.yaml"),
		kong.UsageOnError(),
	)
	kongcompletion.Register(parser, kongcompletion.WithPredictor("image", imagePredictor))

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initSlog()

	if cli.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "bux: %v\n", err)
			os.Exit(1)
		}
		cli.DataDir = dir
	}
	if err := os.MkdirAll(cli.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "bux: %v\n", err)
		os.Exit(1)
	}

	images, err := ociimage.Open(filepath.Join(cli.DataDir, "images"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bux: %v\n", err)
		os.Exit(1)
	}
	defer images.Close()

	registry, err := runtime.Open(filepath.Join(cli.DataDir, "vms.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bux: %v\n", err)
		os.Exit(1)
	}
	defer registry.Close()

	cctx := &Context{
		DataDir:    cli.DataDir,
		KernelPath: cli.KernelPath,
		Images:     images,
		Registry:   registry,
	}

	err = kctx.Run(cctx)
	kctx.FatalIfErrorf(err)
}

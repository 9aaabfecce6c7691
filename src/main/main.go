package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"exam-ocr-llm/src/clipboard"
	"exam-ocr-llm/src/config"
	"exam-ocr-llm/src/eventloop"
	"exam-ocr-llm/src/hotkey"
	"exam-ocr-llm/src/llm"
	"exam-ocr-llm/src/logutil"
	"exam-ocr-llm/src/prompt"
	"exam-ocr-llm/src/screenshot"
	"exam-ocr-llm/src/singleinstance"
	"exam-ocr-llm/src/tray"
)

func init() {
	// systray and the keyboard hook must stay on the main OS thread
	runtime.LockOSThread()
}

type mainOptions struct {
	runOnce    bool
	stdout     bool
	apiKeyPath string
	verbose    bool
}

// normalizeLegacyArgs maps Go-flag style single-dash long options
// (-run-once, -api-key-path=...) to the double-dash form cobra expects.
func normalizeLegacyArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		for _, name := range []string{"run-once", "stdout", "api-key-path", "verbose"} {
			if arg == "-"+name || strings.HasPrefix(arg, "-"+name+"=") {
				arg = "-" + arg
				break
			}
		}
		out = append(out, arg)
	}
	return out
}

func newRootCmd(opts *mainOptions, run func(cmd *cobra.Command) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "exam-ocr-llm",
		Short:        "Screen OCR in the tray: press the hotkey, get the text on the clipboard",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.runOnce, "run-once", false, "Capture once, copy the result to the clipboard and exit")
	f.BoolVar(&opts.stdout, "stdout", false, "With --run-once, print the result instead of copying it")
	f.StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to a file containing the API token")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")
	f.String("url", "", "Model endpoint base URL")
	f.String("token", "", "API token")
	f.String("model", "", "Model identifier")
	f.String("recognition-mode", "", "Recognition mode: text, table or analysis")
	f.String("hotkey", "", "Global hotkey, e.g. Alt+Q")
	f.String("capture-region", "", "Capture region as x,y,width,height (default: all displays)")
	f.Int("timeout", 0, "Per-request timeout in seconds")
	f.Int("max-image-side", 0, "Downscale captures so the longer side fits this many pixels")
	f.Bool("enable-file-logging", false, "Write a rotating debug log next to the working directory")
	return cmd
}

func main() {
	var opts mainOptions
	root := newRootCmd(&opts, func(cmd *cobra.Command) error {
		return run(cmd, opts)
	})
	root.SetArgs(normalizeLegacyArgs(os.Args[1:]))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts mainOptions) error {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		TokenPathOverride: opts.apiKeyPath,
		Flags:             cmd.Flags(),
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logutil.Setup(cfg.EnableFileLogging)
	if opts.verbose {
		logutil.Verbose()
	}
	log.Printf("Config: URL=%s Model=%s Token=%s Mode=%s Hotkey=%s",
		cfg.APIURL, cfg.Model, logutil.RedactKey(cfg.APIToken), cfg.RecognitionMode, cfg.Hotkey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.runOnce {
		delegated, err := delegateRunOnce(ctx, opts.stdout, os.Stdout)
		if delegated {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	enableDPIAwareness()
	region, err := screenshot.ParseRegion(cfg.CaptureRegion)
	if err != nil {
		return err
	}
	if !(opts.runOnce && opts.stdout) {
		if err := clipboard.Init(); err != nil {
			return err
		}
	}

	client := llm.New(llm.Options{
		BaseURL: cfg.APIURL,
		APIKey:  cfg.APIToken,
		Model:   cfg.Model,
		Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
	})
	capture := screenshot.Capturer(region, cfg.MaxImageSide)

	if opts.runOnce {
		loop := newLoop(cfg, capture, client.Analyze, nil)
		var target eventloop.Target = eventloop.ClipboardTarget{Notify: func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		}}
		if opts.stdout {
			target = eventloop.NewWriterTarget(os.Stdout, false)
		}
		return runOnce(ctx, loop, target)
	}
	return runResident(ctx, cfg, capture, client.Analyze)
}

func newLoop(cfg config.Config, capture eventloop.Capturer, analyze func(context.Context, []byte, string) llm.Result, ind eventloop.Indicator) *eventloop.Loop {
	return eventloop.New(eventloop.Options{
		Capture:     capture,
		Analyze:     analyze,
		Instruction: prompt.ForRecognition(cfg.RecognitionMode),
		Indicator:   ind,
	})
}

// doneTarget forwards to another target and reports the outcome once.
type doneTarget struct {
	eventloop.Target
	done chan error
}

func (t doneTarget) OnSuccess(text string) error {
	err := t.Target.OnSuccess(text)
	t.done <- err
	return err
}

func (t doneTarget) OnFailure(err error) {
	t.Target.OnFailure(err)
	select {
	case t.done <- err:
	default:
	}
}

// runOnce triggers a single request and returns when it has been delivered.
func runOnce(ctx context.Context, loop *eventloop.Loop, target eventloop.Target) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()

	t := doneTarget{Target: target, done: make(chan error, 2)}
	loop.Trigger(t)
	select {
	case err := <-t.done:
		cancel()
		<-loopDone
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tooltip describes the idle state shown on the tray icon.
func tooltip(cfg config.Config) string {
	return fmt.Sprintf("%s (%s, %s)", tray.Title, cfg.Hotkey, cfg.RecognitionMode)
}

func runResident(ctx context.Context, cfg config.Config, capture eventloop.Capturer, analyze func(context.Context, []byte, string) llm.Result) error {
	addr := singleinstance.Addr()
	if singleinstance.Ping(addr, 300*time.Millisecond) {
		return fmt.Errorf("another instance is already running on %s", addr)
	}
	srv, err := singleinstance.Listen(ctx, addr)
	if err != nil {
		log.Printf("Run-once delegation disabled: %v", err)
	} else {
		defer srv.Close()
	}

	tray.Run(tooltip(cfg), func(t *tray.Tray) {
		loop := newLoop(cfg, capture, analyze, t)
		target := eventloop.ClipboardTarget{Notify: t.Notify}
		if srv != nil {
			go serveDelegated(ctx, srv, loop, target)
		}

		go func() {
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Event loop stopped: %v", err)
			}
		}()
		go func() {
			for {
				select {
				case <-ctx.Done():
					tray.Quit()
					return
				case <-t.CaptureClicked():
					loop.Trigger(target)
				case <-t.QuitClicked():
					log.Printf("Quit requested from tray")
					tray.Quit()
					return
				}
			}
		}()
		if err := hotkey.Listen(cfg.Hotkey, func() { loop.Trigger(target) }); err != nil {
			log.Printf("Hotkey listener failed: %v", err)
			t.Notify("hotkey unavailable, use the tray menu")
		}
		log.Printf("Resident mode ready, hotkey %s", cfg.Hotkey)
	}, func() {
		log.Printf("Tray exited")
	})
	return nil
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"exam-ocr-llm/src/batch"
	"exam-ocr-llm/src/config"
	"exam-ocr-llm/src/document"
	"exam-ocr-llm/src/eventloop"
	"exam-ocr-llm/src/llm"
	"exam-ocr-llm/src/logutil"
	"exam-ocr-llm/src/prompt"
)

const (
	maxFileSizeMB = 20
	maxFileSize   = maxFileSizeMB * 1024 * 1024
)

type cliOptions struct {
	verbose      bool
	apiKeyPath   string
	settingsPath string
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer
}

type batchOptions struct {
	input  string
	output string
	json   bool
}

type imageOptions struct {
	filePath   string
	jsonOutput bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return runWithArgs(ctx, normalizeLegacyArgs(os.Args), os.Stdin, os.Stdout, os.Stderr)
}

func runWithArgs(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		args = []string{"ocr-tool"}
	}

	opts := &cliOptions{stdin: stdin, stdout: stdout, stderr: stderr}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args[1:])
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ocr-tool",
		Short:         "Analyze scanned documents and graded exams with a vision model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output to stderr")
	pf.StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to API token file (highest precedence)")
	pf.StringVar(&opts.settingsPath, "settings", "", "Path to the settings file")
	pf.String("url", "", "Model endpoint base URL")
	pf.String("token", "", "API token")
	pf.String("model", "", "Model identifier")
	pf.Int("timeout", 0, "Request timeout in seconds")
	pf.Int("max-image-side", 0, "Downscale uploads so the longer side is at most this many pixels")

	imgOpts := &imageOptions{}
	imageCmd := newImageCmd(opts, imgOpts)
	// ocr-tool --file x.png keeps working as a shortcut for the image command
	cmd.Flags().AddFlagSet(imageCmd.Flags())
	cmd.AddCommand(newBatchCmd(opts), imageCmd, newSettingsCmd(opts))
	cmd.RunE = func(c *cobra.Command, args []string) error {
		if imgOpts.filePath == "" {
			return c.Help()
		}
		return runImage(c, *opts, *imgOpts)
	}
	return cmd
}

// loadConfig configures logging and reads the layered configuration with
// the command's flags on top.
func loadConfig(cmd *cobra.Command, opts cliOptions) (config.Config, error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		TokenPathOverride:    opts.apiKeyPath,
		SettingsPathOverride: opts.settingsPath,
		Flags:                cmd.Flags(),
	})
	if err != nil {
		return cfg, fmt.Errorf("failed to load configuration: %w", err)
	}
	logutil.Setup(cfg.EnableFileLogging)
	if opts.verbose {
		logutil.Verbose()
		fmt.Fprintf(opts.stderr, "[verbose] Config loaded: URL=%s Model=%s Token=%s\n",
			cfg.APIURL, cfg.Model, logutil.RedactKey(cfg.APIToken))
	}
	return cfg, nil
}

func newClient(cfg config.Config) *llm.Client {
	return llm.New(llm.Options{
		BaseURL: cfg.APIURL,
		APIKey:  cfg.APIToken,
		Model:   cfg.Model,
		Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
	})
}

func newBatchCmd(opts *cliOptions) *cobra.Command {
	bo := &batchOptions{}
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process every image and PDF under a directory",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runBatch(c, *opts, *bo)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&bo.input, "input", "i", "input_images", "Input directory")
	f.StringVarP(&bo.output, "output", "o", "output_results", "Output directory")
	f.BoolVar(&bo.json, "json", false, "Emit progress as JSON lines")
	f.String("mode", string(config.DocumentAuto), "Document mode: auto, general or exam")
	f.Int("concurrency", config.DefaultConcurrency, "Documents processed in parallel")
	f.String("manifest", "", "YAML file mapping path patterns to document modes")
	f.String("exam-marker", config.DefaultExamMarker, "Path substring that marks an exam in auto mode")
	return cmd
}

func runBatch(cmd *cobra.Command, opts cliOptions, bo batchOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return err
	}

	var reporter batch.Reporter = batch.NewConsoleReporter(opts.stdout)
	if bo.json {
		reporter = batch.NewJSONReporter(opts.stdout)
	}
	runner := batch.NewRunner(cfg, newClient(cfg), document.NewExpander(), prompt.NewRouter(cfg, manifest), reporter)

	sum, err := runner.Run(cmd.Context(), bo.input, bo.output)
	if err != nil {
		return err
	}
	if sum.FailedFiles > 0 || sum.FailedPages > 0 {
		log.Printf("batch finished with %d failed file(s) and %d failed page(s)", sum.FailedFiles, sum.FailedPages)
	}
	return nil
}

func newImageCmd(opts *cliOptions, iopts *imageOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Recognize a single image file (use '-' for stdin)",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runImage(c, *opts, *iopts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&iopts.filePath, "file", "", "Path to image file (use '-' for stdin)")
	f.BoolVar(&iopts.jsonOutput, "json", false, "Output results as JSON")
	f.String("recognition-mode", string(config.ModeText), "Recognition mode: text, table or analysis")
	return cmd
}

// runImage sends one image through the same event loop the resident app
// uses, with the file standing in for the screen capture.
func runImage(cmd *cobra.Command, opts cliOptions, iopts imageOptions) error {
	if iopts.filePath == "" {
		return errors.New(`required flag "file" not set`)
	}
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := readInput(iopts.filePath, opts.stdin)
	if err != nil {
		return err
	}
	upload, err := prepareImage(data, cfg.MaxImageSide)
	if err != nil {
		return err
	}

	client := newClient(cfg)
	loop := eventloop.New(eventloop.Options{
		Capture:     func(context.Context) ([]byte, error) { return upload, nil },
		Analyze:     client.Analyze,
		Instruction: prompt.ForRecognition(cfg.RecognitionMode),
	})
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	start := time.Now()
	target := eventloop.NewWriterTarget(opts.stdout, iopts.jsonOutput)
	loop.Trigger(target)
	select {
	case err = <-target.Done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if opts.verbose {
		fmt.Fprintf(opts.stderr, "[verbose] Finished in %v\n", time.Since(start).Round(time.Millisecond))
	}
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}
	return nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(io.LimitReader(stdin, maxFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
	}
	if len(data) == 0 {
		return nil, errors.New("input file is empty")
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("input file exceeds maximum size of %d MB", maxFileSizeMB)
	}
	return data, nil
}

// prepareImage decodes any supported raster format and re-encodes it as JPEG.
func prepareImage(data []byte, maxSide int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("input is not a supported image: %w", err)
	}
	return document.EncodeJPEG(document.Normalize(img), maxSide)
}

func newSettingsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted settings",
	}

	var s config.Settings
	var mode string
	set := &cobra.Command{
		Use:   "set",
		Short: "Persist endpoint URL, token and recognition mode",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			s.URL, _ = c.Flags().GetString("url")
			s.Token, _ = c.Flags().GetString("token")
			s.RecognitionMode = config.RecognitionMode(mode)
			if s == (config.Settings{}) {
				return errors.New("nothing to set; pass --url, --token or --recognition-mode")
			}
			path, err := settingsPath(*opts)
			if err != nil {
				return err
			}
			if err := config.SaveSettings(path, s); err != nil {
				return err
			}
			fmt.Fprintf(opts.stdout, "Settings saved to %s\n", path)
			return nil
		},
	}
	set.Flags().StringVar(&mode, "recognition-mode", "", "Recognition mode: text, table or analysis")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(c, *opts)
			if err != nil {
				return err
			}
			token := "(not set)"
			if cfg.APIToken != "" {
				token = logutil.RedactKey(cfg.APIToken)
			}
			w := opts.stdout
			fmt.Fprintf(w, "settings:          %s\n", cfg.SettingsPath)
			fmt.Fprintf(w, "url:               %s\n", cfg.APIURL)
			fmt.Fprintf(w, "token:             %s\n", token)
			fmt.Fprintf(w, "model:             %s\n", cfg.Model)
			fmt.Fprintf(w, "recognition_mode:  %s\n", cfg.RecognitionMode)
			fmt.Fprintf(w, "concurrency:       %d\n", cfg.BatchConcurrency)
			fmt.Fprintf(w, "timeout:           %ds\n", cfg.RequestTimeoutSec)
			fmt.Fprintf(w, "hotkey:            %s\n", cfg.Hotkey)
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}

func settingsPath(opts cliOptions) (string, error) {
	if opts.settingsPath != "" {
		return opts.settingsPath, nil
	}
	return config.DefaultSettingsPath()
}

func normalizeLegacyArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}

	normalized := make([]string, len(args))
	copy(normalized, args)

	legacy := []string{"file", "json", "verbose", "api-key-path", "input", "output"}
	for i := 1; i < len(normalized); i++ {
		arg := normalized[i]
		for _, name := range legacy {
			switch {
			case arg == "-"+name:
				normalized[i] = "--" + name
			case strings.HasPrefix(arg, "-"+name+"="):
				normalized[i] = "-" + arg
			}
		}
	}
	return normalized
}

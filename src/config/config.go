package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultAPIURL       = "https://aistudio.baidu.com/llm/lmapi/v3"
	DefaultModel        = "ernie-5.0-thinking-preview"
	DefaultHotkey       = "Alt+Q"
	DefaultExamMarker   = "试卷"
	DefaultTimeoutSec   = 120
	DefaultConcurrency  = 1
	TokenPathEnvVar     = "OCR_API_TOKEN_FILE"
	SettingsDirName     = "exam-ocr-llm"
	SettingsFileName    = "settings.yaml"
	settingsDirPerm     = 0o700
	settingsFilePerm    = 0o600
	envConfigPathEnvVar = "EXAM_OCR_LLM"
)

// RecognitionMode selects the instruction used for interactive captures.
type RecognitionMode string

const (
	ModeText     RecognitionMode = "text"
	ModeTable    RecognitionMode = "table"
	ModeAnalysis RecognitionMode = "analysis"
)

// DocumentMode is the explicit per-run document classification.
type DocumentMode string

const (
	DocumentAuto    DocumentMode = "auto"
	DocumentGeneral DocumentMode = "general"
	DocumentExam    DocumentMode = "exam"
)

// viper keys, shared by flags, env bindings and the settings file.
const (
	KeyURL             = "url"
	KeyToken           = "token"
	KeyModel           = "model"
	KeyRecognitionMode = "recognition_mode"
	KeyDocumentMode    = "document_mode"
	KeyConcurrency     = "concurrency"
	KeyTimeoutSec      = "request_timeout_sec"
	KeyMaxImageSide    = "max_image_side"
	KeyExamMarker      = "exam_marker"
	KeyManifest        = "manifest"
	KeyHotkey          = "hotkey"
	KeyFileLogging     = "enable_file_logging"
	KeyCaptureRegion   = "capture_region"
)

var envBindings = map[string]string{
	KeyURL:             "OCR_API_URL",
	KeyToken:           "OCR_API_TOKEN",
	KeyModel:           "MODEL",
	KeyRecognitionMode: "RECOGNITION_MODE",
	KeyDocumentMode:    "DOCUMENT_MODE",
	KeyConcurrency:     "BATCH_CONCURRENCY",
	KeyTimeoutSec:      "REQUEST_TIMEOUT_SEC",
	KeyMaxImageSide:    "MAX_IMAGE_SIDE",
	KeyExamMarker:      "EXAM_MARKER",
	KeyManifest:        "MODE_MANIFEST",
	KeyHotkey:          "HOTKEY",
	KeyFileLogging:     "ENABLE_FILE_LOGGING",
	KeyCaptureRegion:   "CAPTURE_REGION",
}

// LoadOptions carries command-line overrides. Flags are looked up by
// viper key name; unknown or absent flags are ignored.
type LoadOptions struct {
	TokenPathOverride    string
	SettingsPathOverride string
	Flags                *pflag.FlagSet
}

// Config is read once at startup and passed by value into every component.
// Nothing mutates it afterwards, so concurrent readers need no locking.
type Config struct {
	APIURL            string
	APIToken          string
	APITokenPath      string
	Model             string
	RecognitionMode   RecognitionMode
	DocumentMode      DocumentMode
	BatchConcurrency  int
	RequestTimeoutSec int
	MaxImageSide      int
	ExamMarker        string
	ManifestPath      string
	Hotkey            string
	EnableFileLogging bool
	CaptureRegion     string
	SettingsPath      string
}

// ConfigurationError is fatal to a run and is reported before any work starts.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Field, e.Message)
}

var ErrMissingToken = &ConfigurationError{
	Field: KeyToken,
	Message: "API token not configured. Set OCR_API_TOKEN (or OCR_API_TOKEN_FILE), pass --token, " +
		"or run 'ocr-tool settings set --token <token>'",
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	// Sources, lowest to highest priority:
	// 1) built-in defaults
	// 2) persisted settings file
	// 3) environment (.env next to the executable is loaded into it first)
	// 4) command-line flags
	envPath := resolveEnvPath()
	dotenvValues := readDotenvValues(envPath)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}

	settingsPath := resolveSettingsPath(opts)

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	if settingsPath != "" {
		if _, err := os.Stat(settingsPath); err == nil {
			v.SetConfigFile(settingsPath)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("failed to read settings %s: %w", settingsPath, err)
			}
		}
	}
	if opts.Flags != nil {
		for key := range envBindings {
			if f := opts.Flags.Lookup(flagName(key)); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	tokenPath := resolveTokenPath(opts, dotenvValues)
	token := strings.TrimSpace(v.GetString(KeyToken))
	if fileToken := readTokenFile(tokenPath); fileToken != "" {
		token = fileToken
	}

	cfg := Config{
		APIURL:            strings.TrimRight(strings.TrimSpace(v.GetString(KeyURL)), "/"),
		APIToken:          token,
		APITokenPath:      tokenPath,
		Model:             strings.TrimSpace(v.GetString(KeyModel)),
		RecognitionMode:   ParseRecognitionMode(v.GetString(KeyRecognitionMode)),
		DocumentMode:      ParseDocumentMode(v.GetString(KeyDocumentMode)),
		BatchConcurrency:  positiveOr(v.GetString(KeyConcurrency), DefaultConcurrency),
		RequestTimeoutSec: positiveOr(v.GetString(KeyTimeoutSec), DefaultTimeoutSec),
		MaxImageSide:      positiveOr(v.GetString(KeyMaxImageSide), 0),
		ExamMarker:        v.GetString(KeyExamMarker),
		ManifestPath:      strings.TrimSpace(v.GetString(KeyManifest)),
		Hotkey:            v.GetString(KeyHotkey),
		EnableFileLogging: strings.EqualFold(v.GetString(KeyFileLogging), "true"),
		CaptureRegion:     strings.TrimSpace(v.GetString(KeyCaptureRegion)),
		SettingsPath:      settingsPath,
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.ExamMarker == "" {
		cfg.ExamMarker = DefaultExamMarker
	}

	return cfg, nil
}

// Validate reports the first fatal problem. Only the credential has no safe default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIToken) == "" {
		return ErrMissingToken
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyURL, DefaultAPIURL)
	v.SetDefault(KeyModel, DefaultModel)
	v.SetDefault(KeyRecognitionMode, string(ModeText))
	v.SetDefault(KeyDocumentMode, string(DocumentAuto))
	v.SetDefault(KeyConcurrency, DefaultConcurrency)
	v.SetDefault(KeyTimeoutSec, DefaultTimeoutSec)
	v.SetDefault(KeyMaxImageSide, 0)
	v.SetDefault(KeyExamMarker, DefaultExamMarker)
	v.SetDefault(KeyHotkey, DefaultHotkey)
	v.SetDefault(KeyFileLogging, "false")
}

// flagName maps a viper key to its CLI flag spelling.
func flagName(key string) string {
	switch key {
	case KeyRecognitionMode:
		return "recognition-mode"
	case KeyDocumentMode:
		return "mode"
	case KeyTimeoutSec:
		return "timeout"
	default:
		return strings.ReplaceAll(key, "_", "-")
	}
}

// ParseRecognitionMode accepts mode names and the legacy combo-box indices 0..2.
func ParseRecognitionMode(value string) RecognitionMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "table", "html", "1":
		return ModeTable
	case "analysis", "report", "2":
		return ModeAnalysis
	default:
		return ModeText
	}
}

func ParseDocumentMode(value string) DocumentMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(DocumentGeneral):
		return DocumentGeneral
	case string(DocumentExam):
		return DocumentExam
	default:
		return DocumentAuto
	}
}

func positiveOr(value string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
		return n
	}
	return fallback
}

func resolveEnvPath() string {
	execPath, err := os.Executable()
	if err == nil {
		exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(exeEnv); err == nil {
			return exeEnv
		}
	}

	if alt := os.Getenv(envConfigPathEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func readDotenvValues(envPath string) map[string]string {
	if envPath == "" {
		return map[string]string{}
	}

	values, err := godotenv.Read(envPath)
	if err != nil {
		return map[string]string{}
	}

	return values
}

func resolveTokenPath(opts LoadOptions, dotenvValues map[string]string) string {
	keyPath := ""

	if envPath := strings.TrimSpace(os.Getenv(TokenPathEnvVar)); envPath != "" {
		keyPath = envPath
	}

	if dotenvPath := strings.TrimSpace(dotenvValues[TokenPathEnvVar]); dotenvPath != "" {
		keyPath = dotenvPath
	}

	if overridePath := strings.TrimSpace(opts.TokenPathOverride); overridePath != "" {
		keyPath = overridePath
	}

	return keyPath
}

func readTokenFile(keyPath string) string {
	if keyPath == "" {
		return ""
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func resolveSettingsPath(opts LoadOptions) string {
	if override := strings.TrimSpace(opts.SettingsPathOverride); override != "" {
		return override
	}
	path, err := DefaultSettingsPath()
	if err != nil {
		return ""
	}
	return path
}

// DefaultSettingsPath returns <UserConfigDir>/exam-ocr-llm/settings.yaml.
func DefaultSettingsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SettingsDirName, SettingsFileName), nil
}

// Settings are the user-editable values persisted between runs.
type Settings struct {
	URL             string
	Token           string
	RecognitionMode RecognitionMode
}

// SaveSettings merges s into the settings file at path, creating it if needed.
// Empty fields keep their stored value.
func SaveSettings(path string, s Settings) error {
	if path == "" {
		return errors.New("settings path is empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read settings %s: %w", path, err)
		}
	}
	if s.URL != "" {
		v.Set(KeyURL, strings.TrimRight(s.URL, "/"))
	}
	if s.Token != "" {
		v.Set(KeyToken, s.Token)
	}
	if s.RecognitionMode != "" {
		v.Set(KeyRecognitionMode, string(ParseRecognitionMode(string(s.RecognitionMode))))
	}

	if err := os.MkdirAll(filepath.Dir(path), settingsDirPerm); err != nil {
		return fmt.Errorf("cannot create settings directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write settings %s: %w", path, err)
	}
	return os.Chmod(path, settingsFilePerm)
}

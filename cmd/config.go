package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "crew"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage crew configuration.

Running bare 'crew config' is the same as 'crew config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# crew configuration
# See: crew config show (for effective values and sources)
# Every key can be overridden with CREW_<KEY>, dots become underscores
# (e.g. CREW_LOOP_INTERVAL=10s).

# SQLite database path (default: ~/.config/crew/crew.db)
# db_path: {{ .DBPath }}

# HTTP port for 'crew serve'
port: {{ .Port }}

log:
  # debug, info, warn or error
  level: {{ .LogLevel }}
  # text or json
  format: {{ .LogFormat }}

workspace:
  # Main branch for projects added without --main-branch
  main_branch: {{ .MainBranch }}

loop:
  # How often each project's control loop checks its workspaces
  interval: {{ .LoopInterval }}
  # Consecutive failed ticks before the loop reports DEGRADED
  failure_threshold: {{ .FailureThreshold }}
  # Archive idle, clean, unqueued workspaces without asking
  auto_archive: {{ .AutoArchive }}
  # Restart crashed or stalled agent sessions without asking
  auto_restart: {{ .AutoRestart }}

agent:
  # Command used to start an agent session in a workspace; the prompt is
  # appended as the last argument
  command: [{{ range $i, $a := .AgentCommand }}{{ if $i }}, {{ end }}"{{ $a }}"{{ end }}]

anthropic:
  # Optional: enables advice on the loop's suggested actions
  api_key: "{{ .AnthropicKey }}"
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	DBPath           string
	Port             int
	LogLevel         string
	LogFormat        string
	MainBranch       string
	LoopInterval     string
	FailureThreshold int
	AutoArchive      bool
	AutoRestart      bool
	AgentCommand     []string
	AnthropicKey     string
	AnthropicModel   string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		DBPath:           viper.GetString("db_path"),
		Port:             viper.GetInt("port"),
		LogLevel:         viper.GetString("log.level"),
		LogFormat:        viper.GetString("log.format"),
		MainBranch:       viper.GetString("workspace.main_branch"),
		LoopInterval:     viper.GetDuration("loop.interval").String(),
		FailureThreshold: viper.GetInt("loop.failure_threshold"),
		AutoArchive:      viper.GetBool("loop.auto_archive"),
		AutoRestart:      viper.GetBool("loop.auto_restart"),
		AgentCommand:     viper.GetStringSlice("agent.command"),
		AnthropicKey:     viper.GetString("anthropic.api_key"),
		AnthropicModel:   viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir"},
	{Key: "db_path"},
	{Key: "port"},
	{Key: "log.level"},
	{Key: "log.format"},
	{Key: "workspace.main_branch"},
	{Key: "workspace.op_timeout"},
	{Key: "loop.interval"},
	{Key: "loop.failure_threshold"},
	{Key: "loop.gather_timeout"},
	{Key: "loop.max_parallel"},
	{Key: "loop.idle_window"},
	{Key: "loop.review_window"},
	{Key: "loop.stall_window"},
	{Key: "loop.auto_archive"},
	{Key: "loop.auto_restart"},
	{Key: "loop.autostart"},
	{Key: "transport.scrollback_chunks"},
	{Key: "transport.client_buffer"},
	{Key: "transport.write_timeout"},
	{Key: "transport.kill_grace"},
	{Key: "transport.max_runtime"},
	{Key: "transport.ready_timeout"},
	{Key: "transport.rate_limit_quiet"},
	{Key: "agent.command"},
	{Key: "activity.bus_buffer"},
	{Key: "anthropic.api_key", Secret: true},
	{Key: "anthropic.model"},
}

func init() {
	for i := range configKeys {
		configKeys[i].EnvVar = envVarFor(configKeys[i].Key)
	}
}

// envVarFor maps a config key to its environment override.
func envVarFor(key string) string {
	return "CREW_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'crew config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}

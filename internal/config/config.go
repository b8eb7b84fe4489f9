package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the top-level Overseer configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Policy      PolicyConfig      `yaml:"policy"`
	Loop        LoopConfig        `yaml:"loop"`
	Confidence  ConfidenceConfig  `yaml:"confidence"`
	Stagnation  StagnationConfig  `yaml:"stagnation"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Human       HumanConfig       `yaml:"human"`
	Reasoner    ReasonerConfig    `yaml:"reasoner"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Audit       AuditConfig       `yaml:"audit"`
	Screening   ScreeningConfig   `yaml:"screening"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	LogLevel        string `yaml:"log_level"`
	AllowAllOrigins bool   `yaml:"allow_all_origins"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// PermissionsConfig is the operator-owned admin layer. Tools maps a tool
// name to one of auto, notify, confirm, approve.
type PermissionsConfig struct {
	Default string            `yaml:"default"`
	Tools   map[string]string `yaml:"tools"`
	Rules   []RuleConfig      `yaml:"rules"`
}

// RuleConfig raises the floor of a single call when Condition matches.
// Condition is a CEL expression over `tool` (string) and `args` (map).
type RuleConfig struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
	Level     string `yaml:"level"`
	Message   string `yaml:"message"`
}

type PolicyConfig struct {
	EscalateAfter   int `yaml:"escalate_after"`   // consecutive rejections before escalation
	DeescalateAfter int `yaml:"deescalate_after"` // consecutive approvals before de-escalation, 0 disables
}

type LoopConfig struct {
	ExactThreshold int     `yaml:"exact_threshold"` // K1
	NameThreshold  int     `yaml:"name_threshold"`  // K2
	LowConfidence  float64 `yaml:"low_confidence"`  // window average below this tightens K1/K2
}

type ConfidenceConfig struct {
	WindowSize       int     `yaml:"window_size"`
	Threshold        float64 `yaml:"threshold"`
	ConsecutiveSteps int     `yaml:"consecutive_steps"` // M
}

type StagnationConfig struct {
	Threshold           int      `yaml:"threshold"`
	Keywords            []string `yaml:"keywords"`
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	Window              int      `yaml:"window"`
}

type ExecutionConfig struct {
	MaxSteps           int           `yaml:"max_steps"`
	ReasonerRetries    int           `yaml:"reasoner_retries"`
	RetryBase          time.Duration `yaml:"retry_base"`
	RetryMax           time.Duration `yaml:"retry_max"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	ReflectionInterval int           `yaml:"reflection_interval"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
}

type SandboxConfig struct {
	OutputRoot    string   `yaml:"output_root"`
	ReadablePaths []string `yaml:"readable_paths"`
	PathKeys      []string `yaml:"path_keys"`
	ReadTools     []string `yaml:"read_tools"`
}

type HumanConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	HesitationThreshold time.Duration `yaml:"hesitation_threshold"`
	ApproveKeywords     []string      `yaml:"approve_keywords"`
	RejectKeywords      []string      `yaml:"reject_keywords"`
	AbortKeywords       []string      `yaml:"abort_keywords"`
	ConfirmKeywords     []string      `yaml:"confirm_keywords"`
}

type ReasonerConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
	// DedupWindow suppresses identical alerts for the same task and tool.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type AuditConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// ScreeningConfig controls the scan of tool output for instruction-like text.
type ScreeningConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Patterns []ScreenPattern `yaml:"patterns"` // added to the builtin set
}

type ScreenPattern struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"` // low, medium, high, critical
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// DefaultConfig returns a config with conservative defaults for zero-config startup.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:     "127.0.0.1:6790",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "overseer.db"),
		},
		Permissions: PermissionsConfig{
			Default: "confirm",
			Tools: map[string]string{
				"file_read": "auto",
				"file_list": "auto",
			},
		},
		Policy: PolicyConfig{
			EscalateAfter:   3,
			DeescalateAfter: 0,
		},
		Loop: LoopConfig{
			ExactThreshold: 3,
			NameThreshold:  4,
			LowConfidence:  0.5,
		},
		Confidence: ConfidenceConfig{
			WindowSize:       10,
			Threshold:        0.3,
			ConsecutiveSteps: 3,
		},
		Stagnation: StagnationConfig{
			Threshold: 2,
			Keywords: []string{
				"no progress", "stuck", "stagnant", "not making progress",
				"going in circles", "repeated", "ineffective",
				"没有进展", "未取得进展", "停滞", "陷入", "原地踏步",
				"没有推进", "无法推进", "效果不佳", "重复", "无效",
			},
			SimilarityThreshold: 0.9,
			Window:              3,
		},
		Execution: ExecutionConfig{
			MaxSteps:           50,
			ReasonerRetries:    3,
			RetryBase:          time.Second,
			RetryMax:           60 * time.Second,
			ToolTimeout:        2 * time.Minute,
			ReflectionInterval: 5,
			MaxConcurrentTasks: 4,
		},
		Sandbox: SandboxConfig{
			OutputRoot:    filepath.Join(dataDir, "output"),
			ReadablePaths: []string{"output", "."},
			PathKeys: []string{
				"path", "file_path", "filepath", "filename",
				"outputPath", "output_path", "savePath", "save_path",
			},
			ReadTools: []string{"file_read", "file_list"},
		},
		Human: HumanConfig{
			Timeout:             30 * time.Minute,
			HesitationThreshold: 30 * time.Second,
			ApproveKeywords:     []string{"approve", "yes", "y", "ok", "allow", "continue", "同意", "批准", "是", "好", "继续", "可以"},
			RejectKeywords:      []string{"reject", "no", "n", "deny", "skip", "skip this step", "拒绝", "否", "不", "跳过"},
			AbortKeywords: []string{
				"abort", "stop", "quit", "exit", "cancel", "terminate", "enough",
				"终止", "停止", "取消", "结束", "退出", "不做了", "不用了", "算了", "放弃", "中止", "停下", "别做了",
			},
			ConfirmKeywords: []string{"confirm", "lgtm", "done", "确认完成", "确认", "完成", "没问题"},
		},
		Reasoner: ReasonerConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o",
			APIKeyEnv: "OVERSEER_API_KEY",
			Timeout:   120 * time.Second,
		},
		Alerts: AlertsConfig{
			DedupWindow: time.Minute,
		},
		Audit: AuditConfig{
			NATS: NATSConfig{Subject: "overseer.audit"},
		},
		Screening: ScreeningConfig{Enabled: true},
	}
}

// Validate checks values that would otherwise silently weaken the kernel.
func (c *Config) Validate() error {
	var problems []string
	if c.Execution.MaxSteps <= 0 {
		problems = append(problems, "execution.max_steps must be positive")
	}
	if c.Execution.MaxConcurrentTasks <= 0 {
		problems = append(problems, "execution.max_concurrent_tasks must be positive")
	}
	if c.Execution.ReasonerRetries < 0 {
		problems = append(problems, "execution.reasoner_retries must not be negative")
	}
	if c.Loop.ExactThreshold < 2 {
		problems = append(problems, "loop.exact_threshold must be at least 2")
	}
	if c.Loop.NameThreshold < 2 {
		problems = append(problems, "loop.name_threshold must be at least 2")
	}
	if c.Confidence.WindowSize <= 0 {
		problems = append(problems, "confidence.window_size must be positive")
	}
	if c.Confidence.ConsecutiveSteps <= 0 {
		problems = append(problems, "confidence.consecutive_steps must be positive")
	}
	if c.Human.Timeout <= 0 {
		problems = append(problems, "human.timeout must be positive")
	}
	if c.Sandbox.OutputRoot == "" {
		problems = append(problems, "sandbox.output_root is required")
	}
	if c.Policy.EscalateAfter <= 0 {
		problems = append(problems, "policy.escalate_after must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".overseer"
	}
	return filepath.Join(home, ".overseer")
}

// Package config provides the backline configuration surface.
//
// Configuration is resolved in precedence order:
//
//	1. BACKLINE_* environment variables
//	2. .backline/config.yaml (searched from the working directory upward)
//	3. built-in defaults
//
// Runtime keys stored in the database config table are layered on top by the
// CLI where they apply (see cmd/bl).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/savornet/backline/internal/types"
)

// Recognized keys.
const (
	KeyFuzzyHigh         = "fusion.fuzzy_high"
	KeyFuzzyAmbiguous    = "fusion.fuzzy_ambiguous"
	KeySourceWeights     = "fusion.source_weights"
	KeyDefaultWeight     = "fusion.default_source_weight"
	KeyVariancePct       = "reason.variance_threshold_pct"
	KeyBOMDeviationFrac  = "reason.bom_deviation_fraction"
	KeyRulepack          = "reason.rulepack"
	KeyGraphURL          = "graph.url"
	KeyGraphTimeout      = "graph.timeout"
	KeySpoolDir          = "ingest.spool_dir"
	KeyWebhookURL        = "notify.webhook_url"
	KeyTaskWebhookURL    = "notify.task_webhook_url"
	KeyOpsDSN            = "opsdata.mysql_dsn"
	KeyBOMPack           = "bom.pack"
	KeyAIModel           = "summarize.model"
	keyRoutePrefix       = "dispatch.routes."
)

var v = viper.New()

func init() {
	// Defaults are live even before Initialize runs, so library callers that
	// never touch the CLI entry point still get sane thresholds.
	setDefaults(v)
}

// Initialize sets defaults, binds the BACKLINE_* environment, and reads
// .backline/config.yaml if one exists between the working directory and the
// filesystem root. Missing config files are not an error.
func Initialize() error {
	setDefaults(v)

	v.SetEnvPrefix("BACKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir := findConfigDir(); dir != "" {
		v.AddConfigPath(dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".backline"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// errorsAs is a tiny indirection so Initialize reads cleanly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	t, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = t
	}
	return ok
}

// findConfigDir walks from the working directory upward looking for a
// .backline directory, mirroring how the CLI discovers its database.
func findConfigDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".backline")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func setDefaults(v *viper.Viper) {
	// Fuzzy-match thresholds. The ambiguous band [ambiguous, high) attaches
	// with conflict_flag=true for manual review. Cutoffs are tunable, not
	// contracts; defaults chosen against mixed CJK/latin catalog names.
	v.SetDefault(KeyFuzzyHigh, 0.86)
	v.SetDefault(KeyFuzzyAmbiguous, 0.72)

	// Per-source reliability weights used as creation confidence for brand-new
	// entities. Sources with a clean track record score higher than ad-hoc input.
	v.SetDefault(KeySourceWeights, map[string]float64{
		"pinzhi":  0.90,
		"meituan": 0.85,
		"eleme":   0.85,
		"pos":     0.80,
		"manual":  0.60,
	})
	v.SetDefault(KeyDefaultWeight, 0.70)

	// Reasoner thresholds
	v.SetDefault(KeyVariancePct, 10.0)
	v.SetDefault(KeyBOMDeviationFrac, 0.15)
	v.SetDefault(KeyRulepack, "")

	// Severity -> channel routing
	v.SetDefault(keyRoutePrefix+"p1", []string{"webhook", "task"})
	v.SetDefault(keyRoutePrefix+"p2", []string{"webhook", "task"})
	v.SetDefault(keyRoutePrefix+"p3", []string{"log"})

	// External collaborators
	v.SetDefault(KeyGraphURL, "")
	v.SetDefault(KeyGraphTimeout, "5s")
	v.SetDefault(KeyWebhookURL, "")
	v.SetDefault(KeyTaskWebhookURL, "")
	v.SetDefault(KeyOpsDSN, "")
	v.SetDefault(KeyBOMPack, "")

	v.SetDefault(KeySpoolDir, filepath.Join(".backline", "spool"))

	v.SetDefault(KeyAIModel, "claude-3-5-haiku-latest")
}

// FuzzyHigh returns the similarity threshold at or above which a fuzzy match
// attaches without review.
func FuzzyHigh() float64 { return v.GetFloat64(KeyFuzzyHigh) }

// FuzzyAmbiguous returns the lower bound of the ambiguous band.
func FuzzyAmbiguous() float64 { return v.GetFloat64(KeyFuzzyAmbiguous) }

// SourceWeight returns the creation confidence for a new entity first seen
// from the given source.
func SourceWeight(source string) float64 {
	weights := v.GetStringMap(KeySourceWeights)
	if w, ok := weights[strings.ToLower(source)]; ok {
		switch val := w.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		}
	}
	return v.GetFloat64(KeyDefaultWeight)
}

// VarianceThresholdPct returns the inventory-variance flag threshold in percent.
func VarianceThresholdPct() float64 { return v.GetFloat64(KeyVariancePct) }

// BOMDeviationFraction returns the BOM-deviation anomaly threshold as a
// fraction of expected consumption.
func BOMDeviationFraction() float64 { return v.GetFloat64(KeyBOMDeviationFrac) }

// RulepackPath returns the optional YAML rulepack path ("" = builtin rules only).
func RulepackPath() string { return v.GetString(KeyRulepack) }

// RuleThreshold returns a per-rule threshold override
// (reason.rule_thresholds.<rule-id>), if one is configured.
func RuleThreshold(ruleID string) (float64, bool) {
	key := "reason.rule_thresholds." + ruleID
	if !v.IsSet(key) {
		return 0, false
	}
	return v.GetFloat64(key), true
}

// GraphURL returns the causal graph base URL ("" = graph disabled).
func GraphURL() string { return v.GetString(KeyGraphURL) }

// GraphTimeout returns the per-call graph timeout.
func GraphTimeout() time.Duration {
	d := v.GetDuration(KeyGraphTimeout)
	if d <= 0 {
		d = 5 * time.Second
	}
	return d
}

// Routes returns the channel names configured for a severity.
func Routes(sev types.Severity) []string {
	return v.GetStringSlice(keyRoutePrefix + strings.ToLower(string(sev)))
}

// WebhookURL returns the notification webhook endpoint ("" = disabled).
func WebhookURL() string { return v.GetString(KeyWebhookURL) }

// TaskWebhookURL returns the task-creation webhook endpoint ("" = disabled).
func TaskWebhookURL() string { return v.GetString(KeyTaskWebhookURL) }

// OpsDSN returns the MySQL DSN of the platform mirror ("" = offline mode).
func OpsDSN() string { return v.GetString(KeyOpsDSN) }

// BOMPackPath returns the TOML recipe pack path ("" = none).
func BOMPackPath() string { return v.GetString(KeyBOMPack) }

// SpoolDir returns the ingest spool directory.
func SpoolDir() string { return v.GetString(KeySpoolDir) }

// AIModel returns the Anthropic model used for report narratives.
func AIModel() string { return v.GetString(KeyAIModel) }

// Set overrides one key at runtime. Used by the CLI to layer db-stored
// runtime keys and flag values over the file/env configuration.
func Set(key string, value any) { v.Set(key, value) }

// Reset restores a pristine viper instance with defaults only. Test helper.
func Reset() {
	v = viper.New()
	setDefaults(v)
}

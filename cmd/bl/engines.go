package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/savornet/backline/internal/bom"
	"github.com/savornet/backline/internal/causal"
	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/dispatch"
	"github.com/savornet/backline/internal/fusion"
	"github.com/savornet/backline/internal/opsdata"
	"github.com/savornet/backline/internal/reason"
	"github.com/savornet/backline/internal/types"
)

// newGraph returns the configured causal-graph adapter, or a no-op when no
// graph URL is set. Fusion and reasoning both degrade cleanly without one.
func newGraph() causal.Graph {
	if url := config.GraphURL(); url != "" {
		return causal.NewHTTPGraph(url, config.GraphTimeout())
	}
	return causal.Noop{}
}

func newResolver() *fusion.Resolver {
	return fusion.NewResolver(store, newGraph(), fusion.Options{})
}

// newProvider opens the platform-mirror MySQL connection when a DSN is
// configured. Without one the reasoner runs on resolver data alone.
func newProvider() (opsdata.Provider, func(), error) {
	dsn := config.OpsDSN()
	if dsn == "" {
		return &opsdata.Static{}, func() {}, nil
	}
	m, err := opsdata.OpenMySQL(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect ops mirror: %w", err)
	}
	return m, func() { _ = m.Close() }, nil
}

// loadBOMPack merges builtin recipes with the project-dir user pack and any
// explicitly configured pack file. Later layers override by recipe id.
func loadBOMPack() *bom.Pack {
	dir := ".backline"
	if dbPath != "" {
		dir = filepath.Dir(dbPath)
	}
	pack, err := bom.Merged(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: recipe pack: %v (using builtin recipes)\n", err)
		fallback := bom.Pack{Recipes: maps.Clone(bom.BuiltinPack.Recipes)}
		pack = &fallback
	}
	if path := config.BOMPackPath(); path != "" {
		user, err := bom.LoadPackFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			for id, r := range user.Recipes {
				pack.Recipes[id] = r
			}
		}
	}
	return pack
}

// loadRulesets resolves the active rule catalog: builtin rules, with any
// dimensions a configured rulepack mentions replaced wholesale.
func loadRulesets() (map[types.Dimension][]reason.Rule, error) {
	path := config.RulepackPath()
	if path == "" {
		return nil, nil // engine falls back to builtin rules per dimension
	}
	pack, err := reason.LoadRulepack(path)
	if err != nil {
		return nil, fmt.Errorf("load rulepack %s: %w", path, err)
	}
	return pack.RuleSets(), nil
}

func newReasonEngine() (*reason.Engine, func(), error) {
	provider, closeProvider, err := newProvider()
	if err != nil {
		return nil, nil, err
	}
	rulesets, err := loadRulesets()
	if err != nil {
		closeProvider()
		return nil, nil, err
	}
	engine := reason.NewEngine(store, provider, newGraph(), loadBOMPack(), rulesets, reason.Options{})
	return engine, closeProvider, nil
}

// newDispatcher wires the configured delivery channels. The log channel is
// always present; webhook and task channels join when their URLs are set.
func newDispatcher() *dispatch.Dispatcher {
	var channels []dispatch.Notifier
	if url := config.WebhookURL(); url != "" {
		channels = append(channels, dispatch.NewWebhookNotifier(url, 0))
	}
	if url := config.TaskWebhookURL(); url != "" {
		channels = append(channels, dispatch.NewTaskWebhookNotifier(url, 0))
	}
	return dispatch.NewDispatcher(store, channels, dispatch.Options{})
}

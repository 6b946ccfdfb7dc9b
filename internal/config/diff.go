package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	EngineChanged bool
	NewEngine     EngineConfig

	LLMChanged bool
	NewLLM     LLMConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	NotifyChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.EngineChanged ||
		d.LLMChanged ||
		d.SchedulerChanged ||
		d.NotifyChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name, newDef := range new.Agents {
		oldDef, ok := old.Agents[name]
		switch {
		case !ok:
			d.AgentsAdded = append(d.AgentsAdded, name)
		case !reflect.DeepEqual(oldDef, newDef):
			d.AgentsChanged = append(d.AgentsChanged, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	sort.Strings(d.AgentsAdded)
	sort.Strings(d.AgentsRemoved)
	sort.Strings(d.AgentsChanged)

	if !reflect.DeepEqual(old.Engine, new.Engine) {
		d.EngineChanged = true
		d.NewEngine = new.Engine
	}

	if old.LLM != new.LLM {
		d.LLMChanged = true
		d.NewLLM = new.LLM
	}

	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if !reflect.DeepEqual(old.Telegram.ChatIDs, new.Telegram.ChatIDs) || old.Webhook != new.Webhook {
		d.NotifyChanged = true
	}

	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store != new.Store {
		d.NonReloadable = append(d.NonReloadable, "store")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}

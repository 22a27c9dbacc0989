package main

import (
	"fmt"
	"strings"

	"github.com/antigravity-dev/asanasync/internal/config"
)

// validateRuntimeConfigReload rejects changes that only take effect on
// restart, so a reload never leaves the process half-applied.
func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}

	restartOnly := []struct {
		name     string
		old, new string
	}{
		{"state_db", oldCfg.General.StateDB, newCfg.General.StateDB},
		{"lock_file", oldCfg.General.LockFile, newCfg.General.LockFile},
		{"log_file", oldCfg.General.LogFile, newCfg.General.LogFile},
		{"api.bind", oldCfg.API.Bind, newCfg.API.Bind},
		{"asana.base_url", oldCfg.Asana.BaseURL, newCfg.Asana.BaseURL},
		{"temporal.host_port", oldCfg.Temporal.HostPort, newCfg.Temporal.HostPort},
		{"temporal.namespace", oldCfg.Temporal.Namespace, newCfg.Temporal.Namespace},
		{"temporal.task_queue", oldCfg.Temporal.TaskQueue, newCfg.Temporal.TaskQueue},
		{"temporal.schedule_id", oldCfg.Temporal.ScheduleID, newCfg.Temporal.ScheduleID},
	}
	for _, f := range restartOnly {
		if strings.TrimSpace(f.old) != strings.TrimSpace(f.new) {
			return fmt.Errorf("%s changed (%q -> %q) and requires restart", f.name, f.old, f.new)
		}
	}
	if oldCfg.Temporal.Enabled != newCfg.Temporal.Enabled {
		return fmt.Errorf("temporal.enabled changed and requires restart")
	}
	return nil
}

// guardedManager is a config manager whose Reload refuses restart-only
// changes. SIGHUP and the file watcher both reload through it.
type guardedManager struct {
	*config.RWMutexManager
}

func (g guardedManager) Reload(path string) error {
	next, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := validateRuntimeConfigReload(g.Get(), next); err != nil {
		return err
	}
	g.Set(next)
	return nil
}

var _ config.ConfigManager = guardedManager{}

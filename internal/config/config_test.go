package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"showline/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Lifecycle.Timezone != "UTC" || cfg.Lifecycle.PostShowTransitionHour != 6 {
		t.Fatalf("unexpected lifecycle defaults %+v", cfg.Lifecycle)
	}
	if cfg.CompletionGrace() != 72*time.Hour || cfg.CacheTTL() != 10*time.Minute {
		t.Fatalf("unexpected durations %s %s", cfg.CompletionGrace(), cfg.CacheTTL())
	}
	owner := cfg.RBAC.Roles["owner"]
	if len(owner.Permissions) != 12 {
		t.Fatalf("owner should hold every permission, got %v", owner.Permissions)
	}
	sched := cfg.DefaultSchedule()
	if sched.ArchiveMonth != 1 || sched.ArchiveDay != 15 || sched.RehearsalStartDate != nil {
		t.Fatalf("unexpected default schedule %+v", sched)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"timezone":  "lifecycle:\n  timezone: Atlantis/Capital\n",
		"hour":      "lifecycle:\n  post_show_transition_hour: 30\n",
		"archive":   "lifecycle:\n  archive_month: 4\n  archive_day: 31\n",
		"grace":     "lifecycle:\n  completion_grace: soon\n",
		"backend":   "cache:\n  backend: memcached\n",
		"redis":     "cache:\n  backend: redis\n",
		"ttl":       "cache:\n  ttl: -1m\n",
		"sweep":     "sweep:\n  concurrency: -2\n",
		"owner":     "rbac:\n  roles:\n    viewer:\n      permissions: [phase.read]\n",
		"emptyperm": "rbac:\n  roles:\n    owner:\n      permissions: ['']\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := FromYAML([]byte("lifecycle: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil || cfg.Cache.Backend != "memory" {
		t.Fatalf("expected default config, got %+v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	doc := "lifecycle:\n  timezone: Europe/London\n  archive_month: 2\n  archive_day: 29\ncache:\n  backend: redis\n  redis:\n    addr: localhost:6379\n"
	if err := os.WriteFile(Path(dir), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lifecycle.Timezone != "Europe/London" || cfg.Cache.Redis.Addr != "localhost:6379" || cfg.Lifecycle.ArchiveDay != 29 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateSchedule(t *testing.T) {
	s := func(v string) *string { return &v }
	valid := []Schedule{
		{},
		{Timezone: "America/Chicago", ArchiveMonth: 2, ArchiveDay: 29, PostShowTransitionHour: 23},
		{RehearsalStartDate: s("2024-05-01"), ShowEndDate: s("2024-05-01")},
	}
	for i, sched := range valid {
		if err := ValidateSchedule(sched); err != nil {
			t.Fatalf("valid case %d: %v", i, err)
		}
	}
	invalid := []Schedule{
		{PostShowTransitionHour: -1},
		{ArchiveMonth: 13, ArchiveDay: 1},
		{ArchiveMonth: 1},
		{ArchiveMonth: 6, ArchiveDay: 31},
		{RehearsalStartDate: s("05/01/2024")},
		{RehearsalStartDate: s("2024-05-02"), ShowEndDate: s("2024-05-01")},
	}
	for i, sched := range invalid {
		err := ValidateSchedule(sched)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("invalid case %d: expected validation error, got %v", i, err)
		}
	}
}

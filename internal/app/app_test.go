package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"tweetup/internal/config"
	"tweetup/internal/dispatch"
	"tweetup/internal/reminder"
	logx "tweetup/pkg/logx"
)

// 2024-01-01 is a Monday.
var monday0800 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu     sync.Mutex
	states []string
}

func (f *fakeNotifier) Notify(state string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return true, nil
}

func (f *fakeNotifier) WatchdogInterval() (time.Duration, error) { return 0, nil }

func (f *fakeNotifier) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.states...)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tweetup.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const appConfig = `
logging:
  level: error
storage:
  driver: memory
dispatch:
  seed: 1
reminders:
  - id: t1
    payload_ref: tweet:1
    policy: "09:00"
  - id: t2
    payload_ref: tweet:2
    policy: "random:1h-3h"
`

func TestAppStartSyncsDeclaredReminders(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(monday0800)
	sd := &fakeNotifier{}
	a, err := NewApp(writeConfig(t, appConfig), WithClock(clk), withNotifier(sd))
	if err != nil {
		t.Fatalf("NewApp error: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	list, err := a.Registry().List(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("List = %d entries, %v", len(list), err)
	}
	t1, err := a.Registry().Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get t1: %v", err)
	}
	if want := monday0800.Add(time.Hour); !t1.NextFire.Equal(want) {
		t.Fatalf("t1 NextFire = %v, want %v", t1.NextFire, want)
	}

	// reload: t2 removed, t1 moved, t3 added
	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Reminders = []config.ReminderConfig{
		{ID: "t1", PayloadRef: "tweet:1", Policy: "10:00"},
		{ID: "t3", PayloadRef: "tweet:3", Preset: &config.PresetConfig{Frequency: "daily", StartTime: "18:30"}},
	}
	newCfg.Dispatch.BatchLimit = 5
	a.applyConfig(ctx, oldCfg, &newCfg)

	if _, err := a.Registry().Get(ctx, "t2"); !errors.Is(err, reminder.ErrItemNotFound) {
		t.Fatalf("t2 still present: %v", err)
	}
	t1, _ = a.Registry().Get(ctx, "t1")
	if want := monday0800.Add(2 * time.Hour); !t1.NextFire.Equal(want) {
		t.Fatalf("t1 NextFire after reload = %v, want %v", t1.NextFire, want)
	}
	t3, err := a.Registry().Get(ctx, "t3")
	if err != nil {
		t.Fatalf("Get t3: %v", err)
	}
	if want := time.Date(2024, 1, 1, 18, 30, 0, 0, time.UTC); !t3.NextFire.Equal(want) {
		t.Fatalf("t3 NextFire = %v, want %v", t3.NextFire, want)
	}

	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	states := sd.seen()
	if len(states) < 2 || states[0] != "READY=1" || states[len(states)-1] != "STOPPING=1" {
		t.Fatalf("systemd states = %v", states)
	}
}

func TestNewAppFailsOnCorruptStore(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "sched")
	if err := os.WriteFile(prefix+".snapshot.json", []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, "logging:\n  level: error\nstorage:\n  driver: file\n  path: "+prefix+"\n")
	_, err := NewApp(path, withNotifier(&fakeNotifier{}))
	if !errors.Is(err, reminder.ErrCorrupt) {
		t.Fatalf("NewApp err = %v, want ErrCorrupt", err)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "reminders:\n  - id: a\n    policy: \"random:0s-1h\"\n")
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestBuildSinkDefaultsToLog(t *testing.T) {
	s, err := buildSink(&config.Config{}, logx.Nop())
	if err != nil || s == nil {
		t.Fatalf("buildSink = %v, %v", s, err)
	}
	_, err = buildSink(&config.Config{Sink: config.SinkConfig{
		Webhook: &config.WebhookSink{Enabled: true, URL: "https://example.com/hook", Timeout: "bogus"},
	}}, logx.Nop())
	if err == nil {
		t.Fatal("expected error for bad webhook timeout")
	}
}

func TestMapDispatchConfigDefaults(t *testing.T) {
	dc, err := mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{RetryBase: "2s", BatchLimit: 7}})
	if err != nil {
		t.Fatalf("mapDispatchConfig error: %v", err)
	}
	def := dispatch.DefaultConfig()
	if dc.RetryBase != 2*time.Second || dc.BatchLimit != 7 {
		t.Fatalf("explicit fields not kept: %+v", dc)
	}
	if dc.RetryMaxDelay != def.RetryMaxDelay || dc.DeliveryTimeout != def.DeliveryTimeout {
		t.Fatalf("unset fields = %+v, want defaults %+v", dc, def)
	}
	if _, err := mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{DeliveryTimeout: "-5s"}}); err == nil {
		t.Fatal("expected error for negative delivery_timeout")
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := MapStorageConfig(&config.Config{Storage: config.StorageConfig{
		Driver:      " SQLite ",
		Path:        "./x.db",
		BusyTimeout: "2s",
		Redis:       &config.RedisConfig{Addr: "localhost:6379", DialTimeout: "1s"},
	}})
	if err != nil {
		t.Fatalf("MapStorageConfig error: %v", err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second || sc.Redis.DialTimeout != time.Second {
		t.Fatalf("unexpected mapping %+v", sc)
	}
}

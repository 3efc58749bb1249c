package app

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"metrobot/internal/config"
	"metrobot/internal/notifier"
	"metrobot/internal/storage"
	"metrobot/internal/transport"
)

func TestMapNotifierConfig(t *testing.T) {
	got, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.DedupWindow != notifier.DefaultDedupWindow {
		t.Fatalf("omitted section = %+v", got)
	}

	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{
		Enabled:       true,
		Workers:       2,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
		DedupWindow:   "",
	}})
	if err != nil {
		t.Fatal(err)
	}
	want := notifier.Config{
		Enabled:       true,
		Workers:       2,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		DedupWindow:   notifier.DefaultDedupWindow,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{DedupWindow: "soon"}}); err == nil {
		t.Fatal("bad dedup_window accepted")
	}
}

func TestStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		in      *config.StorageConfig
		want    storage.Config
		wantErr string
	}{
		{name: "omitted"},
		{name: "none", in: &config.StorageConfig{Driver: "none", Path: "x"}},
		{name: "file", in: &config.StorageConfig{Driver: " File ", Path: "./data"}, want: storage.Config{Driver: "file", Path: "./data"}},
		{
			name: "sqlite default busy timeout",
			in:   &config.StorageConfig{Driver: "sqlite", Path: "m.db"},
			want: storage.Config{Driver: "sqlite", Path: "m.db", BusyTimeout: time.Second},
		},
		{
			name: "sqlite busy timeout",
			in:   &config.StorageConfig{Driver: "sqlite3", Path: "m.db", BusyTimeout: "3s"},
			want: storage.Config{Driver: "sqlite3", Path: "m.db", BusyTimeout: 3 * time.Second},
		},
		{name: "sqlite without path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: "storage.path is required"},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis"}, wantErr: "unknown storage.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapAnnouncerConfig(t *testing.T) {
	cfg := &config.Config{Announce: config.AnnounceConfig{
		SegmentThreshold: 4,
		OperationalLike:  []string{"operational", "5"},
		Timezone:         "UTC",
	}}
	got, err := mapAnnouncerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.SegmentThreshold != 4 || len(got.OperationalLike) != 2 || got.Location.String() != "UTC" {
		t.Fatalf("announcer config = %+v", got)
	}

	cfg.Announce.Timezone = "Mars/Olympus"
	if _, err := mapAnnouncerConfig(cfg); err == nil {
		t.Fatal("bad timezone accepted")
	}
}

func TestMapTargetsSkipsZeroChat(t *testing.T) {
	got := mapTargets([]config.ChatTarget{{ChatID: -100, ThreadID: 7}, {}, {ChatID: 42}})
	want := []transport.ChatTarget{{ChatID: -100, ThreadID: 7}, {ChatID: 42}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulesDefaults(t *testing.T) {
	poll, check := schedules(&config.Config{})
	if poll != "1m" || check != "30s" {
		t.Fatalf("defaults = %q, %q", poll, check)
	}
	poll, check = schedules(&config.Config{
		Network:   config.NetworkConfig{PollSchedule: " */2 * * * * "},
		Overrides: config.OverridesConfig{CheckSchedule: "00:05"},
	})
	if poll != "*/2 * * * *" || check != "00:05" {
		t.Fatalf("schedules = %q, %q", poll, check)
	}
}

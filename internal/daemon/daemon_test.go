package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/instance"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/relay"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
)

// shortHome points RELAY_HOME at a short /tmp path; Unix socket paths are
// limited to 104 chars on macOS.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "relay-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(instance.HomeEnv, dir)
	return dir
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_STORE_BACKEND", "sqlite")
	t.Setenv("RELAY_LISTEN_ADDR", "127.0.0.1:0")
	t.Setenv("RELAY_LOG_LEVEL", "warn")
}

func waitStatus(t *testing.T, c *Client, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		got, err := c.Status(ctx, ServiceName)
		cancel()
		if err == nil && got == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("status = %v (err %v), want %v", got, err, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{InstanceName: "fxtest"})); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t)
	sqliteEnv(t)

	var web *transport.Server
	var cfg *config.Config
	var core *relay.Core
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{InstanceName: "test"}),
		fx.Populate(&web, &cfg, &core),
	)
	app.RequireStart()

	if !strings.HasPrefix(core.InstanceID(), "test-") {
		t.Errorf("InstanceID() = %q, want test- prefix", core.InstanceID())
	}

	if cfg.AdminSocket != instance.SocketPath("test") {
		t.Errorf("AdminSocket = %q, want default %q", cfg.AdminSocket, instance.SocketPath("test"))
	}

	client, err := Dial(cfg.AdminSocket)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()
	waitStatus(t, client, healthpb.HealthCheckResponse_SERVING)

	resp, err := http.Get("http://" + web.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", resp.StatusCode)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+web.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer func() { _ = ws.Close() }()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","user":{"uid":"a","name":"A"}}`)); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Type string `json:"type"`
	}
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read init: %v", err)
	}
	if frame.Type != "init" {
		t.Errorf("first frame = %q, want init", frame.Type)
	}

	app.RequireStop()

	if _, err := os.Stat(cfg.AdminSocket); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("admin socket still present after stop: %v", err)
	}
	// The lock is released on stop.
	l, err := lock.Acquire(instance.LockPath("test"), "test")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = l.Release()

	// Shutdown retired this instance's heartbeat.
	db, _, err := store.OpenMigrated(cfg.Store.SQLitePath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	beats, err := db.HGetAll(context.Background(), "instances")
	if err != nil {
		t.Fatal(err)
	}
	if len(beats) != 0 {
		t.Errorf("instances = %v, want none after shutdown", beats)
	}
}

func TestConfigFileAndSocketOverride(t *testing.T) {
	home := shortHome(t)
	sqliteEnv(t)

	cfgPath := filepath.Join(home, "custom.toml")
	custom := config.Default()
	custom.Queue.GlobalMax = 7
	if err := config.Save(cfgPath, custom); err != nil {
		t.Fatal(err)
	}
	socket := filepath.Join(home, "a.sock")

	cfg, err := provideConfig(Params{InstanceName: "edge", ConfigPath: cfgPath, SocketPath: socket})
	if err != nil {
		t.Fatalf("provideConfig() error = %v", err)
	}
	if cfg.Queue.GlobalMax != 7 {
		t.Errorf("GlobalMax = %d, want 7", cfg.Queue.GlobalMax)
	}
	if cfg.AdminSocket != socket {
		t.Errorf("AdminSocket = %q, want %q", cfg.AdminSocket, socket)
	}
	if cfg.Store.SQLitePath != instance.DBPath("edge") {
		t.Errorf("SQLitePath = %q, want %q", cfg.Store.SQLitePath, instance.DBPath("edge"))
	}
	if cfg.LogPath != instance.LogPath("edge") {
		t.Errorf("LogPath = %q, want %q", cfg.LogPath, instance.LogPath("edge"))
	}
}

func TestSecondSQLiteInstanceRefused(t *testing.T) {
	shortHome(t)
	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQLite
	p := Params{InstanceName: "solo"}

	first, err := provideLock(p, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Release() }()

	_, err = provideLock(p, cfg, zap.NewNop())
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second provideLock() error = %v, want HeldError", err)
	}
}

func TestRedisBackendTakesNoLock(t *testing.T) {
	shortHome(t)
	l, err := provideLock(Params{InstanceName: "shared"}, config.Default(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if l != nil {
		t.Error("redis backend must not lock the instance dir")
	}
}

func TestBusFollowsStoreBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Store.RedisURL = "redis://" + mr.Addr()

	rs, err := provideStore(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("provideStore(redis) error = %v", err)
	}
	defer func() { _ = rs.Close() }()
	if _, ok := provideBus(rs).(*bus.Redis); !ok {
		t.Error("redis store must pair with the redis bus")
	}

	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "relay.db")
	db, err := provideStore(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("provideStore(sqlite) error = %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, ok := provideBus(db).(*bus.Local); !ok {
		t.Error("sqlite store must pair with the in-process bus")
	}
}

func TestAdminServerHealth(t *testing.T) {
	home := shortHome(t)
	cfg := config.Default()
	cfg.AdminSocket = filepath.Join(home, "h.sock")

	srv, err := NewServer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	info, err := os.Stat(cfg.AdminSocket)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	go func() { _ = srv.Start() }()

	client, err := Dial(cfg.AdminSocket)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()
	waitStatus(t, client, healthpb.HealthCheckResponse_SERVING)

	srv.Stop(context.Background())
	if _, err := os.Stat(cfg.AdminSocket); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after Stop: %v", err)
	}
}

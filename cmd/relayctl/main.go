package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/daemon"
	"github.com/matheus3301/relay/internal/instance"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	socketFlag := flag.String("socket", "", "admin socket path (overrides instance default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "health":
		cmdHealth(ctx, name, socketPath(name, *socketFlag), *jsonFlag)
	case "instances":
		if len(args) >= 2 && args[1] == "list" {
			cmdInstancesList(ctx, *jsonFlag)
		} else {
			fmt.Fprintln(os.Stderr, "usage: relayctl instances list")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: relayctl [--instance <name>] [--socket <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  health           Show daemon serving status")
	fmt.Fprintln(os.Stderr, "  instances list   List known instances")
}

// socketPath prefers the flag, then admin_socket from the instance's
// relay.toml, then the default location.
func socketPath(name, override string) string {
	if override != "" {
		return override
	}
	if cfg, err := config.Load(instance.ConfigPath(name)); err == nil && cfg.AdminSocket != "" {
		return cfg.AdminSocket
	}
	return instance.SocketPath(name)
}

type healthResult struct {
	Instance string `json:"instance"`
	Socket   string `json:"socket"`
	Status   string `json:"status"`
}

func cmdHealth(ctx context.Context, name, socket string, jsonOut bool) {
	status, err := probe(ctx, socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon for instance %q: %v\n", name, err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(healthResult{Instance: name, Socket: socket, Status: status.String()})
	} else {
		fmt.Printf("Instance: %s\n", name)
		fmt.Printf("Status:   %s\n", status)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
}

func probe(ctx context.Context, socket string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	c, err := daemon.Dial(socket)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer func() { _ = c.Close() }()
	return c.Status(ctx, daemon.ServiceName)
}

func cmdInstancesList(ctx context.Context, jsonOut bool) {
	entries, err := os.ReadDir(instance.Root())
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var results []healthResult
	for _, e := range entries {
		if !e.IsDir() || instance.ValidateName(e.Name()) != nil {
			continue
		}
		socket := socketPath(e.Name(), "")
		status := "stopped"
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		if s, err := probe(probeCtx, socket); err == nil {
			status = s.String()
		}
		cancel()
		results = append(results, healthResult{Instance: e.Name(), Socket: socket, Status: status})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Instance < results[j].Instance })

	if jsonOut {
		outputJSON(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("No instances found.")
		return
	}
	for _, r := range results {
		fmt.Printf("%-20s %s (%s)\n", r.Instance, r.Socket, r.Status)
	}
}

func outputJSON(v any) {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/emberlink/emberlink/internal/agent"
	"github.com/emberlink/emberlink/internal/config"
	"github.com/emberlink/emberlink/internal/gateway"
	"github.com/emberlink/emberlink/internal/pairing"
	"github.com/emberlink/emberlink/pkg/core"
	"github.com/emberlink/emberlink/pkg/types"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	var err error
	switch os.Args[1] {
	case "agent":
		err = runAgent(log)
	case "gateway":
		err = runGateway(log)
	case "pair":
		err = runPair(os.Args[2:])
	case "config":
		err = showConfig()
	case "version":
		fmt.Printf("emberlink %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("EmberLink - secure device-to-gateway packet link")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  emberlink agent              Run the device agent (readings as JSON lines on stdin)")
	fmt.Println("  emberlink gateway            Run the gateway receiver")
	fmt.Println("  emberlink pair <device-id>   Provision a new device")
	fmt.Println("  emberlink config             Show the active configuration")
	fmt.Println("  emberlink version            Show version")
	fmt.Println("  emberlink help               Show this help")
}

func runAgent(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := core.NewAgent(cfg, newStdinSource(), log)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("EmberLink agent %s started (device %s, gateway %s)\n",
		version, cfg.DeviceID, cfg.Agent.GatewayUDP)
	fmt.Println("Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func runGateway(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	g, err := core.NewGateway(cfg, log)
	if err != nil {
		return err
	}
	defer g.Close()

	fmt.Printf("EmberLink gateway %s started\n", version)
	fmt.Printf("  UDP:     %s\n", cfg.Gateway.UDPAddr)
	fmt.Printf("  WS:      %s/ingest\n", cfg.Gateway.WSAddr)
	fmt.Printf("  Metrics: %s/metrics\n", cfg.Gateway.MetricsAddr)
	fmt.Println("Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return g.Run(ctx)
}

func runPair(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: emberlink pair <device-id>")
	}
	deviceID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	provisioner := pairing.NewProvisioner(
		cfg.Agent.GatewayUDP, cfg.Agent.GatewayWS, cfg.DeviceID)
	bundle, key, err := provisioner.Issue(deviceID)
	if err != nil {
		return err
	}

	// The gateway picks the key up through its directory watcher.
	keyPath, err := gateway.WriteKeyFile(cfg.Gateway.KeysDir, deviceID, key)
	if err != nil {
		return err
	}

	url, err := pairing.EncodeURL(bundle)
	if err != nil {
		return err
	}

	qrPath := filepath.Join(filepath.Dir(keyPath), deviceID+"-pair.png")
	png, err := pairing.EncodeQR(bundle)
	if err != nil {
		return err
	}
	if err := os.WriteFile(qrPath, png, 0600); err != nil {
		return err
	}

	fmt.Printf("Device %s provisioned\n", deviceID)
	fmt.Printf("  Key file: %s\n", keyPath)
	fmt.Printf("  QR code:  %s\n", qrPath)
	fmt.Printf("  URL:      %s\n", url)
	fmt.Println()
	fmt.Println("Scan the QR code on the device, or copy the key file to its")
	fmt.Println("agent.key_file path. The bundle expires in 15 minutes.")
	return nil
}

func showConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// stdinSource feeds the agent from newline-delimited JSON readings, the
// hand-off format of the local inference process.
type stdinSource struct {
	scanner *bufio.Scanner
}

func newStdinSource() *stdinSource {
	return &stdinSource{scanner: bufio.NewScanner(os.Stdin)}
}

func (s *stdinSource) Next(ctx context.Context) (types.Reading, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r types.Reading
		if err := json.Unmarshal(line, &r); err != nil {
			slog.Debug("skipping unparseable reading", "error", err)
			continue
		}
		return r, nil
	}
	if err := s.scanner.Err(); err != nil {
		return types.Reading{}, err
	}
	return types.Reading{}, fmt.Errorf("reading source closed")
}

var _ agent.Source = (*stdinSource)(nil)

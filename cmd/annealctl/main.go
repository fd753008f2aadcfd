// Command annealctl runs an annealing furnace and its process gas from a
// line-oriented operator console.
//
// It drives a Yokogawa UP150 temperature controller and an MKS 647B
// mass-flow controller over two serial ports, polls both every interval,
// and keeps the gas flow in step with the furnace program.
//
// Environment variables (also read from a .env file in the working
// directory; command-line flags take precedence):
//
//	ANNEAL_FURNACE_PORT  - furnace serial device (default: /dev/ttyUSB1)
//	ANNEAL_MFC_PORT      - mass-flow controller serial device (default: /dev/ttyUSB0)
//	ANNEAL_POLL_INTERVAL - polling interval (default: 40s)
//	ANNEAL_MFC_CHANNEL   - process gas channel (default: 1)
//	ANNEAL_LOG_LEVEL     - debug, info, warn or error (default: info)
//	ANNEAL_SIMULATE      - run against simulated instruments (default: false)
//	ANNEAL_SIM_MINUTE    - duration of one simulated minute (default: 1s)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arloliu/go-anneal/devsim"
	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/serialport"
	"github.com/arloliu/go-anneal/up150"
)

// shutdownTimeout bounds the safe shutdown sequence.
const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() (code int) {
	if err := loadEnvFile(DefaultEnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "annealctl: failed to load .env file:", err)
		return 2
	}

	cfg, err := parseConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "annealctl:", err)
		return 2
	}

	log := logger.NewSlogWriter(os.Stderr, cfg.LogLevel, false, os.Getenv("ENV") == "development")
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := openInstruments(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open instruments", "error", err)
		return 1
	}

	a, err := newApp(cfg, inst, os.Stdout, log)
	if err != nil {
		inst.close(context.Background(), log)
		log.Error("failed to create controller", "error", err)
		return 1
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in console", "panic", r)
			code = 1
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.shutdown(sctx)
	}()

	if err := a.start(ctx); err != nil {
		log.Error("failed to start", "error", err)
		return 1
	}

	a.run(ctx, os.Stdin)

	return 0
}

// instruments are the two opened instrument drivers.
type instruments struct {
	furnace *up150.Driver
	mfc     *mks647b.Driver

	furnaceSim *devsim.Furnace
	stopSim    context.CancelFunc
}

func openInstruments(ctx context.Context, cfg Config, log logger.Logger) (*instruments, error) {
	inst := &instruments{stopSim: func() {}}

	var furnacePort, mfcPort serialport.Port
	if cfg.Simulate {
		inst.furnaceSim = devsim.NewFurnace()
		furnacePort = inst.furnaceSim.Port()
		mfcPort = devsim.NewMFC().Port()

		simCtx, cancel := context.WithCancel(context.Background())
		inst.stopSim = cancel
		go inst.furnaceSim.Drive(simCtx, cfg.SimMinute)

		log.Info("running against simulated instruments", "simMinute", cfg.SimMinute)
	} else {
		var err error
		if furnacePort, err = serialport.Open(serialport.FurnaceConfig(cfg.FurnacePort)); err != nil {
			return nil, fmt.Errorf("open furnace port: %w", err)
		}
		if mfcPort, err = serialport.Open(serialport.MFCConfig(cfg.MFCPort)); err != nil {
			_ = furnacePort.Close()
			return nil, fmt.Errorf("open mfc port: %w", err)
		}
	}

	var err error
	inst.furnace, err = up150.Open(ctx, furnacePort, up150.WithLogger(log))
	if err != nil {
		inst.stopSim()
		_ = furnacePort.Close()
		_ = mfcPort.Close()

		return nil, fmt.Errorf("initialize furnace: %w", err)
	}

	inst.mfc, err = mks647b.Open(ctx, mfcPort, mks647b.WithLogger(log))
	if err != nil {
		inst.stopSim()
		_ = inst.furnace.Close(ctx)
		_ = mfcPort.Close()

		return nil, fmt.Errorf("initialize mfc: %w", err)
	}

	return inst, nil
}

// close closes the flow controller (main valve closed) before the furnace
// (program reset).
func (inst *instruments) close(ctx context.Context, log logger.Logger) {
	if err := inst.mfc.Close(ctx); err != nil {
		log.Error("failed to close mass-flow controller", "error", err)
	}
	if err := inst.furnace.Close(ctx); err != nil {
		log.Error("failed to close furnace", "error", err)
	}
	inst.stopSim()
}

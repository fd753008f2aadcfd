package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/arloliu/go-anneal/fault"
	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/poller"
	"github.com/arloliu/go-anneal/process"
	"github.com/arloliu/go-anneal/recipe"
	"github.com/arloliu/go-anneal/telemetry"
)

const helpText = `commands:
  add <temp> <ramp> <hold> <flow> <value> <unit>   append a stage (°C, min, min, flow, range)
  remove                                            remove the last stage
  list                                              show the recipe
  clear                                             remove every stage
  load <file>                                       load a .json/.yaml recipe
  save <file>                                       save the recipe
  start                                             program the furnace and start the run
  stop                                              stop the run and shut off the gas
  end                                               end the run and purge until cool
  status                                            show the process status
  export <file>                                     write the temperature log as CSV
  clear-samples                                     discard the temperature log
  close-valve                                       close the process gas valve
  quit                                              exit when idle and cool
  quit!                                             exit unconditionally
`

var errQuitRefused = errors.New("refusing to quit")

// app is the operator console over one controller.
type app struct {
	cfg      Config
	inst     *instruments
	ctrl     *process.Controller
	poller   *poller.Poller
	recorder *telemetry.Recorder
	log      logger.Logger

	outMu sync.Mutex
	out   io.Writer

	recipe *recipe.Recipe

	shutdownOnce sync.Once
}

func newApp(cfg Config, inst *instruments, out io.Writer, log logger.Logger) (*app, error) {
	ctrl, err := process.NewController(inst.furnace, inst.mfc,
		process.WithChannel(cfg.Channel),
		process.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	p, err := poller.New(inst.furnace, inst.mfc, ctrl,
		poller.WithInterval(cfg.PollInterval),
		poller.WithChannel(cfg.Channel),
		poller.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		inst:     inst,
		ctrl:     ctrl,
		poller:   p,
		recorder: telemetry.NewRecorder(telemetry.DefaultCapacity),
		log:      log,
		out:      out,
		recipe:   &recipe.Recipe{},
	}
	ctrl.Subscribe(a.onEvent)

	return a, nil
}

// start initializes the flow controller and begins polling.
func (a *app) start(ctx context.Context) error {
	if err := a.ctrl.Prepare(ctx); err != nil {
		return err
	}

	return a.poller.Start(ctx)
}

// shutdown stops polling, stops the run, then closes both instruments.
func (a *app) shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		a.poller.Stop()

		if err := a.ctrl.Stop(ctx); err != nil {
			a.log.Error("failed to stop run on shutdown", "error", err)
		}

		a.inst.close(ctx, a.log)
		a.log.Info("shutdown complete")
	})
}

// run reads commands from in until quit, end of input or ctx is done.
func (a *app) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	a.printf("annealctl ready, type \"help\" for commands\n")

	for {
		select {
		case <-ctx.Done():
			a.log.Info("interrupted, shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if a.execute(ctx, line) {
				return
			}
		}
	}
}

// execute runs one console line and reports whether the console should exit.
func (a *app) execute(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}

	var err error
	switch cmd := strings.ToLower(args[0]); cmd {
	case "help", "?":
		a.printf("%s", helpText)
	case "add":
		err = a.addStage(args[1:])
	case "remove":
		if s, ok := a.recipe.RemoveLast(); ok {
			a.printf("removed stage %d (%d °C)\n", a.recipe.Len()+1, s.Temperature)
		} else {
			err = recipe.ErrNoStages
		}
	case "list":
		a.listStages()
	case "clear":
		a.recipe.Clear()
		a.printf("recipe cleared\n")
	case "load":
		err = a.withPath(args, func(path string) error {
			rec, err := recipe.Load(path)
			if err != nil {
				return err
			}
			a.recipe = rec
			a.printf("loaded %d stages from %s\n", rec.Len(), path)

			return nil
		})
	case "save":
		err = a.withPath(args, func(path string) error {
			if err := recipe.Save(path, a.recipe); err != nil {
				return err
			}
			a.printf("saved %d stages to %s\n", a.recipe.Len(), path)

			return nil
		})
	case "start":
		err = a.ctrl.Start(ctx, a.recipe)
	case "stop":
		err = a.ctrl.Stop(ctx)
	case "end":
		err = a.ctrl.EndRun(ctx)
	case "status":
		a.printStatus(a.ctrl.Status())
	case "export":
		err = a.withPath(args, func(path string) error {
			if err := a.recorder.Export(path); err != nil {
				return err
			}
			a.printf("exported %d samples to %s\n", a.recorder.Len(), path)

			return nil
		})
	case "clear-samples":
		a.recorder.Clear()
		a.printf("temperature log cleared\n")
	case "close-valve":
		if err = a.ctrl.CloseChannelValve(ctx); err == nil {
			a.printf("channel %d valve closed\n", a.ctrl.Channel())
		}
	case "quit":
		if err = a.checkQuit(ctx); err == nil {
			return true
		}
	case "quit!":
		return true
	default:
		err = fmt.Errorf("unknown command %q, type \"help\"", cmd)
	}

	if err != nil {
		k := fault.KindOf(err)
		a.printf("error: %v\n", err)
		if k.Retryable() {
			a.printf("the instrument did not answer, the command may succeed if repeated\n")
		}
		if k != fault.Unknown {
			a.log.Debug("command failed", "command", args[0], "kind", k.String(), "error", err)
		}
	}

	return false
}

func (a *app) withPath(args []string, fn func(path string) error) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s <file>", args[0])
	}

	return fn(args[1])
}

func (a *app) addStage(args []string) error {
	if len(args) != 6 {
		return errors.New("usage: add <temp> <ramp> <hold> <flow> <value> <unit>")
	}

	var (
		s   recipe.Stage
		err error
	)
	if s.Temperature, err = strconv.Atoi(args[0]); err != nil {
		return fmt.Errorf("invalid temperature %q", args[0])
	}
	if s.RampMinutes, err = strconv.Atoi(args[1]); err != nil {
		return fmt.Errorf("invalid ramp time %q", args[1])
	}
	if s.HoldMinutes, err = strconv.Atoi(args[2]); err != nil {
		return fmt.Errorf("invalid hold time %q", args[2])
	}
	if s.FlowSetpoint, err = strconv.ParseFloat(args[3], 64); err != nil {
		return fmt.Errorf("invalid flow %q", args[3])
	}
	if s.FlowRange, err = mks647b.ParseRange(args[4] + " " + args[5]); err != nil {
		return err
	}

	if err := a.recipe.Add(s); err != nil {
		return err
	}
	a.printf("added stage %d\n", a.recipe.Len())

	return nil
}

func (a *app) listStages() {
	if a.recipe.Len() == 0 {
		a.printf("recipe is empty\n")
		return
	}

	a.outMu.Lock()
	defer a.outMu.Unlock()

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tTEMP\tRAMP\tHOLD\tFLOW\tRANGE")
	for i, s := range a.recipe.Stages() {
		fmt.Fprintf(w, "%d\t%d °C\t%d min\t%d min\t%g\t%s\n",
			i+1, s.Temperature, s.RampMinutes, s.HoldMinutes, s.FlowSetpoint, s.FlowRange)
	}
	fmt.Fprintf(w, "total\t\t\t%d min\t\t\n", a.recipe.MinutesFrom(0))
	_ = w.Flush()
}

// checkQuit refuses to quit during a run or while the furnace is hot.
func (a *app) checkQuit(ctx context.Context) error {
	if st := a.ctrl.State(); st != process.Idle {
		return fmt.Errorf("%w: process is %s, stop it first or use quit!", errQuitRefused, st)
	}

	cd, err := a.ctrl.CloseDownCheck(ctx)
	if err != nil {
		return fmt.Errorf("close-down check: %w", err)
	}
	if cd.Hot {
		return fmt.Errorf("%w: furnace is at %d °C, wait for it to cool or use quit!", errQuitRefused, cd.Temperature)
	}

	return nil
}

func (a *app) printStatus(st process.Status) {
	a.outMu.Lock()
	defer a.outMu.Unlock()

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "state\t%s\n", st.State)
	if st.State != process.Idle {
		fmt.Fprintf(w, "run\t%s\n", st.RunID)
		fmt.Fprintf(w, "stage\t%d/%d (%s, %d min left)\n", st.Stage, st.StageCount, st.Mode, st.TimeLeft)
		fmt.Fprintf(w, "elapsed\t%s\n", st.Elapsed.Truncate(time.Second))
	}
	if !st.EstimatedFinish.IsZero() {
		fmt.Fprintf(w, "finish\t%s\n", st.EstimatedFinish.Local().Format(telemetry.TimeLayout))
	}
	fmt.Fprintf(w, "temperature\t%d °C (setpoint %d °C)\n", st.Temperature, st.Setpoint)
	fmt.Fprintf(w, "flow\t%.2f %s\n", st.Flow, st.FlowUnit)
	if !st.LastSnapshot.IsZero() {
		fmt.Fprintf(w, "updated\t%s\n", st.LastSnapshot.Local().Format(telemetry.TimeLayout))
	}
	fmt.Fprintf(w, "samples\t%d\n", a.recorder.Len())
	_ = w.Flush()
}

func (a *app) onEvent(ev process.Event) {
	st := ev.Status

	switch ev.Type {
	case process.EventSnapshot:
		a.recorder.Record(st.LastSnapshot, st.Temperature)
	case process.EventStarted:
		a.printf("run %s started with %d stages\n", st.RunID, st.StageCount)
	case process.EventStageChanged:
		a.printf("stage %d/%d (%s)\n", st.StageIndex+1, st.StageCount, st.Mode)
	case process.EventPostAnneal:
		a.printf("run ended (%s), purging until below the safety threshold\n", ev.Reason)
	case process.EventShutoff:
		a.printf("gas shut off at %d °C\n", st.Temperature)
	case process.EventStopped:
		a.printf("run stopped, gas shut off\n")
	case process.EventError:
		a.printf("instrument error (%s): %s: %v\n", ev.Kind, ev.Reason, ev.Err)
	}
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()

	fmt.Fprintf(a.out, format, args...)
}

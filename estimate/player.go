// Package estimate replays emitted programs on a discrete-event engine to
// predict execution time. Each subnet's instruction stream runs in order on
// its own port; all streams share one DMA channel to global memory, so the
// estimate includes the transfer contention between concurrent subnets.
package estimate

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/codegen"
	"github.com/sarchlab/npucc/costmodel"
	"gitlab.com/akita/akita/v3/sim"
)

// A playNextEvent triggers the player to continue one program.
type playNextEvent struct {
	time     sim.VTimeInSec
	handler  *Player
	subnetID int
}

// Time returns the time of the event.
func (e playNextEvent) Time() sim.VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e playNextEvent) Handler() sim.Handler {
	return e.handler
}

// IsSecondary always returns false.
func (e playNextEvent) IsSecondary() bool {
	return false
}

// A computeDoneEvent is triggered when a compute instruction retires.
type computeDoneEvent struct {
	time     sim.VTimeInSec
	handler  *Player
	subnetID int
}

// Time returns the time of the event.
func (e computeDoneEvent) Time() sim.VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e computeDoneEvent) Handler() sim.Handler {
	return e.handler
}

// IsSecondary always returns false.
func (e computeDoneEvent) IsSecondary() bool {
	return false
}

// A programState tracks how far one subnet's replay has progressed.
type programState struct {
	prog *codegen.Program
	port sim.Port

	next      int
	inflight  int
	computing bool
	done      bool
	finish    sim.VTimeInSec
}

// A Player replays the instruction streams of a compiled model.
type Player struct {
	*sim.ComponentBase

	sim.TimeTeller
	sim.EventScheduler
	cycleEstimator costmodel.CycleEstimator

	graph *npucc.Graph
	hw    npucc.Hardware

	globalPort sim.Port
	states     map[int]*programState
}

// NewPlayer creates a new Player.
func NewPlayer(
	name string,
	tt sim.TimeTeller,
	es sim.EventScheduler,
	cycleEstimator costmodel.CycleEstimator,
	graph *npucc.Graph,
	hw npucc.Hardware,
) *Player {
	p := &Player{
		TimeTeller:     tt,
		EventScheduler: es,
		cycleEstimator: cycleEstimator,
		graph:          graph,
		hw:             hw,
		states:         make(map[int]*programState),
	}

	p.ComponentBase = sim.NewComponentBase(name)

	return p
}

// SetGlobalPort sets the port standing in for global memory.
func (p *Player) SetGlobalPort(port sim.Port) {
	p.globalPort = port
	p.AddPort("Global", port)
}

// AddProgram registers one program and the port standing in for the local
// memory it runs against.
func (p *Player) AddProgram(prog *codegen.Program, port sim.Port) {
	p.states[prog.SubnetID] = &programState{
		prog: prog,
		port: port,
	}
	p.AddPort(fmt.Sprintf("Subnet%d", prog.SubnetID), port)
}

// KickStart schedules the first playNextEvent of every program. The main
// program should still call engine.Run() to run the simulation.
func (p *Player) KickStart() {
	if p.globalPort == nil {
		panic("global port is not set")
	}

	for subnetID := range p.states {
		p.Schedule(playNextEvent{
			time:     p.CurrentTime(),
			handler:  p,
			subnetID: subnetID,
		})
	}
}

// Handle function of a Player handles events.
func (p *Player) Handle(e sim.Event) error {
	switch e := e.(type) {
	case playNextEvent:
		p.playNext(e.subnetID)
	case computeDoneEvent:
		p.states[e.subnetID].computing = false
		p.playNext(e.subnetID)
	default:
		panic("Player cannot handle this event type " +
			reflect.TypeOf(e).String())
	}

	return nil
}

// NotifyRecv function notifies that the component has received a message.
func (p *Player) NotifyRecv(now sim.VTimeInSec, port sim.Port) {
	msg := port.Retrieve(now)
	switch msg := msg.(type) {
	case *npucc.TransferMsg:
		state := p.states[msg.SubnetID]
		state.inflight--
		p.Schedule(playNextEvent{
			time:     p.CurrentTime(),
			handler:  p,
			subnetID: msg.SubnetID,
		})
	default:
		panic(fmt.Sprintf("Cannot handle message %T", msg))
	}
}

// NotifyPortFree function notifies that one port of the component is free.
func (p *Player) NotifyPortFree(now sim.VTimeInSec, port sim.Port) {
	msg := port.Retrieve(now)
	msginfo := msg.(*npucc.TransferMsg)
	p.playNext(msginfo.SubnetID)
}

// playNext performs the next actions of one program, stopping at the first
// instruction that has to wait.
func (p *Player) playNext(subnetID int) {
	state := p.states[subnetID]

	for {
		if state.done || state.computing || state.inflight > 0 {
			return
		}

		if state.next >= len(state.prog.Instructions) {
			state.done = true
			state.finish = p.CurrentTime()
			return
		}

		instr := &state.prog.Instructions[state.next]

		switch instr.Opcode {
		case codegen.OpcodeFetch:
			if !p.sendTransfer(state, instr,
				p.globalPort, state.port, npucc.TransferFetch) {
				return
			}
		case codegen.OpcodeSpill:
			if !p.sendTransfer(state, instr,
				state.port, p.globalPort, npucc.TransferSpill) {
				return
			}
		case codegen.OpcodeDecompress, codegen.OpcodeCompute:
			p.startCompute(state, instr)
		default:
			panic(fmt.Sprintf("Cannot replay opcode %d", instr.Opcode))
		}

		state.next++
	}
}

func (p *Player) sendTransfer(
	state *programState,
	instr *codegen.Instruction,
	src, dst sim.Port,
	purpose string,
) bool {
	bytes := instr.Srcs[0].Length

	msg := &npucc.TransferMsg{
		Tensors:  []int{int(instr.OpID)},
		Bytes:    bytes,
		SubnetID: state.prog.SubnetID,
		GroupID:  int(instr.GroupID),
		Purpose:  purpose,
		MsgMeta: sim.MsgMeta{
			ID:           sim.GetIDGenerator().Generate(),
			Src:          src,
			Dst:          dst,
			SendTime:     p.CurrentTime(),
			TrafficBytes: int(bytes),
		},
	}

	err := src.Send(msg)
	if err == nil {
		state.inflight++
	}
	return err == nil
}

func (p *Player) startCompute(
	state *programState,
	instr *codegen.Instruction,
) {
	input := costmodel.CycleEstimatorInput{
		Kind: codegen.OpcodeDecompress.String(),
	}
	if instr.Opcode == codegen.OpcodeCompute {
		op := p.graph.Op(int(instr.OpID))
		input.Kind = op.Kind
		input.RecordedCycles = op.Cycles
	}
	for _, operand := range instr.Srcs {
		input.InputBytes += operand.Length
	}
	for _, operand := range instr.Dsts {
		input.OutputBytes += operand.Length
	}

	output, err := p.cycleEstimator.Estimate(input)
	if err != nil {
		panic(err)
	}

	now := p.CurrentTime()
	p.Schedule(computeDoneEvent{
		time:     now + sim.VTimeInSec(float64(output.Cycles)/p.hw.CyclesPerSecond),
		handler:  p,
		subnetID: state.prog.SubnetID,
	})
	state.computing = true
}

// A Report holds the predicted execution times.
type Report struct {
	// SubnetTimeInSec maps each subnet id to the time its program retires.
	SubnetTimeInSec map[int]float64

	// TotalTimeInSec is the time the last program retires.
	TotalTimeInSec float64
}

// Run replays the given programs and reports the predicted times.
func Run(
	g *npucc.Graph,
	programs []*codegen.Program,
	hw npucc.Hardware,
	cycleEstimator costmodel.CycleEstimator,
) (Report, error) {
	engine := sim.NewSerialEngine()
	link := NewDMALinkModel(engine, engine,
		hw.DMABytesPerSecond, sim.VTimeInSec(hw.DMALatencySec))

	player := NewPlayer("Estimator", engine, engine, cycleEstimator, g, hw)

	globalPort := sim.NewLimitNumMsgPort(player, 1, "Estimator.GlobalPort")
	player.SetGlobalPort(globalPort)
	link.PlugIn(globalPort, 1)

	for _, prog := range programs {
		port := sim.NewLimitNumMsgPort(player, 1,
			fmt.Sprintf("Estimator.Subnet%dPort", prog.SubnetID))
		player.AddProgram(prog, port)
		link.PlugIn(port, 1)
	}

	player.KickStart()
	err := engine.Run()
	if err != nil {
		return Report{}, err
	}

	report := Report{
		SubnetTimeInSec: make(map[int]float64, len(programs)),
		TotalTimeInSec:  float64(engine.CurrentTime()),
	}
	for subnetID, state := range player.states {
		report.SubnetTimeInSec[subnetID] = float64(state.finish)
	}

	return report, nil
}

package estimate

import (
	"gitlab.com/akita/akita/v3/sim"
)

// A deliveryEvent is scheduled for the time a transfer finishes crossing the
// DMA link.
type deliveryEvent struct {
	time    sim.VTimeInSec
	handler sim.Handler
	msg     sim.Msg
}

func (e deliveryEvent) Time() sim.VTimeInSec {
	return e.time
}

func (e deliveryEvent) Handler() sim.Handler {
	return e.handler
}

func (e deliveryEvent) IsSecondary() bool {
	return false
}

// A DMALinkModel models the single DMA channel between global and local
// memory. Transfers pay a fixed setup latency plus a bandwidth term, and the
// channel serves one transfer at a time, so concurrent subnets queue behind
// each other.
type DMALinkModel struct {
	sim.HookableBase
	sim.EventScheduler
	sim.TimeTeller

	bytePerSecond float64
	latency       sim.VTimeInSec

	busyUntil       sim.VTimeInSec
	busyPorts       map[string]bool
	pendingDelivery map[string][]sim.Msg
}

// NewDMALinkModel creates a new DMALinkModel.
func NewDMALinkModel(
	es sim.EventScheduler,
	tt sim.TimeTeller,
	bytePerSecond float64,
	latency sim.VTimeInSec,
) *DMALinkModel {
	return &DMALinkModel{
		EventScheduler:  es,
		TimeTeller:      tt,
		bytePerSecond:   bytePerSecond,
		latency:         latency,
		busyPorts:       make(map[string]bool),
		pendingDelivery: make(map[string][]sim.Msg),
	}
}

// PlugIn plugs a port into the link.
func (m *DMALinkModel) PlugIn(port sim.Port, bufSize int) {
	port.SetConnection(m)
}

// Unplug removes a port from the link.
func (m *DMALinkModel) Unplug(port sim.Port) {
}

// NotifyAvailable notifies the link that a port can receive messages again.
func (m *DMALinkModel) NotifyAvailable(now sim.VTimeInSec, port sim.Port) {
	pending := m.pendingDelivery[port.Name()]

	for len(pending) > 0 {
		msg := pending[0]
		err := port.Recv(msg)
		if err != nil {
			break
		}
		pending = pending[1:]
	}

	m.pendingDelivery[port.Name()] = pending
	if len(pending) == 0 {
		delete(m.busyPorts, port.Name())
	}
}

// CanSend checks if the link can accept a message.
func (m *DMALinkModel) CanSend(src sim.Port) bool {
	return true
}

// Send accepts a message and schedules its delivery for the time the channel
// finishes moving its bytes.
func (m *DMALinkModel) Send(msg sim.Msg) *sim.SendError {
	now := m.CurrentTime()

	start := now
	if m.busyUntil > start {
		start = m.busyUntil
	}

	transferTime := sim.VTimeInSec(
		float64(msg.Meta().TrafficBytes) / m.bytePerSecond)
	finish := start + m.latency + transferTime
	m.busyUntil = finish

	m.Schedule(deliveryEvent{
		time:    finish,
		handler: m,
		msg:     msg,
	})

	return nil
}

// Handle delivers completed transfers.
func (m *DMALinkModel) Handle(e sim.Event) error {
	switch e := e.(type) {
	case deliveryEvent:
		return m.handleDeliveryEvent(e)
	default:
		panic("unknown event type")
	}
}

func (m *DMALinkModel) handleDeliveryEvent(e deliveryEvent) error {
	msg := e.msg
	dst := msg.Meta().Dst

	if m.busyPorts[dst.Name()] {
		m.pendingDelivery[dst.Name()] = append(
			m.pendingDelivery[dst.Name()], msg)
		return nil
	}

	msg.Meta().RecvTime = m.CurrentTime()
	err := dst.Recv(msg)
	if err != nil {
		m.busyPorts[dst.Name()] = true
		m.pendingDelivery[dst.Name()] = append(
			m.pendingDelivery[dst.Name()], msg)
	}

	return nil
}

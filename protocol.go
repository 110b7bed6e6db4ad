package npucc

import "gitlab.com/akita/akita/v3/sim"

// TransferMsg purposes.
const (
	TransferFetch = "fetch"
	TransferSpill = "spill"
)

// A TransferMsg represents one DMA transfer between global and local memory
// while the execution estimator replays an emitted program.
type TransferMsg struct {
	sim.MsgMeta
	Tensors  []int
	Bytes    uint64
	SubnetID int
	GroupID  int
	Purpose  string
}

// Meta returns the meta data of the message.
func (m *TransferMsg) Meta() *sim.MsgMeta {
	return &m.MsgMeta
}

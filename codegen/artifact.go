package codegen

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/alloc"
)

// Magic and version of the emitted model binary.
const (
	ArtifactMagic   = "NPCC"
	ArtifactVersion = 1
)

// An AddressEntry maps one tensor to its final resolved range.
type AddressEntry struct {
	Name   string
	Space  npucc.AddressSpaceID
	Addr   uint64
	Length uint64
}

// An Artifact is the complete compilation output: one program per subnet in
// subnet id order, the persisted weight blob, and the address map.
type Artifact struct {
	Programs    []*Program
	WeightBlob  []byte
	AddressMap  []AddressEntry
	GlobalBytes uint64
}

// Encode writes the model binary. The encoding is fully determined by the
// artifact contents, so identical compilations produce identical bytes.
func (a *Artifact) Encode(w io.Writer) error {
	var buf bytes.Buffer

	buf.WriteString(ArtifactMagic)
	writeU16(&buf, ArtifactVersion)
	writeU16(&buf, uint16(len(a.Programs)))
	writeU64(&buf, uint64(len(a.WeightBlob)))
	writeU64(&buf, a.GlobalBytes)

	for _, prog := range a.Programs {
		encodeProgram(&buf, prog)
	}

	buf.Write(a.WeightBlob)

	_, err := w.Write(buf.Bytes())
	return err
}

// Bytes returns the encoded model binary.
func (a *Artifact) Bytes() []byte {
	var buf bytes.Buffer
	// bytes.Buffer writes cannot fail.
	_ = a.Encode(&buf)
	return buf.Bytes()
}

func encodeProgram(buf *bytes.Buffer, prog *Program) {
	writeU32(buf, uint32(prog.SubnetID))
	dynamic := byte(0)
	if prog.Dynamic {
		dynamic = 1
	}
	buf.WriteByte(dynamic)

	writeU16(buf, uint16(len(prog.KindTable)))
	for _, kind := range prog.KindTable {
		writeU16(buf, uint16(len(kind)))
		buf.WriteString(kind)
	}

	writeU32(buf, uint32(len(prog.Instructions)))
	for i := range prog.Instructions {
		encodeInstruction(buf, &prog.Instructions[i])
	}
}

func encodeInstruction(buf *bytes.Buffer, instr *Instruction) {
	buf.WriteByte(byte(instr.Opcode))
	writeU16(buf, instr.Kind)
	writeU32(buf, instr.OpID)
	writeU32(buf, instr.GroupID)
	buf.WriteByte(byte(len(instr.Srcs)))
	buf.WriteByte(byte(len(instr.Dsts)))
	for _, operand := range instr.Srcs {
		encodeOperand(buf, operand)
	}
	for _, operand := range instr.Dsts {
		encodeOperand(buf, operand)
	}
}

func encodeOperand(buf *bytes.Buffer, operand Operand) {
	buf.WriteByte(byte(operand.Space))
	writeU64(buf, operand.Addr)
	writeU64(buf, operand.Length)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// WeightBlob lays every persisted weight payload at its interface offset
// inside one contiguous blob. Tensors without payload leave their range
// zeroed.
func WeightBlob(g *npucc.Graph, res *alloc.InterfaceResult) []byte {
	blob := make([]byte, res.Extent)
	for tIdx, data := range res.Blobs {
		if data == nil {
			continue
		}
		offset := g.Tensor(tIdx).Alloc.Offset
		copy(blob[offset:], data)
	}
	return blob
}

// WriteWeightMap writes the weight ledger as CSV.
func WriteWeightMap(w io.Writer, entries []alloc.WeightEntry) error {
	cw := csv.NewWriter(w)

	err := cw.Write([]string{"name", "offset", "length", "raw_length"})
	if err != nil {
		return err
	}

	for _, entry := range entries {
		err := cw.Write([]string{
			entry.Name,
			strconv.FormatUint(entry.Offset, 10),
			strconv.FormatUint(entry.Length, 10),
			strconv.FormatUint(entry.RawLength, 10),
		})
		if err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

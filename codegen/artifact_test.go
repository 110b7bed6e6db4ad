package codegen

import (
	"bytes"
	"encoding/binary"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/alloc"
)

var _ = Describe("Artifact", func() {
	It("should encode the header fields little-endian", func() {
		artifact := &Artifact{
			WeightBlob:  []byte{1, 2, 3, 4},
			GlobalBytes: 4096,
		}

		data := artifact.Bytes()

		Expect(string(data[:4])).To(Equal(ArtifactMagic))
		Expect(binary.LittleEndian.Uint16(data[4:6])).To(
			Equal(uint16(ArtifactVersion)))
		Expect(binary.LittleEndian.Uint16(data[6:8])).To(Equal(uint16(0)))
		Expect(binary.LittleEndian.Uint64(data[8:16])).To(Equal(uint64(4)))
		Expect(binary.LittleEndian.Uint64(data[16:24])).To(
			Equal(uint64(4096)))
		Expect(data[24:]).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("should encode programs with their kind tables", func() {
		artifact := &Artifact{
			Programs: []*Program{{
				SubnetID:  3,
				Dynamic:   true,
				KindTable: []string{"conv", "relu"},
				Instructions: []Instruction{{
					Opcode:  OpcodeCompute,
					Kind:    1,
					OpID:    7,
					GroupID: 2,
					Srcs: []Operand{
						{Space: npucc.SpaceLocal, Addr: 64, Length: 32},
					},
					Dsts: []Operand{
						{Space: npucc.SpaceLocal, Addr: 128, Length: 32},
					},
				}},
			}},
		}

		data := artifact.Bytes()
		body := data[24:]

		Expect(binary.LittleEndian.Uint32(body[0:4])).To(Equal(uint32(3)))
		Expect(body[4]).To(Equal(byte(1)))

		Expect(binary.LittleEndian.Uint16(body[5:7])).To(Equal(uint16(2)))
		Expect(binary.LittleEndian.Uint16(body[7:9])).To(Equal(uint16(4)))
		Expect(string(body[9:13])).To(Equal("conv"))
		Expect(string(body[15:19])).To(Equal("relu"))

		Expect(binary.LittleEndian.Uint32(body[19:23])).To(
			Equal(uint32(1)))
		instr := body[23:]
		Expect(instr[0]).To(Equal(byte(OpcodeCompute)))
		Expect(binary.LittleEndian.Uint16(instr[1:3])).To(Equal(uint16(1)))
		Expect(binary.LittleEndian.Uint32(instr[3:7])).To(Equal(uint32(7)))
		Expect(binary.LittleEndian.Uint32(instr[7:11])).To(
			Equal(uint32(2)))
		Expect(instr[11]).To(Equal(byte(1)))
		Expect(instr[12]).To(Equal(byte(1)))
		Expect(instr[13]).To(Equal(byte(npucc.SpaceLocal)))
		Expect(binary.LittleEndian.Uint64(instr[14:22])).To(
			Equal(uint64(64)))
	})

	It("should produce identical bytes for identical artifacts", func() {
		build := func() *Artifact {
			return &Artifact{
				Programs: []*Program{{
					SubnetID:  0,
					KindTable: []string{"relu"},
					Instructions: []Instruction{{
						Opcode: OpcodeFetch,
						OpID:   1,
					}},
				}},
				WeightBlob:  []byte{9, 9},
				GlobalBytes: 64,
			}
		}

		Expect(bytes.Equal(build().Bytes(), build().Bytes())).To(BeTrue())
	})
})

var _ = Describe("WeightBlob", func() {
	It("should lay payloads at their interface offsets", func() {
		g := npucc.NewGraph()
		w := g.AddTensor("w", []int{4}, 1, npucc.ClassWeight)
		w.Alloc = npucc.AllocRecord{
			Space:  npucc.SpaceGlobal,
			Region: npucc.RegionInterface,
			Offset: 8,
			Length: 4,
			Valid:  true,
		}

		res := &alloc.InterfaceResult{
			Extent: 16,
			Blobs:  map[int][]byte{w.Index: {5, 6, 7, 8}},
		}

		blob := WeightBlob(g, res)

		Expect(blob).To(HaveLen(16))
		Expect(blob[8:12]).To(Equal([]byte{5, 6, 7, 8}))
		Expect(blob[:8]).To(Equal(make([]byte, 8)))
	})
})

var _ = Describe("WriteWeightMap", func() {
	It("should write one CSV line per weight", func() {
		var buf bytes.Buffer
		entries := []alloc.WeightEntry{
			{Name: "w0", Offset: 0, Length: 40, RawLength: 96},
			{Name: "w1", Offset: 64, Length: 32, RawLength: 32},
		}

		Expect(WriteWeightMap(&buf, entries)).To(Succeed())

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		Expect(lines).To(HaveLen(3))
		Expect(lines[0]).To(Equal("name,offset,length,raw_length"))
		Expect(lines[1]).To(Equal("w0,0,40,96"))
		Expect(lines[2]).To(Equal("w1,64,32,32"))
	})
})

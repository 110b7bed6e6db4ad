package npucc

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("GraphLoader", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "npucc-loader")
		Expect(err).ToNot(HaveOccurred())

		writeFile(dir, "tensor.csv",
			"name,dims,elem_bytes,class,data_file\n"+
				"in,[4;4],4,activation,\n"+
				"w0,[4;4],4,weight,w0.bin\n"+
				"mid,[4;4],4,activation,\n"+
				"out,[4;4],4,activation,\n")
		writeFile(dir, "graph.csv",
			"kind,name,inputs,outputs,cycles,dynamic\n"+
				"matmul,mm0,[in;w0],[mid],100,\n"+
				"relu,relu0,[mid],[out],10,1\n")

		payload := make([]byte, 64)
		for i := range payload {
			payload[i] = byte(i)
		}
		Expect(os.WriteFile(
			filepath.Join(dir, "w0.bin"), payload, 0600)).To(Succeed())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("should load tensors, operations, and weight payloads", func() {
		loader := GraphLoader{Dir: dir}

		g, err := loader.Load()

		Expect(err).ToNot(HaveOccurred())
		Expect(g.Tensors).To(HaveLen(4))
		Expect(g.Ops).To(HaveLen(2))

		Expect(g.Tensor(1).Class).To(Equal(ClassWeight))
		Expect(g.Tensor(1).Data).To(HaveLen(64))

		Expect(g.Op(0).Kind).To(Equal("matmul"))
		Expect(g.Op(0).Inputs).To(Equal([]int{0, 1}))
		Expect(g.Op(0).Cycles).To(Equal(uint64(100)))
		Expect(g.Op(1).Dynamic).To(BeTrue())
	})

	It("should derive the external boundary", func() {
		loader := GraphLoader{Dir: dir}

		g, err := loader.Load()

		Expect(err).ToNot(HaveOccurred())
		Expect(g.Inputs).To(Equal([]int{0}))
		Expect(g.Outputs).To(Equal([]int{3}))
	})

	It("should refuse operations referencing unknown tensors", func() {
		writeFile(dir, "graph.csv",
			"kind,name,inputs,outputs,cycles,dynamic\n"+
				"relu,relu0,[ghost],[out],10,\n")
		loader := GraphLoader{Dir: dir}

		_, err := loader.Load()

		Expect(err).To(HaveOccurred())
		Expect(IsStructural(err)).To(BeTrue())
	})

	It("should refuse duplicate tensor names", func() {
		writeFile(dir, "tensor.csv",
			"name,dims,elem_bytes,class,data_file\n"+
				"in,[4],4,activation,\n"+
				"in,[4],4,activation,\n")
		loader := GraphLoader{Dir: dir}

		_, err := loader.Load()

		Expect(err).To(HaveOccurred())
		Expect(IsStructural(err)).To(BeTrue())
	})
})

func writeFile(dir, name, content string) {
	err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600)
	Expect(err).ToNot(HaveOccurred())
}

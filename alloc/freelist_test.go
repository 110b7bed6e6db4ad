package alloc

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("rangeAllocator", func() {
	It("should bump without reuse", func() {
		ra := newRangeAllocator(false)

		Expect(ra.alloc(64)).To(Equal(uint64(0)))
		Expect(ra.alloc(64)).To(Equal(uint64(64)))
		ra.release(0, 64)
		Expect(ra.alloc(64)).To(Equal(uint64(128)))
		Expect(ra.highWater()).To(Equal(uint64(192)))
	})

	It("should recycle released ranges best-fit", func() {
		ra := newRangeAllocator(true)

		a := ra.alloc(64)
		b := ra.alloc(128)
		c := ra.alloc(32)
		d := ra.alloc(64)
		Expect([]uint64{a, b, c, d}).To(Equal([]uint64{0, 64, 192, 224}))

		ra.release(a, 64)
		ra.release(c, 32)

		// The 32-byte hole is the tightest fit; the 64-byte hole stays.
		Expect(ra.alloc(32)).To(Equal(uint64(192)))
		Expect(ra.alloc(64)).To(Equal(uint64(0)))
		Expect(ra.highWater()).To(Equal(uint64(288)))
	})

	It("should split a larger hole and keep the remainder", func() {
		ra := newRangeAllocator(true)

		ra.alloc(128)
		ra.alloc(64)
		ra.release(0, 128)

		Expect(ra.alloc(32)).To(Equal(uint64(0)))
		Expect(ra.alloc(96)).To(Equal(uint64(32)))
		Expect(ra.highWater()).To(Equal(uint64(192)))
	})

	It("should coalesce adjacent holes regardless of release order", func() {
		ra := newRangeAllocator(true)

		ra.alloc(64)
		ra.alloc(64)
		ra.alloc(64)
		ra.alloc(64)

		ra.release(64, 64)
		ra.release(192, 64)
		ra.release(128, 64)

		// The three holes merged into one 192-byte range at 64.
		Expect(ra.alloc(192)).To(Equal(uint64(64)))
		Expect(ra.highWater()).To(Equal(uint64(256)))
	})
})

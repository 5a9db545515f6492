package loader_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/calmon/loader"
)

var _ = Describe("Trace", func() {
	Describe("Parse", func() {
		It("should parse reads and writes", func() {
			tr, err := loader.Parse(strings.NewReader(`
# gap kind addr
3 R 0x1000
0 w 2040

1 W 0XFF
`), "t")
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Name).To(Equal("t"))
			Expect(tr.Accesses).To(Equal([]loader.Access{
				{Gap: 3, Addr: 0x1000},
				{Gap: 0, Write: true, Addr: 0x2040},
				{Gap: 1, Write: true, Addr: 0xFF},
			}))
			Expect(tr.Instructions()).To(Equal(uint64(7)))
		})

		It("should report the offending line", func() {
			_, err := loader.Parse(strings.NewReader("1 R 0x10\n1 X 0x20\n"), "bad")
			Expect(err).To(MatchError(ContainSubstring("bad:2")))
		})

		It("should reject a line with missing fields", func() {
			_, err := loader.Parse(strings.NewReader("R 0x10\n"), "bad")
			Expect(err).To(HaveOccurred())
		})

		It("should reject a malformed address", func() {
			_, err := loader.Parse(strings.NewReader("0 R 0xZZ\n"), "bad")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Load", func() {
		It("should name the trace after the file", func() {
			dir, err := os.MkdirTemp("", "calmon-trace-*")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(os.RemoveAll, dir)

			path := filepath.Join(dir, "602.gcc_s.trace")
			Expect(os.WriteFile(path, []byte("0 R 0x40\n"), 0644)).To(Succeed())

			tr, err := loader.Load(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Name).To(Equal("602.gcc_s"))
			Expect(tr.Accesses).To(HaveLen(1))
		})

		It("should fail for a missing file", func() {
			_, err := loader.Load("/nonexistent/trace.txt")
			Expect(err).To(HaveOccurred())
		})
	})
})

package srcfilter_test

import (
	"time"

	"github.com/udsrelay/tunnel/internal/srcfilter"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Filter", func() {
	It("does not block an address with no recorded failures", func() {
		f := srcfilter.New(5, time.Minute)
		Expect(f.Blocked("10.0.0.1")).To(BeFalse())
	})

	It("blocks once the allowed count is reached within the window", func() {
		f := srcfilter.New(3, time.Minute)
		for i := 0; i < 3; i++ {
			f.RecordFailure("10.0.0.1")
		}
		Expect(f.Blocked("10.0.0.1")).To(BeTrue())
	})

	It("does not block below the allowed count", func() {
		f := srcfilter.New(5, time.Minute)
		for i := 0; i < 4; i++ {
			f.RecordFailure("10.0.0.1")
		}
		Expect(f.Blocked("10.0.0.1")).To(BeFalse())
	})

	It("tracks addresses independently", func() {
		f := srcfilter.New(2, time.Minute)
		f.RecordFailure("10.0.0.1")
		f.RecordFailure("10.0.0.1")
		f.RecordFailure("10.0.0.2")
		Expect(f.Blocked("10.0.0.1")).To(BeTrue())
		Expect(f.Blocked("10.0.0.2")).To(BeFalse())
	})

	It("RecordSuccess clears the failure history", func() {
		f := srcfilter.New(2, time.Minute)
		f.RecordFailure("10.0.0.1")
		f.RecordFailure("10.0.0.1")
		Expect(f.Blocked("10.0.0.1")).To(BeTrue())

		f.RecordSuccess("10.0.0.1")
		Expect(f.Blocked("10.0.0.1")).To(BeFalse())
	})
})

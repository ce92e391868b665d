package registry_test

import (
	"sync"

	"github.com/udsrelay/tunnel/internal/registry"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Map", func() {
	It("stores and loads values", func() {
		m := registry.New[string, int]()
		m.Store("a", 1)

		v, ok := m.Load("a")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))
	})

	It("reports zero value and false for a missing key", func() {
		m := registry.New[string, int]()
		v, ok := m.Load("missing")
		Expect(ok).To(BeFalse())
		Expect(v).To(Equal(0))
	})

	It("LoadOrStore only stores once", func() {
		m := registry.New[string, int]()

		v, loaded := m.LoadOrStore("a", 1)
		Expect(loaded).To(BeFalse())
		Expect(v).To(Equal(1))

		v, loaded = m.LoadOrStore("a", 2)
		Expect(loaded).To(BeTrue())
		Expect(v).To(Equal(1))
	})

	It("deletes entries", func() {
		m := registry.New[string, int]()
		m.Store("a", 1)
		m.Delete("a")

		_, ok := m.Load("a")
		Expect(ok).To(BeFalse())
	})

	It("Len reflects the number of stored entries", func() {
		m := registry.New[string, int]()
		Expect(m.Len()).To(Equal(0))
		m.Store("a", 1)
		m.Store("b", 2)
		Expect(m.Len()).To(Equal(2))
	})

	It("Walk visits every stored pair", func() {
		m := registry.New[string, int]()
		m.Store("a", 1)
		m.Store("b", 2)

		seen := map[string]int{}
		m.Walk(func(k string, v int) bool {
			seen[k] = v
			return true
		})
		Expect(seen).To(Equal(map[string]int{"a": 1, "b": 2}))
	})

	It("is safe for concurrent use", func() {
		m := registry.New[int, int]()
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m.Store(i, i*2)
			}(i)
		}
		wg.Wait()
		Expect(m.Len()).To(Equal(100))
	})
})

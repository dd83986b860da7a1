package utils_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NexusGPU/slowmode/internal/utils"
)

type sample struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

var _ = Describe("Config Utils", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Describe("LoadConfigFromFile", func() {
		It("decodes yaml into the target", func() {
			path := filepath.Join(dir, "c.yaml")
			Expect(os.WriteFile(path, []byte("name: a\nitems: [x, y]\n"), 0o600)).To(Succeed())

			var s sample
			Expect(utils.LoadConfigFromFile(path, &s)).To(Succeed())
			Expect(s.Name).To(Equal("a"))
			Expect(s.Items).To(Equal([]string{"x", "y"}))
		})

		It("fails on a missing file", func() {
			var s sample
			Expect(utils.LoadConfigFromFile(filepath.Join(dir, "none.yaml"), &s)).NotTo(Succeed())
		})

		It("fails on malformed yaml", func() {
			path := filepath.Join(dir, "bad.yaml")
			Expect(os.WriteFile(path, []byte("name: [unterminated"), 0o600)).To(Succeed())
			var s sample
			Expect(utils.LoadConfigFromFile(path, &s)).NotTo(Succeed())
		})
	})

	Describe("WatchConfigFileChanges", func() {
		It("rejects a missing file", func() {
			_, err := utils.WatchConfigFileChanges(context.Background(), filepath.Join(dir, "none"), time.Millisecond)
			Expect(err).To(HaveOccurred())
		})

		It("delivers the initial content and later modifications", func() {
			path := filepath.Join(dir, "w.yaml")
			Expect(os.WriteFile(path, []byte("v1"), 0o600)).To(Succeed())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, err := utils.WatchConfigFileChanges(ctx, path, 10*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())

			Eventually(ch).Should(Receive(Equal([]byte("v1"))))

			Expect(os.WriteFile(path, []byte("v2"), 0o600)).To(Succeed())
			future := time.Now().Add(time.Minute)
			Expect(os.Chtimes(path, future, future)).To(Succeed())
			Eventually(ch).Should(Receive(Equal([]byte("v2"))))
		})

		It("closes the channel when the context ends", func() {
			path := filepath.Join(dir, "w.yaml")
			Expect(os.WriteFile(path, []byte("v1"), 0o600)).To(Succeed())

			ctx, cancel := context.WithCancel(context.Background())
			ch, err := utils.WatchConfigFileChanges(ctx, path, 10*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			cancel()
			Eventually(ch).Should(BeClosed())
		})
	})

	Describe("GetEnvOrDefault", func() {
		It("prefers a non-empty environment value", func() {
			GinkgoT().Setenv("SLOWMODE_TEST_ENV", "set")
			Expect(utils.GetEnvOrDefault("SLOWMODE_TEST_ENV", "fallback")).To(Equal("set"))
		})

		It("falls back when unset", func() {
			Expect(utils.GetEnvOrDefault("SLOWMODE_TEST_ENV_UNSET", "fallback")).To(Equal("fallback"))
		})
	})

	Describe("NewShortID", func() {
		It("truncates to the requested length", func() {
			Expect(utils.NewShortID(8)).To(HaveLen(8))
			Expect(utils.NewShortID(8)).NotTo(Equal(utils.NewShortID(8)))
		})
	})
})

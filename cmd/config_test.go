package main

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	"procodus.dev/telemetry/internal/auth"
)

var _ = Describe("Configuration", func() {
	BeforeEach(func() {
		viper.Reset()
		setDefaults()
	})

	AfterEach(func() {
		viper.Reset()
	})

	Describe("loadCredentials", func() {
		It("reads a key list from the environment form", func() {
			viper.Set("auth.keys", "k1=Kitchen;k2=Garage")

			creds, err := loadCredentials()
			Expect(err).NotTo(HaveOccurred())
			Expect(creds.Len()).To(Equal(2))

			label, ok := creds.Lookup("k2")
			Expect(ok).To(BeTrue())
			Expect(label).To(Equal("Garage"))
		})

		It("reads a list of entries from the config file", func() {
			path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
			Expect(os.WriteFile(path, []byte(`
auth:
  required: true
  keys:
    - key: abc123
      label: Living Room
`), 0o600)).To(Succeed())
			Expect(InitConfig(path)).To(Succeed())

			creds, err := loadCredentials()
			Expect(err).NotTo(HaveOccurred())
			label, ok := creds.Lookup("abc123")
			Expect(ok).To(BeTrue())
			Expect(label).To(Equal("Living Room"))
		})

		It("refuses required auth without keys", func() {
			_, err := loadCredentials()
			Expect(err).To(HaveOccurred())
		})

		It("allows anonymous devices when auth is not required", func() {
			viper.Set("auth.required", false)

			creds, err := loadCredentials()
			Expect(err).NotTo(HaveOccurred())
			label, ok := creds.Lookup("anything")
			Expect(ok).To(BeTrue())
			Expect(label).To(Equal(auth.UnknownLabel))
		})
	})

	Describe("loadLocation", func() {
		It("defaults to UTC", func() {
			loc, err := loadLocation()
			Expect(err).NotTo(HaveOccurred())
			Expect(loc.String()).To(Equal("UTC"))
		})

		It("loads a named zone", func() {
			viper.Set("timezone", "Europe/Berlin")
			loc, err := loadLocation()
			Expect(err).NotTo(HaveOccurred())
			Expect(loc.String()).To(Equal("Europe/Berlin"))
		})

		It("rejects an unknown zone", func() {
			viper.Set("timezone", "Mars/Olympus")
			_, err := loadLocation()
			Expect(err).To(MatchError(ContainSubstring("failed to load timezone")))
		})
	})

	Describe("dbConfig", func() {
		It("uses the db defaults", func() {
			cfg := dbConfig(nil, true)
			Expect(cfg.Host).To(Equal("localhost"))
			Expect(cfg.Port).To(Equal(5432))
			Expect(cfg.DBName).To(Equal("telemetry"))
			Expect(cfg.SkipMigrations).To(BeTrue())
		})
	})

	Describe("parseHour", func() {
		DescribeTable("accepts common layouts",
			func(input string) {
				h, err := parseHour(input, time.UTC)
				Expect(err).NotTo(HaveOccurred())
				Expect(h.Hour()).To(Equal(14))
				Expect(h.Day()).To(Equal(31))
			},
			Entry("RFC 3339", "2024-01-31T14:00:00Z"),
			Entry("seconds", "2024-01-31 14:00:00"),
			Entry("minutes", "2024-01-31 14:30"),
			Entry("T separator", "2024-01-31T14:30"),
			Entry("hour only", "2024-01-31 14"),
		)

		It("rejects garbage", func() {
			_, err := parseHour("yesterday", time.UTC)
			Expect(err).To(MatchError(ContainSubstring("invalid --hour")))
		})
	})

	Describe("formatBytes", func() {
		DescribeTable("renders binary units",
			func(n int64, expected string) {
				Expect(formatBytes(n)).To(Equal(expected))
			},
			Entry("bytes", int64(512), "512 B"),
			Entry("kibibytes", int64(8192), "8.0 KiB"),
			Entry("mebibytes", int64(5*1024*1024+512*1024), "5.5 MiB"),
		)
	})
})

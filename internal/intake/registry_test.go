package intake

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Registry", func() {
	var (
		releaser *mockReleaser
		registry *Registry
	)

	BeforeEach(func() {
		releaser = &mockReleaser{}
		registry = NewRegistry(releaser, CollisionReplace)
	})

	Describe("Add", func() {
		var outcomes []AddOutcome

		JustBeforeEach(func() {
			outcomes = registry.Add(
				StagedFile{ID: "a", Name: "invoice1.jpg", PreviewRef: "ref-a"},
				StagedFile{ID: "b", Name: "invoice2.jpg", PreviewRef: "ref-b"},
			)
		})

		It("keeps insertion order", func() {
			files := registry.List()
			Expect(files).To(HaveLen(2))
			Expect(files[0].ID).To(Equal("a"))
			Expect(files[1].ID).To(Equal("b"))
		})

		It("starts every file idle", func() {
			for _, o := range outcomes {
				Expect(o.Err).NotTo(HaveOccurred())
				Expect(o.File.Status).To(Equal(StatusIdle))
			}
		})

		It("assigns an ID when none is given", func() {
			out := registry.Add(StagedFile{Name: "scan.pdf"})
			Expect(out[0].File.ID).NotTo(BeEmpty())
			Expect(registry.Has(out[0].File.ID)).To(BeTrue())
		})

		When("a name is added again", func() {
			var replaced []AddOutcome

			JustBeforeEach(func() {
				Expect(registry.SetStatus("a", StatusError, "bad scan")).To(Succeed())
				replaced = registry.Add(StagedFile{ID: "c", Name: "invoice1.jpg", PreviewRef: "ref-c", SizeBytes: 99})
			})

			It("replaces the entry in place and keeps its ID", func() {
				Expect(replaced[0].Replaced).To(BeTrue())
				Expect(replaced[0].Previous).To(Equal(StatusError))
				Expect(registry.Len()).To(Equal(2))
				f, ok := registry.Get("a")
				Expect(ok).To(BeTrue())
				Expect(f.SizeBytes).To(Equal(int64(99)))
				Expect(f.PreviewRef).To(Equal("ref-c"))
			})

			It("resets the status to idle", func() {
				f, _ := registry.Get("a")
				Expect(f.Status).To(Equal(StatusIdle))
				Expect(f.ErrorMessage).To(BeEmpty())
			})

			It("releases the old preview once", func() {
				Expect(releaser.refs()).To(Equal([]string{"ref-a"}))
			})
		})

		When("the replaced file is loading", func() {
			It("preserves the loading status", func() {
				_, err := registry.BeginExtraction("a")
				Expect(err).NotTo(HaveOccurred())

				registry.Add(StagedFile{Name: "invoice1.jpg", PreviewRef: "ref-new"})
				f, _ := registry.Get("a")
				Expect(f.Status).To(Equal(StatusLoading))
			})
		})

		When("the policy rejects duplicates", func() {
			BeforeEach(func() {
				registry = NewRegistry(releaser, CollisionReject)
			})

			It("refuses the duplicate and keeps the original", func() {
				out := registry.Add(StagedFile{ID: "c", Name: "invoice1.jpg", PreviewRef: "ref-c"})
				Expect(out[0].Err).To(MatchError(ErrDuplicateName))
				f, _ := registry.Get("a")
				Expect(f.PreviewRef).To(Equal("ref-a"))
				Expect(registry.Has("c")).To(BeFalse())
				Expect(releaser.refs()).To(BeEmpty())
			})
		})
	})

	Describe("AddDistinct", func() {
		It("keeps files with the same name apart", func() {
			registry.Add(StagedFile{ID: "a", Name: "capture-1.jpg", PreviewRef: "ref-a"})
			Expect(registry.SetStatus("a", StatusLoading, "")).To(Succeed())

			out := registry.AddDistinct(StagedFile{ID: "b", Name: "capture-1.jpg", PreviewRef: "ref-b"})
			Expect(out[0].Replaced).To(BeFalse())
			Expect(out[0].File.ID).To(Equal("b"))
			Expect(registry.Len()).To(Equal(2))

			a, _ := registry.Get("a")
			Expect(a.Status).To(Equal(StatusLoading))
			Expect(a.PreviewRef).To(Equal("ref-a"))
			Expect(releaser.refs()).To(BeEmpty())
		})
	})

	Describe("Remove", func() {
		BeforeEach(func() {
			registry.Add(StagedFile{ID: "a", Name: "invoice1.jpg", PreviewRef: "ref-a"})
		})

		It("deletes the file and releases its preview exactly once", func() {
			Expect(registry.Remove("a")).To(BeTrue())
			Expect(registry.Remove("a")).To(BeFalse())
			Expect(registry.Has("a")).To(BeFalse())
			Expect(releaser.refs()).To(Equal([]string{"ref-a"}))
		})

		It("is a no-op for an unknown ID", func() {
			Expect(registry.Remove("missing")).To(BeFalse())
			Expect(releaser.refs()).To(BeEmpty())
		})
	})

	Describe("Clear", func() {
		It("removes everything and releases each preview", func() {
			registry.Add(
				StagedFile{ID: "a", Name: "1.jpg", PreviewRef: "ref-a"},
				StagedFile{ID: "b", Name: "2.jpg", PreviewRef: "ref-b"},
			)
			Expect(registry.Clear()).To(ConsistOf("a", "b"))
			Expect(registry.Len()).To(BeZero())
			Expect(releaser.refs()).To(ConsistOf("ref-a", "ref-b"))
		})
	})

	Describe("BeginExtraction", func() {
		BeforeEach(func() {
			registry.Add(StagedFile{ID: "a", Name: "invoice1.jpg"})
		})

		It("moves the file to loading", func() {
			f, err := registry.BeginExtraction("a")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Status).To(Equal(StatusLoading))
		})

		It("refuses a file that is already loading", func() {
			_, err := registry.BeginExtraction("a")
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.BeginExtraction("a")
			Expect(err).To(MatchError(ErrExtractionInFlight))
		})

		It("allows re-extraction of a successful file", func() {
			Expect(registry.SetStatus("a", StatusSuccess, "")).To(Succeed())
			_, err := registry.BeginExtraction("a")
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails for an unknown file", func() {
			_, err := registry.BeginExtraction("missing")
			Expect(err).To(MatchError(ErrFileNotFound))
		})
	})

	Describe("SetStatus", func() {
		BeforeEach(func() {
			registry.Add(StagedFile{ID: "a", Name: "invoice1.jpg"})
		})

		It("keeps the message only for errors", func() {
			Expect(registry.SetStatus("a", StatusError, "timeout")).To(Succeed())
			f, _ := registry.Get("a")
			Expect(f.ErrorMessage).To(Equal("timeout"))

			Expect(registry.SetStatus("a", StatusSuccess, "ignored")).To(Succeed())
			f, _ = registry.Get("a")
			Expect(f.ErrorMessage).To(BeEmpty())
		})

		It("lists files by status", func() {
			registry.Add(StagedFile{ID: "b", Name: "2.jpg"}, StagedFile{ID: "c", Name: "3.jpg"})
			Expect(registry.SetStatus("b", StatusError, "x")).To(Succeed())
			Expect(registry.SetStatus("c", StatusSuccess, "")).To(Succeed())
			Expect(registry.IDsWithStatus(StatusIdle, StatusError)).To(Equal([]string{"a", "b"}))
		})
	})
})

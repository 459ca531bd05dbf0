package integration

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/stacklok/chanstate/internal/api/v1"
	"github.com/stacklok/chanstate/internal/bookmarks"
	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/internal/descriptor"
	"github.com/stacklok/chanstate/test-integration/chanstate/helpers"
)

const bookmarkPath = "/api/v1/bookmarks/4chan/g/100"

var _ = Describe("Bookmarks", Label("bookmarks"), func() {
	var (
		tempDir      string
		serverHelper *helpers.ServerTestHelper
	)

	AfterEach(func() {
		if serverHelper != nil {
			Expect(serverHelper.StopServer()).To(Succeed())
		}
		cleanupTempDir(tempDir)
	})

	DescribeTable("survive a restart",
		func(storageType string) {
			tempDir = createTempDir("chanstate-bookmarks-")
			configPath := helpers.WriteConfigYAML(tempDir, helpers.StorageOptions{Type: storageType})

			By("starting the server")
			serverHelper = helpers.NewServerTestHelper(ctx, configPath)
			Expect(serverHelper.StartServer()).To(Succeed())
			serverHelper.WaitForServerReady(10 * time.Second)

			By("creating a bookmark")
			thread := descriptor.NewThread("4chan", "g", 100)
			resp, err := serverHelper.Do(http.MethodPost, "/api/v1/bookmarks", []bookmarks.SimpleBookmark{
				{Thread: thread, Title: "desktop thread"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var created v1.KeysResponse
			Expect(helpers.DecodeResponse(resp, &created)).To(Succeed())
			Expect(created.Keys).To(ConsistOf("4chan/g/100"))

			By("creating it again")
			resp, err = serverHelper.Do(http.MethodPost, "/api/v1/bookmarks", []bookmarks.SimpleBookmark{
				{Thread: thread, Title: "ignored"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(helpers.DecodeResponse(resp, &created)).To(Succeed())
			Expect(created.Keys).To(BeEmpty())

			By("reporting a viewed post")
			resp, err = serverHelper.Do(http.MethodPost, bookmarkPath+"/viewed", v1.PostViewedRequest{PostNo: 150, Unseen: 3})
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			Eventually(func(g Gomega) {
				resp, err := serverHelper.Get(bookmarkPath)
				g.Expect(err).NotTo(HaveOccurred())
				var b bookmarks.Bookmark
				g.Expect(helpers.DecodeResponse(resp, &b)).To(Succeed())
				g.Expect(b.LastViewedPostNo).To(Equal(int64(150)))
			}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

			By("restarting the server")
			Expect(serverHelper.StopServer()).To(Succeed())
			serverHelper = helpers.NewServerTestHelper(ctx, configPath)
			Expect(serverHelper.StartServer()).To(Succeed())
			serverHelper.WaitForServerReady(10 * time.Second)

			By("reading the bookmark back")
			resp, err = serverHelper.Get(bookmarkPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var b bookmarks.Bookmark
			Expect(helpers.DecodeResponse(resp, &b)).To(Succeed())
			Expect(b.Title).To(Equal("desktop thread"))
			Expect(b.LastViewedPostNo).To(Equal(int64(150)))
			Expect(b.IsActive()).To(BeTrue())

			resp, err = serverHelper.Get("/api/v1/bookmarks/stats")
			Expect(err).NotTo(HaveOccurred())
			var stats v1.BookmarkStats
			Expect(helpers.DecodeResponse(resp, &stats)).To(Succeed())
			Expect(stats.Count).To(Equal(1))
			Expect(stats.Active).To(Equal(1))

			By("deleting the bookmark")
			resp, err = serverHelper.Do(http.MethodDelete, bookmarkPath, nil)
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, err = serverHelper.Get(bookmarkPath)
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		},
		Entry("with file storage", config.StorageTypeFile),
		Entry("with bolt storage", config.StorageTypeBolt),
	)

	It("rejects malformed thread paths", func() {
		tempDir = createTempDir("chanstate-bookmarks-")
		configPath := helpers.WriteConfigYAML(tempDir, helpers.StorageOptions{Type: config.StorageTypeFile})

		serverHelper = helpers.NewServerTestHelper(ctx, configPath)
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)

		resp, err := serverHelper.Get("/api/v1/bookmarks/4chan/g/not-a-number")
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})
})

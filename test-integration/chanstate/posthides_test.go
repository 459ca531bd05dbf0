package integration

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/stacklok/chanstate/internal/api/v1"
	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/internal/descriptor"
	"github.com/stacklok/chanstate/internal/posthides"
	"github.com/stacklok/chanstate/test-integration/chanstate/helpers"
)

var _ = Describe("Post hides and change events", Label("posthides", "events"), func() {
	var (
		tempDir      string
		serverHelper *helpers.ServerTestHelper
		thread       = descriptor.NewThread("4chan", "v", 7)
	)

	BeforeEach(func() {
		tempDir = createTempDir("chanstate-posthides-")
		configPath := helpers.WriteConfigYAML(tempDir, helpers.StorageOptions{Type: config.StorageTypeBolt})

		serverHelper = helpers.NewServerTestHelper(ctx, configPath)
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		Expect(serverHelper.StopServer()).To(Succeed())
		cleanupTempDir(tempDir)
	})

	hide := func(no int64) posthides.PostHide {
		return posthides.PostHide{Post: descriptor.NewPost(thread, no), Manual: true}
	}

	threadHides := func() []posthides.PostHide {
		resp, err := serverHelper.Get("/api/v1/posthides/4chan/v/7")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var hides []posthides.PostHide
		Expect(helpers.DecodeResponse(resp, &hides)).To(Succeed())
		return hides
	}

	It("streams durable changes to subscribers", func() {
		stream, err := serverHelper.OpenEventStream(posthides.Name)
		Expect(err).NotTo(HaveOccurred())
		defer stream.Close()

		resp, err := serverHelper.Do(http.MethodPost, "/api/v1/posthides", []posthides.PostHide{hide(8), hide(9)})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var created v1.KeysResponse
		Expect(helpers.DecodeResponse(resp, &created)).To(Succeed())
		Expect(created.Keys).To(ConsistOf("4chan/v/7/8", "4chan/v/7/9"))

		Eventually(stream.Events(), 5*time.Second).Should(Receive(SatisfyAll(
			HaveField("Manager", posthides.Name),
			HaveField("Kind", "created"),
			HaveField("Keys", ConsistOf("4chan/v/7/8", "4chan/v/7/9")),
		)))

		resp, err = serverHelper.Do(http.MethodPost, "/api/v1/posthides/remove", v1.RemovePostHidesRequest{
			Posts: []descriptor.PostDescriptor{descriptor.NewPost(thread, 8)},
		})
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		Eventually(stream.Events(), 5*time.Second).Should(Receive(SatisfyAll(
			HaveField("Kind", "deleted"),
			HaveField("Keys", ConsistOf("4chan/v/7/8")),
		)))
		Expect(threadHides()).To(ConsistOf(HaveField("Post.No", int64(9))))
	})

	It("persists hides across a restart", func() {
		resp, err := serverHelper.Do(http.MethodPost, "/api/v1/posthides", []posthides.PostHide{hide(10)})
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		Expect(serverHelper.StopServer()).To(Succeed())
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)

		Expect(threadHides()).To(ConsistOf(SatisfyAll(
			HaveField("Post.No", int64(10)),
			HaveField("Manual", true),
		)))

		resp, err = serverHelper.Do(http.MethodDelete, "/api/v1/posthides", nil)
		Expect(err).NotTo(HaveOccurred())
		var deleted map[string]int
		Expect(helpers.DecodeResponse(resp, &deleted)).To(Succeed())
		Expect(deleted).To(HaveKeyWithValue("deleted", 1))
		Expect(threadHides()).To(BeEmpty())
	})

	It("rejects unknown managers on the event stream", func() {
		_, err := serverHelper.OpenEventStream("threads")
		Expect(err).To(MatchError(ContainSubstring("status 400")))
	})
})

package integration

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/stacklok/chanstate/internal/api/v1"
	"github.com/stacklok/chanstate/internal/boards"
	"github.com/stacklok/chanstate/internal/config"
	"github.com/stacklok/chanstate/test-integration/chanstate/helpers"
)

const boardsPath = "/api/v1/boards/4chan"

func activeCodes(serverHelper *helpers.ServerTestHelper) []string {
	resp, err := serverHelper.Get(boardsPath + "?active=true")
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	var list []boards.Board
	Expect(helpers.DecodeResponse(resp, &list)).To(Succeed())

	codes := make([]string, 0, len(list))
	for _, b := range list {
		codes = append(codes, b.Descriptor.Code)
	}
	return codes
}

var _ = Describe("Boards", Label("boards"), func() {
	var (
		tempDir      string
		serverHelper *helpers.ServerTestHelper
	)

	BeforeEach(func() {
		tempDir = createTempDir("chanstate-boards-")
		// Only shutdown can persist a move within this window
		configPath := helpers.WriteConfigYAML(tempDir, helpers.StorageOptions{
			Type:           config.StorageTypeFile,
			BoardsDebounce: "1h",
		})

		serverHelper = helpers.NewServerTestHelper(ctx, configPath)
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)

		resp, err := serverHelper.Do(http.MethodPut, boardsPath, []boards.Board{
			{Descriptor: boards.NewBoard("4chan", "a", "").Descriptor, Name: "Anime & Manga"},
			{Descriptor: boards.NewBoard("4chan", "g", "").Descriptor, Name: "Technology", WorkSafe: true},
			{Descriptor: boards.NewBoard("4chan", "v", "").Descriptor, Name: "Video Games", WorkSafe: true},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var changed v1.KeysResponse
		Expect(helpers.DecodeResponse(resp, &changed)).To(Succeed())
		Expect(changed.Keys).To(ConsistOf("4chan/a", "4chan/g", "4chan/v"))

		resp, err = serverHelper.Do(http.MethodPost, boardsPath+"/activate", v1.ActivateRequest{
			Codes:  []string{"a", "g", "v"},
			Active: true,
		})
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	AfterEach(func() {
		Expect(serverHelper.StopServer()).To(Succeed())
		cleanupTempDir(tempDir)
	})

	It("keeps the active order across a restart", func() {
		Expect(activeCodes(serverHelper)).To(Equal([]string{"a", "g", "v"}))

		By("moving the last board to the front")
		resp, err := serverHelper.Do(http.MethodPost, boardsPath+"/move", v1.MoveRequest{From: 2, To: 0})
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		Expect(activeCodes(serverHelper)).To(Equal([]string{"v", "a", "g"}))

		By("restarting before the debounce window elapses")
		Expect(serverHelper.StopServer()).To(Succeed())
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)

		Expect(activeCodes(serverHelper)).To(Equal([]string{"v", "a", "g"}))
	})

	It("rejects moves outside the active boards", func() {
		resp, err := serverHelper.Do(http.MethodPost, boardsPath+"/move", v1.MoveRequest{From: 0, To: 3})
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("keeps user state when the site reports its boards again", func() {
		resp, err := serverHelper.Do(http.MethodPut, boardsPath, []boards.Board{
			{Descriptor: boards.NewBoard("4chan", "g", "").Descriptor, Name: "Technology", BumpLimit: 310},
		})
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = serverHelper.Get(boardsPath + "/g")
		Expect(err).NotTo(HaveOccurred())
		var b boards.Board
		Expect(helpers.DecodeResponse(resp, &b)).To(Succeed())
		Expect(b.BumpLimit).To(Equal(310))
		Expect(b.Active).To(BeTrue())
	})

	It("deactivates and deletes boards", func() {
		resp, err := serverHelper.Do(http.MethodPost, boardsPath+"/activate", v1.ActivateRequest{Codes: []string{"g"}})
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(activeCodes(serverHelper)).To(Equal([]string{"a", "v"}))

		resp, err = serverHelper.Do(http.MethodDelete, boardsPath+"/a", nil)
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		resp, err = serverHelper.Get(boardsPath + "/a")
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})

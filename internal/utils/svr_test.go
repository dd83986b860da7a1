package utils_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NexusGPU/slowmode/internal/utils"
)

var _ = Describe("ExtractBearerToken", func() {
	DescribeTable("reads the authorization header",
		func(header, expected string, found bool) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				c.Request.Header.Set(utils.AuthorizationHeader, header)
			}
			token, ok := utils.ExtractBearerToken(c)
			Expect(ok).To(Equal(found))
			Expect(token).To(Equal(expected))
		},
		Entry("missing", "", "", false),
		Entry("bearer prefix", "Bearer abc", "abc", true),
		Entry("no prefix", "abc", "abc", true),
	)

	It("compares tokens", func() {
		Expect(utils.TokenMatches("abc", "abc")).To(BeTrue())
		Expect(utils.TokenMatches("abc", "abd")).To(BeFalse())
		Expect(utils.TokenMatches("", "abc")).To(BeFalse())
	})
})

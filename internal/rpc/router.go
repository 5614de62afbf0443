package rpc

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-energy-api/pkg/response"
)

// NewRouter builds the front door: POST /json-rpc and a bare 404 for
// everything else. mw is bound to the endpoint only, so unknown routes
// answer 404 without passing auth or rate limiting.
func NewRouter(h *Handler, mw ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.RedirectTrailingSlash = false

	router.Use(gin.CustomRecovery(Recover))

	handlers := append(append([]gin.HandlerFunc{}, mw...), h.Serve)
	router.POST(Path, handlers...)
	router.NoRoute(response.NotFound)
	router.NoMethod(response.NotFound)
	return router
}

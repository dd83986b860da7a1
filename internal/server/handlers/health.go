/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NexusGPU/slowmode/internal/server/api"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	ready func() bool
}

// NewHealthHandler creates a new health handler. ready may be nil, in
// which case the server is always ready.
func NewHealthHandler(ready func() bool) *HealthHandler {
	return &HealthHandler{ready: ready}
}

// HandleHealthz handles GET /healthz
func (h *HealthHandler) HandleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, api.StatusResponse{Status: "ok"})
}

// HandleReadyz handles GET /readyz
func (h *HealthHandler) HandleReadyz(c *gin.Context) {
	if h.ready != nil && !h.ready() {
		c.JSON(http.StatusServiceUnavailable, api.StatusResponse{Status: "not ready"})
		return
	}
	c.JSON(http.StatusOK, api.StatusResponse{Status: "ready"})
}

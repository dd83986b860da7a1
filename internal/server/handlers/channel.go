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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/NexusGPU/slowmode/internal/manager"
	"github.com/NexusGPU/slowmode/internal/pid"
	"github.com/NexusGPU/slowmode/internal/server/api"
	"github.com/NexusGPU/slowmode/internal/tracker"
)

// ChannelController is the part of the manager the admin API drives.
type ChannelController interface {
	Statuses() []tracker.Status
	Status(id string) (tracker.Status, error)
	Pause(id string) error
	Resume(id string) error
	Retune(id string, kp, ki, kd float64) error
	SetLimits(id string, outputMin, outputMax *float64) error
}

// ChannelHandler handles channel status and admin endpoints
type ChannelHandler struct {
	controller ChannelController
}

func NewChannelHandler(controller ChannelController) *ChannelHandler {
	return &ChannelHandler{controller: controller}
}

// HandleGetChannels handles GET /api/v1/channels
func (h *ChannelHandler) HandleGetChannels(c *gin.Context) {
	c.JSON(http.StatusOK, api.DataResponse[[]tracker.Status]{Data: h.controller.Statuses()})
}

// HandleGetChannel handles GET /api/v1/channels/:id
func (h *ChannelHandler) HandleGetChannel(c *gin.Context) {
	status, err := h.controller.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.DataResponse[tracker.Status]{Data: status})
}

// HandlePauseChannel handles POST /api/v1/channels/:id/pause
func (h *ChannelHandler) HandlePauseChannel(c *gin.Context) {
	h.apply(c, "channel paused", func(id string) error {
		return h.controller.Pause(id)
	})
}

// HandleResumeChannel handles POST /api/v1/channels/:id/resume
func (h *ChannelHandler) HandleResumeChannel(c *gin.Context) {
	h.apply(c, "channel resumed", func(id string) error {
		return h.controller.Resume(id)
	})
}

// HandleSetTunings handles PUT /api/v1/channels/:id/tunings
func (h *ChannelHandler) HandleSetTunings(c *gin.Context) {
	var req api.TuningsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	h.apply(c, "tunings updated", func(id string) error {
		return h.controller.Retune(id, *req.Kp, *req.Ki, *req.Kd)
	})
}

// HandleSetLimits handles PUT /api/v1/channels/:id/limits
func (h *ChannelHandler) HandleSetLimits(c *gin.Context) {
	var req api.LimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	h.apply(c, "limits updated", func(id string) error {
		return h.controller.SetLimits(id, req.Min, req.Max)
	})
}

func (h *ChannelHandler) apply(c *gin.Context, message string, op func(id string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		writeError(c, err)
		return
	}
	log.FromContext(c.Request.Context()).Info(message, "channel", id)

	status, err := h.controller.Status(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.MessageAndDataResponse[tracker.Status]{Message: message, Data: status})
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pid.ErrInvalidConfig):
		code = http.StatusBadRequest
	}
	c.JSON(code, api.ErrorResponse{Error: err.Error()})
}

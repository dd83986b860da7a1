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
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NexusGPU/slowmode/internal/ingest"
	"github.com/NexusGPU/slowmode/internal/server/api"
)

const maxEventBodyBytes = 1 << 20

// EventHandler feeds events posted over HTTP into the manager
type EventHandler struct {
	sink ingest.Sink
}

func NewEventHandler(sink ingest.Sink) *EventHandler {
	return &EventHandler{sink: sink}
}

// HandlePostEvents handles POST /api/v1/events with one event or an array
func (h *EventHandler) HandlePostEvents(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: err.Error()})
		return
	}
	events, err := ingest.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, api.DataResponse[ingest.Result]{Data: ingest.DispatchAll(h.sink, events)})
}

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

package api

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// DataResponse is a generic response wrapper for data-only responses
type DataResponse[T any] struct {
	Data T `json:"data"`
}

// MessageAndDataResponse is a generic response wrapper for responses with message and data
type MessageAndDataResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// StatusResponse represents a simple status response
type StatusResponse struct {
	Status string `json:"status"`
}

// TuningsRequest is the body of PUT /api/v1/channels/:id/tunings
type TuningsRequest struct {
	Kp *float64 `json:"kp" binding:"required"`
	Ki *float64 `json:"ki" binding:"required"`
	Kd *float64 `json:"kd" binding:"required"`
}

// LimitsRequest is the body of PUT /api/v1/channels/:id/limits. A missing
// bound removes it.
type LimitsRequest struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

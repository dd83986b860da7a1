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

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/NexusGPU/slowmode/internal/actuator"
	"github.com/NexusGPU/slowmode/internal/ingest"
	"github.com/NexusGPU/slowmode/internal/manager"
	"github.com/NexusGPU/slowmode/internal/metrics"
	"github.com/NexusGPU/slowmode/internal/server/api"
	"github.com/NexusGPU/slowmode/internal/tracker"
)

func decode[T any](body io.Reader) T {
	var out T
	ExpectWithOffset(1, json.NewDecoder(body).Decode(&out)).To(Succeed())
	return out
}

var _ = Describe("Server", func() {
	var (
		mgr      *manager.Manager
		recorder *metrics.Prometheus
		ts       *httptest.Server
	)

	do := func(method, path, body string) *http.Response {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, ts.URL+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	BeforeEach(func() {
		var err error
		recorder = metrics.NewPrometheus(false)
		mgr, err = manager.New(
			actuator.Func(func(_ context.Context, _ string, v int) (int, error) { return v, nil }),
			manager.WithTickInterval(30*time.Second),
			manager.WithClock(testclock.NewFakeClock(time.Now())),
			manager.WithRecorder(recorder),
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.Register("42", tracker.Config{
			Setpoint: 0.05, Kp: -1.5, Ki: -0.3, Kd: -0.5,
			OutputMin: ptr.To(0.0), OutputMax: ptr.To(21600.0),
		})).To(Succeed())

		ts = httptest.NewServer(NewServer(mgr, recorder.Registry(), ":0").Handler())
		DeferCleanup(ts.Close)
		DeferCleanup(mgr.Stop)
	})

	Describe("health", func() {
		It("is healthy but not ready before the manager starts", func() {
			Expect(do(http.MethodGet, "/healthz", "").StatusCode).To(Equal(http.StatusOK))

			resp := do(http.MethodGet, "/readyz", "")
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(decode[api.StatusResponse](resp.Body).Status).To(Equal("not ready"))
		})

		It("is ready while the manager runs", func() {
			ctx, cancel := context.WithCancel(context.Background())
			DeferCleanup(cancel)
			go func() {
				_ = mgr.Start(ctx)
			}()
			Eventually(mgr.Running).Should(BeTrue())
			Expect(do(http.MethodGet, "/readyz", "").StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("channels", func() {
		It("lists channel statuses", func() {
			resp := do(http.MethodGet, "/api/v1/channels", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get(RequestIDHeader)).NotTo(BeEmpty())

			list := decode[api.DataResponse[[]tracker.Status]](resp.Body)
			Expect(list.Data).To(HaveLen(1))
			Expect(list.Data[0].ID).To(Equal("42"))
			Expect(list.Data[0].Controller.Active).To(BeTrue())
		})

		It("echoes a caller supplied request id", func() {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/channels/42", nil)
			req.Header.Set(RequestIDHeader, "abc")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get(RequestIDHeader)).To(Equal("abc"))
		})

		DescribeTable("returns 404 for unknown channels",
			func(method, path, body string) {
				resp := do(method, path, body)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(decode[api.ErrorResponse](resp.Body).Error).To(ContainSubstring("not found"))
			},
			Entry("get", http.MethodGet, "/api/v1/channels/7", ""),
			Entry("pause", http.MethodPost, "/api/v1/channels/7/pause", ""),
			Entry("resume", http.MethodPost, "/api/v1/channels/7/resume", ""),
			Entry("tunings", http.MethodPut, "/api/v1/channels/7/tunings", `{"kp":1,"ki":1,"kd":1}`),
			Entry("limits", http.MethodPut, "/api/v1/channels/7/limits", `{"min":0}`),
		)

		It("pauses and resumes a channel", func() {
			resp := do(http.MethodPost, "/api/v1/channels/42/pause", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			paused := decode[api.MessageAndDataResponse[tracker.Status]](resp.Body)
			Expect(paused.Message).To(Equal("channel paused"))
			Expect(paused.Data.Controller.Active).To(BeFalse())

			resp = do(http.MethodPost, "/api/v1/channels/42/resume", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode[api.MessageAndDataResponse[tracker.Status]](resp.Body).Data.Controller.Active).To(BeTrue())
		})

		It("retunes a channel", func() {
			resp := do(http.MethodPut, "/api/v1/channels/42/tunings", `{"kp":-2,"ki":-0.1,"kd":0}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			status := decode[api.MessageAndDataResponse[tracker.Status]](resp.Body).Data
			Expect(status.Controller.Kp).To(Equal(-2.0))
			Expect(status.Controller.Ki).To(BeNumerically("~", -0.1, 1e-12))
		})

		It("rejects incomplete tunings", func() {
			resp := do(http.MethodPut, "/api/v1/channels/42/tunings", `{"kp":-2}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("updates and validates limits", func() {
			resp := do(http.MethodPut, "/api/v1/channels/42/limits", `{"min":0,"max":60}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			status := decode[api.MessageAndDataResponse[tracker.Status]](resp.Body).Data
			Expect(status.Controller.OutputMax).To(Equal(ptr.To(60.0)))

			resp = do(http.MethodPut, "/api/v1/channels/42/limits", `{"min":10,"max":1}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("events", func() {
		It("accepts a single event", func() {
			resp := do(http.MethodPost, "/api/v1/events", `{"type":"message_create","channel_id":"42","author_id":"u1"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(decode[api.DataResponse[ingest.Result]](resp.Body).Data).To(Equal(ingest.Result{Accepted: 1}))

			status, err := mgr.Status("42")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Events).To(BeEquivalentTo(1))
			Expect(status.HasActivity).To(BeTrue())
		})

		It("summarises a batch", func() {
			resp := do(http.MethodPost, "/api/v1/events", `[
				{"type":"message_create","channel_id":"42","author_id":"u1"},
				{"type":"channel_update","channel_id":"42","rate_limit_per_user":10},
				{"type":"message_create","channel_id":"7","author_id":"u1"},
				{"type":"message_create","channel_id":"42"}
			]`)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(decode[api.DataResponse[ingest.Result]](resp.Body).Data).To(Equal(ingest.Result{Accepted: 2, Unknown: 1, Invalid: 1}))

			status, _ := mgr.Status("42")
			Expect(status.CurrentActuation).To(Equal(10))
		})

		It("rejects a malformed body", func() {
			resp := do(http.MethodPost, "/api/v1/events", `{"type":`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			secured := httptest.NewServer(NewServer(mgr, recorder.Registry(), ":0", WithAdminToken("secret")).Handler())
			DeferCleanup(secured.Close)
			ts = secured
		})

		DescribeTable("guards the api routes",
			func(header string, expected int) {
				req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/channels", nil)
				Expect(err).NotTo(HaveOccurred())
				if header != "" {
					req.Header.Set("Authorization", header)
				}
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(expected))
			},
			Entry("missing token", "", http.StatusUnauthorized),
			Entry("wrong token", "Bearer nope", http.StatusUnauthorized),
			Entry("bearer token", "Bearer secret", http.StatusOK),
			Entry("bare token", "secret", http.StatusOK),
		)

		It("leaves health and metrics open", func() {
			Expect(do(http.MethodGet, "/healthz", "").StatusCode).To(Equal(http.StatusOK))
			Expect(do(http.MethodGet, "/metrics", "").StatusCode).To(Equal(http.StatusOK))
		})
	})

	It("serves prometheus metrics", func() {
		resp := do(http.MethodGet, "/metrics", "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("slowmode_trackers 1"))
	})
})

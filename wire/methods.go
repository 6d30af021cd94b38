// Copyright 2026 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import "github.com/tunnelrelay/relay/proxyconf"

// Control protocol method names, spec §4.3.
const (
	MethodAuthenticate  = "authenticate"
	MethodSubmitConfig  = "submit_config"
	MethodHeartbeat     = "heartbeat"
	MethodPushConfig    = "push_config_status"
	MethodPushException = "push_exception"
	MethodPushStats     = "push_stats"
)

// BaselineProtocolVersion is assumed when a client's authenticate
// params omit protocol_version.
const BaselineProtocolVersion = 1

// AuthenticateParams is the params object of an authenticate request.
type AuthenticateParams struct {
	AuthKey         string `json:"auth_key"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`
	RunID           string `json:"run_id,omitempty"`
}

// AuthenticateResult is the result object of a successful
// authenticate response.
type AuthenticateResult struct {
	RunID string `json:"run_id"`
}

// SubmitConfigParams is the params object of a submit_config request.
type SubmitConfigParams struct {
	proxyconf.Bundle
}

// DescriptorOutcome reports whether one descriptor in a submitted
// bundle was accepted.
type DescriptorOutcome struct {
	Name        string `json:"name"`
	PublishPort int    `json:"publish_port"`
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
}

// SubmitConfigResult / PushConfigStatusParams share the same shape:
// the accepted/rejected split spec §4.4 requires as both the RPC
// result and the push_config_status notification payload.
type SubmitConfigResult struct {
	Outcomes []DescriptorOutcome `json:"outcomes"`
}

// PushConfigStatusParams is identical in shape to SubmitConfigResult;
// it is the notification form sent in addition to the RPC result.
type PushConfigStatusParams = SubmitConfigResult

// ExceptionLevel is the severity of a push_exception notification.
type ExceptionLevel string

const (
	LevelError   ExceptionLevel = "error"
	LevelWarning ExceptionLevel = "warning"
	LevelInfo    ExceptionLevel = "info"
)

// Exception codes referenced by spec §4.4 and §8.
const (
	CodeProxyBindRetry  = "PROXY_BIND_RETRY"
	CodeProxyBindFailed = "PROXY_BIND_FAILED"
)

// PushExceptionParams is the params object of a push_exception
// notification.
type PushExceptionParams struct {
	Level   ExceptionLevel `json:"level"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Data    any            `json:"data,omitempty"`
}

// BindRetryData is the Data payload of a PROXY_BIND_RETRY/FAILED
// exception.
type BindRetryData struct {
	ProxyName        string  `json:"proxy_name"`
	PublishPort      int     `json:"publish_port"`
	RetryCount       int     `json:"retry_count"`
	RetryDelaySecs   float64 `json:"retry_delay_secs,omitempty"`
	Error            string  `json:"error"`
}

// HeartbeatParams is the (empty) params object of a heartbeat request.
type HeartbeatParams struct{}

// StatSnapshot is one registration's worth of the push_stats payload.
type StatSnapshot struct {
	Name              string `json:"name"`
	PublishPort       int    `json:"publish_port"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	ActiveConnections int64  `json:"active_connections"`
}

// PushStatsParams is the params object of a push_stats notification.
type PushStatsParams struct {
	Stats []StatSnapshot `json:"stats"`
}

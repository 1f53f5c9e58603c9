// Copyright 2024 BasaltDB, Inc.
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Tablet metrics.
var (
	OperationsInflightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "basalt",
			Subsystem: "tablet",
			Name:      "operations_inflight",
			Help:      "Number of operations currently in-flight, by operation type.",
		}, []string{LblTablet, LblType})

	AllOperationsInflightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "basalt",
			Subsystem: "tablet",
			Name:      "all_operations_inflight",
			Help:      "Number of operations currently in-flight, including any type.",
		}, []string{LblTablet})

	OperationMemoryRejectionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "basalt",
			Subsystem: "tablet",
			Name:      "operation_memory_pressure_rejections_total",
			Help:      "Number of operations rejected because the tablet's operation memory limit was reached.",
		}, []string{LblTablet})
)

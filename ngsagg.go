// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ngsagg carries the ambient configuration and error-taxonomy types
// shared across the variant-calling aggregation engine's packages: the
// Config struct of core tunables (cmd/ngsagg-run and cmd/ngsagg-aggregate
// read their flags into package variables and do not populate it), and
// StageError, the structured fatal-error wrapper
// named in spec §6 ("non-zero with a structured error containing stage name
// and cause on failure").
package ngsagg

import "fmt"

// Config is the set of tunables the core recognizes (spec §6
// "Configuration"). The original pipeline's CLI-parsing/config.ini
// machinery is out of scope; this struct is the equivalent carrier for the
// Go rendition.
type Config struct {
	MinCoverage           int
	MinFrequency          float64
	AlignToRef            bool
	MaxBasecallIterations int
	CPUCount              int // 0 = runtime.NumCPU()
	Cleanup               bool
}

// StageError is a fatal error tagged with the pipeline stage it occurred
// in, surfaced up to the CLI entry points as spec §6's "structured error
// containing stage name and cause".
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ngsagg: stage %q failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

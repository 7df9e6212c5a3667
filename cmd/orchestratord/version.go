// Copyright 2025 Kadir Pekel
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

package main

import (
	"fmt"
	"runtime"
)

// Version identifies the orchestratord build. BuildDate and GitCommit are
// overridden at link time with -ldflags "-X main.BuildDate=... -X main.GitCommit=...".
const Version = "0.1.0-alpha"

var (
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func versionString() string {
	return fmt.Sprintf("orchestratord %s (built %s, commit %s, %s %s)",
		Version, BuildDate, GitCommit, runtime.Version(), runtime.GOOS+"/"+runtime.GOARCH)
}

//  Copyright 2019 Google Inc. All Rights Reserved.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package cmdutil contains small helpers shared across the engine:
// subprocess execution (PluginRunner scripts) and path/existence checks.
package cmdutil

import (
	"bytes"
	"context"
	"os"
	"os/exec"
)

// CommandRunner abstracts subprocess execution so every package that shells
// out (plugin scripts, archive tooling) can be exercised with a fake in
// tests instead of actually invoking INSTALL/REMOVE scripts.
type CommandRunner interface {
	Run(ctx context.Context, cmd *exec.Cmd) (stdout, stderr []byte, err error)
}

// DefaultRunner runs commands for real via os/exec.
type DefaultRunner struct{}

// Run implements CommandRunner.
func (d *DefaultRunner) Run(ctx context.Context, cmd *exec.Cmd) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Exists checks for the existence of a file.
func Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

// Package main provides build targets for larder using Mage.
//
// Usage:
//
//	mage build       Compile the larder binary to bin/
//	mage install     Install larder to GOPATH/bin
//	mage clean       Remove build artifacts
//	mage test:all    Run all tests
//	mage test:short  Run tests without the real SQLite round trips
//	mage test:race   Run all tests with the race detector
//	mage test:bench  Run the session benchmarks
//	mage test:cover  Write a coverage profile to bin/cover.out
//	mage lint        Run golangci-lint
//	mage stats       Print Go line counts per package
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "larder"
	binaryDir  = "bin"
	cmdDir     = "./cmd/larder"
	versionVar = "github.com/mesh-intelligence/larder/internal/cli.Version"
)

// ldflags stamps the version from LARDER_VERSION or the nearest git tag.
func ldflags() string {
	version := os.Getenv("LARDER_VERSION")
	if version == "" {
		if tag, err := sh.Output("git", "describe", "--tags", "--always"); err == nil {
			version = strings.TrimPrefix(strings.TrimSpace(tag), "v")
		}
	}
	if version == "" {
		return ""
	}
	return fmt.Sprintf("-X %s=%s", versionVar, version)
}

// Build compiles the larder binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	args := []string{"build", "-v", "-o", filepath.Join(binaryDir, binaryName)}
	if flags := ldflags(); flags != "" {
		args = append(args, "-ldflags", flags)
	}
	return sh.RunV(binGo, append(args, cmdDir)...)
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	return sh.RunV(binGo, "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output(binGo, "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}

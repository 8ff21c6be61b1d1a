//go:build mage

// Package main provides build targets for the ledger project using Mage.
//
// Usage:
//
//	mage build          Compile the ledger binary to bin/
//	mage test:all       Run all tests
//	mage test:race      Run all tests with the race detector
//	mage test:postgres  Run the store tests against a throwaway PostgreSQL container
//	mage verify         Build, then run the conformance scenarios
//	mage lint           Run golangci-lint
//	mage clean          Remove build artifacts
//	mage install        Install ledger to GOPATH/bin
//	mage stats          Print Go lines of code
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binGo      = "go"
	binaryName = "ledger"
	binaryDir  = "bin"
	cmdDir     = "./cmd/ledger"
)

// Build compiles the ledger binary to bin/.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	return sh.RunV(binGo, "build", "-v", "-o", filepath.Join(binaryDir, binaryName), cmdDir)
}

// Verify builds the binary and runs every conformance scenario in a
// scratch data directory.
func Verify() error {
	mg.Deps(Build)
	dir, err := os.MkdirTemp("", "ledger-verify-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	return sh.RunV(filepath.Join(binaryDir, binaryName),
		"--config-dir", filepath.Join(dir, "config"),
		"--data-dir", filepath.Join(dir, "data"),
		"verify", "--metrics")
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
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

//go:build mage

// Tools for building and maintaining the QMP bridge.
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// binaries built by Build, relative to the module root.
var binaries = []string{"qmpd", "qmpsend", "aopemu"}

// Compiles qmpd, qmpsend, and aopemu into bin/.
func Build() error {
	mg.Deps(Vet)
	for _, b := range binaries {
		if _, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "build", "-o", filepath.Join("bin", b), "./"+b); err != nil {
			return err
		}
	}
	return nil
}

// Runs go vet over every package.
func Vet() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "vet", "./...")
	return err
}

// Runs all tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}

// Removes build artefacts.
func Clean() error {
	return sh.Rm("bin")
}

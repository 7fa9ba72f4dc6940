//go:build !netlib

package main

import "fmt"

// useBLASBackend selects the BLAS implementation behind gonum/mat.
// The pure-Go kernels are the compiled-in default; the netlib binding
// only exists under its build tag so plain builds stay cgo-free.
func useBLASBackend(name string) error {
	if name == "netlib" {
		return fmt.Errorf("backend netlib requires building with -tags netlib")
	}
	return nil
}

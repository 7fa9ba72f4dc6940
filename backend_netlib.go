//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// useBLASBackend selects the BLAS implementation behind gonum/mat.
// Built with -tags netlib, the matrix kernels can be routed onto the
// system BLAS, which is considerably faster on wide models.
func useBLASBackend(name string) error {
	if name == "netlib" {
		blas64.Use(netlib.Implementation{})
	}
	return nil
}

//go:build !no_psi

package main

import "pkt.systems/psi"

// main hands submain to psi so fapgate can run as the init process of a
// container. On shutdown the server closes its links and rolls back whatever
// their conversations still own. Build with -tags no_psi to run without psi.
func main() {
	psi.Run(submain)
}
